package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/store"
)

// AssertionContext provides the store for assertions that read it.
type AssertionContext struct {
	Ctx        context.Context
	Store      *store.Store
	ServerName string
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s%s\n", ev.Seq, ev.Type, ev.PDU, describeEvent(ev))
		}
	}
	return buf.String()
}

func describeEvent(ev TraceEvent) string {
	switch ev.Type {
	case EventResolved:
		return fmt.Sprintf(" accepted=%t stage=%s", ev.Accepted, ev.Stage)
	case EventFailed:
		return " error=" + ev.Error
	case EventBackfill:
		return fmt.Sprintf(" from=%s ok=%t", ev.Destination, ev.OK)
	}
	return ""
}

// assertCurrent checks the slot's current pointer. An empty PDU expects the
// slot to have none.
func assertCurrent(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	slot := a.slot()
	ref, ok, err := actx.Store.CurrentRef(actx.Ctx, slot)
	if err != nil {
		return fmt.Errorf("current %s: %w", slot, err)
	}

	actual := "none"
	if ok {
		actual = ref.EventID()
	}

	expected := "none"
	if a.PDU != "" {
		want, err := pdu.DecodeEventID(a.PDU, actx.ServerName)
		if err != nil {
			return fmt.Errorf("current %s: %w", slot, err)
		}
		expected = want.EventID()
	}

	if actual != expected {
		return &AssertionError{
			Type:     AssertCurrent,
			Expected: fmt.Sprintf("%s is %s", slot, expected),
			Actual:   actual,
			Trace:    trace,
		}
	}
	return nil
}

// assertBackfills checks the number of ancestor fetches.
func assertBackfills(result *Result, a Assertion) error {
	if got := result.Backfills(); got != a.Count {
		return &AssertionError{
			Type:     AssertBackfills,
			Expected: fmt.Sprintf("%d backfills", a.Count),
			Actual:   fmt.Sprintf("%d backfills", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertOutlier checks a stored PDU's outlier flag.
func assertOutlier(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	ref, err := pdu.DecodeEventID(a.PDU, actx.ServerName)
	if err != nil {
		return fmt.Errorf("outlier: %w", err)
	}
	p, err := actx.Store.GetPDU(actx.Ctx, ref.PDUID, ref.Origin)
	if err != nil {
		return fmt.Errorf("outlier %s: %w", ref, err)
	}
	if p == nil {
		return &AssertionError{
			Type:     AssertOutlier,
			Expected: fmt.Sprintf("%s stored", ref),
			Actual:   "not stored",
			Trace:    trace,
		}
	}
	if p.Outlier != a.Outlier {
		return &AssertionError{
			Type:     AssertOutlier,
			Expected: fmt.Sprintf("%s outlier=%t", ref, a.Outlier),
			Actual:   fmt.Sprintf("outlier=%t", p.Outlier),
			Trace:    trace,
		}
	}
	return nil
}

// assertPowerLevel checks a user's stored power level.
func assertPowerLevel(actx *AssertionContext, a Assertion) error {
	room := a.slot().RoomID
	level, err := actx.Store.GetPowerLevel(actx.Ctx, room, a.User)
	if err != nil {
		return fmt.Errorf("power level: %w", err)
	}
	if level != a.Level {
		return &AssertionError{
			Type:     AssertPowerLevel,
			Expected: fmt.Sprintf("%s has %d in %s", a.User, a.Level, room),
			Actual:   fmt.Sprintf("%d", level),
		}
	}
	return nil
}

// EvaluateAssertions runs all assertions and returns failure messages.
// Store assertions fail when actx is nil.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertBackfills:
			err = assertBackfills(result, a)
		case AssertCurrent, AssertOutlier, AssertPowerLevel:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("%s assertion requires a store", a.Type)
				break
			}
			switch a.Type {
			case AssertCurrent:
				err = assertCurrent(actx, result.Trace, a)
			case AssertOutlier:
				err = assertOutlier(actx, result.Trace, a)
			default:
				err = assertPowerLevel(actx, a)
			}
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}
