package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/roomstate/internal/pdu"
)

// TraceSnapshot captures the decision trace of one scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot for pdu.MarshalCanonical, which only
// handles maps, slices and primitives. Zero-valued optional fields are left
// out so each event type keeps its own shape.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
		}
		if ev.PDU != "" {
			m["pdu"] = ev.PDU
		}
		switch ev.Type {
		case EventResolved:
			m["accepted"] = ev.Accepted
			m["stage"] = ev.Stage
			m["backfills"] = ev.Backfills
			m["new_len"] = ev.NewLen
			m["current_len"] = ev.CurrentLen
		case EventFailed:
			m["slot"] = ev.Slot
			m["error"] = ev.Error
		case EventBackfill:
			m["destination"] = ev.Destination
			m["ok"] = ev.OK
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// MarshalTrace encodes a result's trace as canonical JSON.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	return pdu.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden. Returns the result so callers can
// also check Pass.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
