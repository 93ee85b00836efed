package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/state"
	"github.com/roach88/roomstate/internal/store"
	"github.com/roach88/roomstate/internal/testutil"
)

// ErrUnreachable is returned by fetches from destinations a scenario lists
// as unreachable.
var ErrUnreachable = errors.New("destination unreachable")

// codeInternal labels resolution errors that carry no code.
const codeInternal = "INTERNAL"

// Harness holds the per-run fixtures.
type Harness struct {
	store    *store.Store
	remote   *testutil.Remote
	engine   *state.Engine
	recorder *recorder
	pdus     map[pdu.Ref]*pdu.PDU
	server   string
}

// RunOption configures Run.
type RunOption func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sends engine and store logs to logger. Logs are discarded by
// default.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) { c.logger = logger }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database:
//  1. Build every PDU; write local ones and serve remote ones
//  2. Apply current pointers and power levels
//  3. Evaluate each step, checking expectations
//  4. Evaluate assertions against the store and trace
//
// Run returns an error only when the scenario cannot be set up. Failed
// expectations and assertions are reported in the Result.
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(":memory:", store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		remote:   testutil.NewRemote(st),
		recorder: &recorder{},
		pdus:     make(map[pdu.Ref]*pdu.PDU),
		server:   scenario.serverName(),
	}

	engineOpts := []state.Option{
		state.WithLogger(cfg.logger),
		state.WithObserver(h.recorder),
	}
	if scenario.MaxBackfill > 0 {
		engineOpts = append(engineOpts, state.WithMaxBackfill(scenario.MaxBackfill))
	}
	h.engine = state.New(st, h.remote, h.server, engineOpts...)

	ctx := context.Background()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}
	result.Trace = h.recorder.events()

	actx := &AssertionContext{
		Ctx:        ctx,
		Store:      st,
		ServerName: h.server,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// setup builds the scenario's PDUs and initial store contents.
func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	for i, spec := range s.PDUs {
		p, err := h.build(spec)
		if err != nil {
			return fmt.Errorf("pdus[%d]: %w", i, err)
		}
		h.pdus[p.Ref()] = p

		if spec.Remote {
			h.remote.Serve(p)
			continue
		}
		if _, err := h.store.WritePDU(ctx, p, false); err != nil {
			return fmt.Errorf("pdus[%d]: %w", i, err)
		}
	}

	for i, id := range s.Current {
		p, err := h.lookup(id)
		if err != nil {
			return fmt.Errorf("current[%d]: %w", i, err)
		}
		if err := h.store.UpdateCurrentState(ctx, p.Ref(), p.Slot()); err != nil {
			return fmt.Errorf("current[%d]: %w", i, err)
		}
	}

	for i, pl := range s.PowerLevels {
		room := pl.Room
		if room == "" {
			room = testutil.DefaultRoom
		}
		if err := h.store.SetPowerLevel(ctx, room, pl.User, pl.Level); err != nil {
			return fmt.Errorf("power_levels[%d]: %w", i, err)
		}
	}

	for _, dest := range s.Unreachable {
		h.remote.FailDestination(dest, ErrUnreachable)
	}
	return nil
}

// build turns a PDUSpec into a PDU, applying defaults. A prev must already
// be built.
func (h *Harness) build(spec PDUSpec) (*pdu.PDU, error) {
	p := &pdu.PDU{
		PDUID:      spec.ID,
		Origin:     spec.Origin,
		RoomID:     spec.Room,
		Type:       spec.Type,
		Depth:      1,
		UserID:     spec.User,
		PowerLevel: spec.PowerLevel,
	}
	if p.RoomID == "" {
		p.RoomID = testutil.DefaultRoom
	}

	if spec.Message {
		if p.Type == "" {
			p.Type = "message"
		}
		p.Content = pdu.Content{"body": spec.ID}
	} else {
		if p.Type == "" {
			p.Type = "name"
		}
		key := ""
		if spec.StateKey != nil {
			key = *spec.StateKey
		}
		p.StateKey = pdu.StringPtr(key)
		p.Content = pdu.Content{"name": spec.ID}
	}
	if spec.Content != nil {
		p.Content = pdu.Content(spec.Content)
	}

	if spec.Prev != "" {
		prev, err := h.lookup(spec.Prev)
		if err != nil {
			return nil, fmt.Errorf("prev: %w", err)
		}
		ref := prev.Ref()
		p.PrevState = &ref
		p.PrevEvents = []pdu.Ref{ref}
		p.Depth = prev.Depth + 1
	}
	if spec.Depth > 0 {
		p.Depth = spec.Depth
	}
	return p, nil
}

func (h *Harness) lookup(eventID string) (*pdu.PDU, error) {
	ref, err := pdu.DecodeEventID(eventID, h.server)
	if err != nil {
		return nil, err
	}
	p, ok := h.pdus[ref]
	if !ok {
		return nil, fmt.Errorf("unknown pdu %s", eventID)
	}
	return p, nil
}

// executeSteps evaluates each step and checks its expectation.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		p, err := h.lookup(step.Evaluate)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		h.recorder.begin(p.Ref())
		out, err := h.engine.Evaluate(ctx, p)

		if step.Expect == nil {
			continue
		}
		if msg := checkExpect(i, step, out, err); msg != "" {
			result.AddError(msg)
		}
	}
	return nil
}

// checkExpect compares an outcome to its expectation. Returns "" on match.
func checkExpect(index int, step Step, out state.Outcome, err error) string {
	want := step.Expect
	if err != nil {
		code := errorCode(err)
		if want.Error != code {
			return fmt.Sprintf("step %d (%s): expected %s, got error %s: %v",
				index, step.Evaluate, describeExpect(want), code, err)
		}
		return ""
	}

	if want.Error != "" {
		return fmt.Sprintf("step %d (%s): expected error %s, got accepted=%t stage=%s",
			index, step.Evaluate, want.Error, out.Accepted, out.Stage)
	}
	if out.Accepted != want.Accepted || (want.Stage != "" && string(out.Stage) != want.Stage) {
		return fmt.Sprintf("step %d (%s): expected %s, got accepted=%t stage=%s",
			index, step.Evaluate, describeExpect(want), out.Accepted, out.Stage)
	}
	return ""
}

func describeExpect(e *Expect) string {
	if e.Error != "" {
		return "error " + e.Error
	}
	if e.Stage == "" {
		return fmt.Sprintf("accepted=%t", e.Accepted)
	}
	return fmt.Sprintf("accepted=%t stage=%s", e.Accepted, e.Stage)
}

func errorCode(err error) string {
	if code, ok := state.CodeOf(err); ok {
		return string(code)
	}
	return codeInternal
}

// recorder is a state.Observer that builds the trace.
type recorder struct {
	mu    sync.Mutex
	seq   int64
	step  pdu.Ref
	trace []TraceEvent
}

// begin marks the PDU that following failures belong to.
func (r *recorder) begin(ref pdu.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = ref
}

func (r *recorder) add(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	r.trace = append(r.trace, ev)
}

func (r *recorder) events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.trace...)
}

func (r *recorder) Resolved(out state.Outcome) {
	r.add(TraceEvent{
		Type:       EventResolved,
		PDU:        out.Ref.EventID(),
		Accepted:   out.Accepted,
		Stage:      string(out.Stage),
		Backfills:  out.Backfills,
		NewLen:     out.NewLen,
		CurrentLen: out.CurrentLen,
	})
}

func (r *recorder) Failed(slot pdu.SlotKey, err error, _ time.Duration) {
	r.mu.Lock()
	ref := r.step
	r.mu.Unlock()
	r.add(TraceEvent{
		Type:  EventFailed,
		PDU:   ref.EventID(),
		Slot:  slot.String(),
		Error: errorCode(err),
	})
}

func (r *recorder) Backfilled(destination string, ref pdu.Ref, err error) {
	r.add(TraceEvent{
		Type:        EventBackfill,
		PDU:         ref.EventID(),
		Destination: destination,
		OK:          err == nil,
	})
}

var _ state.Observer = (*recorder)(nil)
