package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/roomstate/internal/pdu"
)

// DefaultMaxBackfill is the default number of ancestors a single resolution
// may fetch before giving up.
const DefaultMaxBackfill = 64

// maxPointerRaces bounds how many times one evaluation re-resolves after
// another writer moved the slot pointer.
const maxPointerRaces = 8

// Datastore is the storage the engine resolves against.
type Datastore interface {
	// GetUnresolvedStateTree walks the prev_state chains of p and of its
	// slot's current PDU.
	GetUnresolvedStateTree(ctx context.Context, p *pdu.PDU) (pdu.StateTree, error)

	// GetPDU returns the PDU, or (nil, nil) when it is not stored.
	GetPDU(ctx context.Context, pduID, origin string) (*pdu.PDU, error)

	// WritePDU stores p. Storing an already stored PDU is a no-op.
	WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error)

	// CurrentRef returns the slot's pointer; ok is false when it has none.
	CurrentRef(ctx context.Context, slot pdu.SlotKey) (ref pdu.Ref, ok bool, err error)

	// SwapCurrentState points slot at ref if it still points at expected
	// (zero: has no pointer). Returns false when the pointer moved.
	SwapCurrentState(ctx context.Context, slot pdu.SlotKey, expected, ref pdu.Ref) (bool, error)

	// GetPowerLevel returns a user's power level in a room.
	GetPowerLevel(ctx context.Context, roomID, userID string) (int64, error)
}

// Replicator fetches PDUs from remote servers.
type Replicator interface {
	// FetchPDU retrieves one PDU from destination and stores it. With outlier
	// set the stored PDU does not itself trigger resolution.
	FetchPDU(ctx context.Context, destination, origin, pduID string, outlier bool) error
}

// Engine resolves the current value of every state slot.
//
// Thread-safety model:
//   - EvaluateNewState and EvaluateNewEvent are safe from any goroutine
//   - calls for the same slot serialize on a per-slot lock
//   - calls for different slots run in parallel and share nothing mutable
//
// Other engines may share the datastore: every pointer write is a
// compare-and-swap against the pointer the decision was made against.
type Engine struct {
	ds          Datastore
	repl        Replicator
	serverName  string
	logger      *slog.Logger
	auth        Authorizer
	observer    Observer
	maxBackfill int
	locks       *slotLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAuthorizer sets the policy consulted by EvaluateNewEvent.
// Default: AllowAll.
func WithAuthorizer(auth Authorizer) Option {
	return func(e *Engine) {
		e.auth = auth
	}
}

// WithObserver sets the observer notified of every outcome.
// Default: NopObserver.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		e.observer = obs
	}
}

// WithMaxBackfill sets the number of ancestors a single resolution may
// fetch. Values below 1 are ignored.
//
// Default: 64 (DefaultMaxBackfill)
func WithMaxBackfill(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBackfill = n
		}
	}
}

// New creates an Engine over the given datastore and replicator.
// serverName decodes event ids that carry no origin.
func New(ds Datastore, repl Replicator, serverName string, opts ...Option) *Engine {
	e := &Engine{
		ds:          ds,
		repl:        repl,
		serverName:  serverName,
		logger:      slog.Default(),
		auth:        AllowAll{},
		observer:    NopObserver{},
		maxBackfill: DefaultMaxBackfill,
		locks:       newSlotLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ServerName returns the name used for ids without an origin.
func (e *Engine) ServerName() string {
	return e.serverName
}

// EvaluateNewEvent stores a locally submitted state event and records it as
// its slot's current value. Non-state events are ignored and return false.
//
// The event is linked to its predecessors: prev_events come from the
// snapshot when the event has none and never include the event itself,
// and prev_state names the snapshot's current PDU. The authorizer is
// consulted before anything is written. The PDU is stored before the
// pointer moves, and the pointer only moves if it still names the
// snapshot's current PDU; otherwise a CURRENT_CHANGED error asks the caller
// for a fresh snapshot. Fork-choice does not run.
func (e *Engine) EvaluateNewEvent(ctx context.Context, ev *pdu.Event, snap pdu.Snapshot) (bool, error) {
	if !ev.IsState() {
		return false, nil
	}

	start := time.Now()
	slot := ev.Slot()

	ref, err := pdu.DecodeEventID(ev.EventID, e.serverName)
	if err != nil {
		return false, fmt.Errorf("evaluate event: %w", err)
	}

	snap.FillOutPrevEvents(ev)
	prevEvents := ev.PrevEvents[:0:0]
	for _, id := range ev.PrevEvents {
		prev, err := pdu.DecodeEventID(id, e.serverName)
		if err != nil {
			return false, fmt.Errorf("evaluate event %s: prev event %q: %w", ref, id, err)
		}
		if prev == ref {
			continue
		}
		prevEvents = append(prevEvents, id)
	}
	ev.PrevEvents = prevEvents

	var expected pdu.Ref
	if prev := snap.PrevStatePDU; prev != nil {
		expected = prev.Ref()
		ev.PrevState = expected.EventID()
	}

	if err := e.auth.Authorize(ctx, ev, snap.PrevStatePDU); err != nil {
		rerr := NewUnauthorizedError(slot, ref, err)
		e.observer.Failed(slot, rerr, time.Since(start))
		return false, rerr
	}

	p, err := ev.ToPDU(e.serverName)
	if err != nil {
		return false, fmt.Errorf("evaluate event %s: %w", ref, err)
	}

	release, err := e.locks.acquire(ctx, slot)
	if err != nil {
		return false, fmt.Errorf("evaluate event %s: lock %s: %w", ref, slot, err)
	}
	defer release()

	if _, err := e.ds.WritePDU(ctx, p, false); err != nil {
		e.observer.Failed(slot, err, time.Since(start))
		return false, fmt.Errorf("evaluate event %s: %w", ref, err)
	}

	swapped, err := e.ds.SwapCurrentState(ctx, slot, expected, ref)
	if err == nil && !swapped {
		err = NewCurrentChangedError(slot, ref, expected)
	}
	if err != nil {
		e.observer.Failed(slot, err, time.Since(start))
		return false, fmt.Errorf("evaluate event %s: %w", ref, err)
	}

	out := Outcome{
		Ref:      ref,
		Slot:     slot,
		Accepted: true,
		Stage:    StageLocal,
		Against:  expected,
		Duration: time.Since(start),
	}
	e.observer.Resolved(out)

	e.logger.Info("local state accepted",
		"slot", slot.String(),
		"pdu", ref.String(),
		"prev_state", ev.PrevState,
	)
	return true, nil
}

// EvaluateNewState resolves a stored state PDU against its slot's current
// value and, when it wins, makes it the current value. Returns whether the
// PDU was accepted. Non-state PDUs are ignored and return false.
func (e *Engine) EvaluateNewState(ctx context.Context, p *pdu.PDU) (bool, error) {
	out, err := e.Evaluate(ctx, p)
	if err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// Evaluate is EvaluateNewState returning the full outcome.
func (e *Engine) Evaluate(ctx context.Context, p *pdu.PDU) (Outcome, error) {
	if !p.IsState() {
		return Outcome{Ref: p.Ref()}, nil
	}

	start := time.Now()
	slot := p.Slot()

	release, err := e.locks.acquire(ctx, slot)
	if err != nil {
		return Outcome{Ref: p.Ref(), Slot: slot}, fmt.Errorf("evaluate %s: lock %s: %w", p.Ref(), slot, err)
	}
	defer release()

	e.logger.Debug("resolving state",
		"slot", slot.String(),
		"pdu", p.Ref().String(),
		"depth", p.Depth,
	)

	out, err := e.decide(ctx, p)
	out.Duration = time.Since(start)

	if err != nil {
		e.observer.Failed(slot, err, out.Duration)
		e.logger.Error("state resolution failed",
			"slot", slot.String(),
			"pdu", p.Ref().String(),
			"backfills", out.Backfills,
			"error", err,
		)
		return out, err
	}

	e.observer.Resolved(out)
	e.logger.Info("state resolved",
		"slot", slot.String(),
		"pdu", p.Ref().String(),
		"accepted", out.Accepted,
		"stage", string(out.Stage),
		"backfills", out.Backfills,
	)
	return out, nil
}

// decide resolves p and commits the decision against the pointer it was
// made against. When another writer moved the pointer in between, the
// decision is discarded and p is resolved again.
func (e *Engine) decide(ctx context.Context, p *pdu.PDU) (Outcome, error) {
	slot := p.Slot()
	backfills := 0

	for races := 0; ; races++ {
		out, err := e.Resolve(ctx, p)
		out.Backfills += backfills
		out.Retries = races
		if err != nil {
			return out, err
		}

		held, err := e.commit(ctx, slot, out)
		if err != nil {
			return out, fmt.Errorf("evaluate %s: %w", p.Ref(), err)
		}
		if held {
			return out, nil
		}

		if races+1 >= maxPointerRaces {
			return out, NewCurrentChangedError(slot, p.Ref(), out.Against)
		}
		backfills = out.Backfills
		e.logger.Debug("slot pointer moved during resolution, resolving again",
			"slot", slot.String(),
			"pdu", p.Ref().String(),
			"against", out.Against.String(),
		)
	}
}

// commit writes an accepted decision with a compare-and-swap, and confirms a
// rejection still faces the same pointer. Returns false when the pointer
// moved.
func (e *Engine) commit(ctx context.Context, slot pdu.SlotKey, out Outcome) (bool, error) {
	if out.Accepted {
		return e.ds.SwapCurrentState(ctx, slot, out.Against, out.Ref)
	}
	ref, ok, err := e.ds.CurrentRef(ctx, slot)
	if err != nil {
		return false, err
	}
	if !ok {
		return out.Against.IsZero(), nil
	}
	return ref == out.Against, nil
}
