package state

import (
	"time"

	"github.com/roach88/roomstate/internal/pdu"
)

// Stage names the step that decided a resolution.
type Stage string

const (
	// StageLocal marks a locally submitted event accepted without fork-choice.
	StageLocal Stage = "local"

	// StageNoCurrent marks a slot with no prior value.
	StageNoCurrent Stage = "no_current"

	// StageDirectSuccessor marks an incoming PDU that extends the current one.
	StageDirectSuccessor Stage = "direct_successor"

	// StagePower marks a decision by maximum author power level.
	StagePower Stage = "power"

	// StageLength marks a decision by branch length.
	StageLength Stage = "length"

	// StageHash marks a decision by branch digest.
	StageHash Stage = "hash"
)

// Outcome describes one completed resolution.
type Outcome struct {
	Ref      pdu.Ref
	Slot     pdu.SlotKey
	Accepted bool
	Stage    Stage

	// Backfills is the number of ancestors fetched during this resolution.
	Backfills int

	// NewLen and CurrentLen are the branch lengths of the deciding tree.
	NewLen     int
	CurrentLen int

	// Against is the slot pointer the decision was made against. Zero when
	// the slot was empty.
	Against pdu.Ref

	// Retries counts resolutions discarded because the pointer moved
	// before the decision could be written.
	Retries int

	Duration time.Duration
}

// Observer receives resolution results. Implementations must be safe for
// concurrent use.
type Observer interface {
	// Resolved is called after every resolution that reached a decision.
	Resolved(out Outcome)

	// Failed is called after every resolution that ended in an error.
	Failed(slot pdu.SlotKey, err error, elapsed time.Duration)

	// Backfilled is called after every ancestor fetch.
	Backfilled(destination string, ref pdu.Ref, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) Resolved(Outcome)                         {}
func (NopObserver) Failed(pdu.SlotKey, error, time.Duration) {}
func (NopObserver) Backfilled(string, pdu.Ref, error)        {}
