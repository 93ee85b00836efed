package state

import (
	"context"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

// Resolve decides whether p should replace its slot's current value.
//
// Resolve neither locks the slot nor writes the pointer; EvaluateNewState
// does both around it. The outcome's Against field records the pointer the
// decision was made against. A resolution moves through these steps:
//
//  1. Fetch the unresolved state tree.
//  2. If a branch is missing an ancestor, backfill it from the origin of the
//     branch's oldest element and go back to 1.
//  3. An empty current branch accepts p.
//  4. A current branch that is only the shared ancestor accepts p.
//  5. Otherwise fork-choice decides.
//
// Backfill is bounded by the engine's ceiling and never fetches the same
// ancestor twice.
func (e *Engine) Resolve(ctx context.Context, p *pdu.PDU) (Outcome, error) {
	slot := p.Slot()
	out := Outcome{Ref: p.Ref(), Slot: slot}
	attempted := make(map[pdu.Ref]bool)

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		tree, err := e.ds.GetUnresolvedStateTree(ctx, p)
		if err != nil {
			return out, fmt.Errorf("resolve %s: %w", p.Ref(), err)
		}

		if tree.Missing != pdu.SideNone {
			if err := e.backfill(ctx, slot, tree, attempted); err != nil {
				return out, err
			}
			out.Backfills++
			continue
		}

		out.NewLen, out.CurrentLen = tree.New.Len(), tree.Current.Len()
		out.Against = tree.Observed

		if tree.Current.Len() == 0 {
			out.Accepted, out.Stage = true, StageNoCurrent
			return out, nil
		}

		common := tree.CommonAncestor()
		if common && tree.Current.Len() == 1 {
			out.Accepted, out.Stage = true, StageDirectSuccessor
			return out, nil
		}

		newWins, stage, decided, err := e.forkChoice(ctx, tree, common)
		if err != nil {
			return out, fmt.Errorf("resolve %s: %w", p.Ref(), err)
		}
		if !decided {
			return out, NewTieError(slot, p.Ref())
		}
		out.Accepted, out.Stage = newWins, stage
		return out, nil
	}
}

// backfill fetches the ancestor the tree reports missing.
func (e *Engine) backfill(ctx context.Context, slot pdu.SlotKey, tree pdu.StateTree, attempted map[pdu.Ref]bool) error {
	last := tree.Branch(tree.Missing).Oldest()
	if last == nil || !last.HasPrevState() {
		ref := pdu.Ref{}
		if last != nil {
			ref = last.Ref()
		}
		return &ResolutionError{
			Code:    ErrCodeInconsistentStore,
			Message: fmt.Sprintf("%s branch reported missing but ends without prev_state", tree.Missing),
			Slot:    slot,
			Ref:     ref,
		}
	}
	missing := *last.PrevState

	existing, err := e.ds.GetPDU(ctx, missing.PDUID, missing.Origin)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", missing, err)
	}
	if existing != nil {
		return NewInconsistencyError(slot, missing)
	}

	if attempted[missing] {
		return NewBackfillStalledError(slot, missing)
	}
	if len(attempted) >= e.maxBackfill {
		return NewBackfillLimitError(slot, missing, e.maxBackfill)
	}
	attempted[missing] = true

	destination := last.Origin
	e.logger.Debug("backfilling missing ancestor",
		"slot", slot.String(),
		"branch", tree.Missing.String(),
		"missing", missing.String(),
		"destination", destination,
	)

	err = e.repl.FetchPDU(ctx, destination, missing.Origin, missing.PDUID, true)
	e.observer.Backfilled(destination, missing, err)
	if err != nil {
		return NewBackfillFailedError(slot, missing, destination, err)
	}
	return nil
}
