package store

import (
	"context"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

// GetUnresolvedStateTree walks the prev_state chains of p and of the slot's
// current PDU back towards a shared ancestor, in one read transaction.
//
// Both branches are newest first. The walk advances the deeper head, or both
// heads at equal depth, and stops when:
//   - the heads meet, in which case the shared PDU ends both branches;
//   - both heads are roots with no prev_state;
//   - a head's prev_state is not stored, in which case Missing names that
//     branch and its last element holds the absent reference.
//
// When the slot has no current pointer the tree has an empty Current branch.
// Observed records the pointer the walk started from, read in the same
// transaction as the branches.
func (s *Store) GetUnresolvedStateTree(ctx context.Context, p *pdu.PDU) (pdu.StateTree, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return pdu.StateTree{}, fmt.Errorf("unresolved state tree: begin tx: %w", err)
	}
	defer tx.Rollback()

	tree, err := walkStateTree(ctx, tx, p)
	if err != nil {
		return pdu.StateTree{}, fmt.Errorf("unresolved state tree %s: %w", p.Ref(), err)
	}
	return tree, nil
}

// branchWalker extends one side of a tree by following prev_state links.
type branchWalker struct {
	side    pdu.Side
	branch  pdu.Branch
	visited map[pdu.Ref]bool
}

func newBranchWalker(side pdu.Side, head *pdu.PDU) *branchWalker {
	return &branchWalker{
		side:    side,
		branch:  pdu.Branch{head},
		visited: map[pdu.Ref]bool{head.Ref(): true},
	}
}

func (w *branchWalker) head() *pdu.PDU {
	return w.branch.Oldest()
}

// truncateAt cuts the branch after ref. Returns false when ref is not on it.
func (w *branchWalker) truncateAt(ref pdu.Ref) bool {
	if !w.visited[ref] {
		return false
	}
	for i, p := range w.branch {
		if p.Ref() == ref {
			w.branch = w.branch[:i+1]
			return true
		}
	}
	return false
}

func (w *branchWalker) atRoot() bool {
	return !w.head().HasPrevState()
}

// advance appends the head's prev_state. Returns false when it is not stored.
func (w *branchWalker) advance(ctx context.Context, q *loggingTx) (bool, error) {
	ref := *w.head().PrevState
	if w.visited[ref] {
		return false, fmt.Errorf("prev_state cycle at %s on %s branch", ref, w.side)
	}

	prev, err := getPDU(ctx, q, ref.PDUID, ref.Origin)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return false, nil
	}

	w.visited[ref] = true
	w.branch = append(w.branch, prev)
	return true, nil
}

func walkStateTree(ctx context.Context, q *loggingTx, p *pdu.PDU) (pdu.StateTree, error) {
	ref, ok, err := currentRef(ctx, q, p.Slot())
	if err != nil {
		return pdu.StateTree{}, err
	}
	if !ok {
		return pdu.StateTree{New: pdu.Branch{p}}, nil
	}

	current, err := getPDU(ctx, q, ref.PDUID, ref.Origin)
	if err != nil {
		return pdu.StateTree{}, err
	}
	if current == nil {
		return pdu.StateTree{}, fmt.Errorf("current pdu %s for %s is not stored", ref, p.Slot())
	}

	newSide := newBranchWalker(pdu.SideNew, p)
	curSide := newBranchWalker(pdu.SideCurrent, current)

	tree := func(missing pdu.Side) pdu.StateTree {
		return pdu.StateTree{New: newSide.branch, Current: curSide.branch, Missing: missing, Observed: ref}
	}

	// met reports whether either head lies on the other branch, trimming that
	// branch so both end at the shared PDU. Depths are expected to fall along
	// prev_state, but a head may still overtake the meeting point.
	met := func() bool {
		if curSide.truncateAt(newSide.head().Ref()) {
			return true
		}
		return newSide.truncateAt(curSide.head().Ref())
	}

	for {
		if err := ctx.Err(); err != nil {
			return pdu.StateTree{}, err
		}

		if met() {
			return tree(pdu.SideNone), nil
		}

		newRoot, curRoot := newSide.atRoot(), curSide.atRoot()
		if newRoot && curRoot {
			return tree(pdu.SideNone), nil
		}

		var advanceNew, advanceCur bool
		switch {
		case newRoot:
			advanceCur = true
		case curRoot:
			advanceNew = true
		case newSide.head().Depth > curSide.head().Depth:
			advanceNew = true
		case newSide.head().Depth < curSide.head().Depth:
			advanceCur = true
		default:
			advanceNew, advanceCur = true, true
		}

		if advanceNew {
			found, err := newSide.advance(ctx, q)
			if err != nil {
				return pdu.StateTree{}, err
			}
			if !found {
				return tree(pdu.SideNew), nil
			}
			if met() {
				return tree(pdu.SideNone), nil
			}
		}

		if advanceCur {
			found, err := curSide.advance(ctx, q)
			if err != nil {
				return pdu.StateTree{}, err
			}
			if !found {
				return tree(pdu.SideCurrent), nil
			}
		}
	}
}
