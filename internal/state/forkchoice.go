package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/roomstate/internal/pdu"
)

// noPower is the score of a branch with no authored elements. It loses to
// any branch with at least one known author.
const noPower = math.MinInt64

// forkChoice compares two conflicting branches in fixed priority order:
// maximum author power level, then branch length, then branch digest.
// The first stage that separates them decides. Returns the stage that
// decided and whether the new branch won; decided is false when every
// stage tied.
func (e *Engine) forkChoice(ctx context.Context, tree pdu.StateTree, common bool) (newWins bool, stage Stage, decided bool, err error) {
	newPower, err := e.maxPower(ctx, tree.New, common)
	if err != nil {
		return false, "", false, err
	}
	curPower, err := e.maxPower(ctx, tree.Current, common)
	if err != nil {
		return false, "", false, err
	}
	if newPower != curPower {
		return newPower > curPower, StagePower, true, nil
	}

	if tree.New.Len() != tree.Current.Len() {
		return tree.New.Len() > tree.Current.Len(), StageLength, true, nil
	}

	newDigest, curDigest := BranchDigest(tree.New), BranchDigest(tree.Current)
	if newDigest != curDigest {
		return newDigest > curDigest, StageHash, true, nil
	}

	return false, "", false, nil
}

// maxPower returns the highest power level among the branch's authored
// elements. The shared ancestor, when present, belongs to neither side and
// is skipped.
func (e *Engine) maxPower(ctx context.Context, branch pdu.Branch, common bool) (int64, error) {
	elems := branch
	if common && len(elems) > 0 {
		elems = elems[:len(elems)-1]
	}

	best := int64(noPower)
	seen := make(map[string]int64)
	for _, p := range elems {
		if p.UserID == "" {
			continue
		}
		level, ok := seen[p.UserID]
		if !ok {
			var err error
			level, err = e.ds.GetPowerLevel(ctx, p.RoomID, p.UserID)
			if err != nil {
				return 0, fmt.Errorf("power level of %s in %s: %w", p.UserID, p.RoomID, err)
			}
			seen[p.UserID] = level
		}
		best = max(best, level)
	}
	return best, nil
}

// BranchDigest is the hex SHA-1 of the branch's pdu_id and origin pairs
// concatenated in branch order. Every server computes the same digest for
// the same branch, so comparing digests is a deterministic last resort.
func BranchDigest(branch pdu.Branch) string {
	var b strings.Builder
	for _, p := range branch {
		b.WriteString(p.PDUID)
		b.WriteString(p.Origin)
	}
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
