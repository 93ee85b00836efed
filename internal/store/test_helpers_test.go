package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/roomstate/internal/pdu"
)

const testRoom = "room-1"

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStatePDU builds a "name" state PDU in testRoom. prev is nil for
// a root.
func createTestStatePDU(id, origin string, depth int64, prev *pdu.PDU) *pdu.PDU {
	p := &pdu.PDU{
		PDUID:    id,
		Origin:   origin,
		RoomID:   testRoom,
		Type:     "name",
		StateKey: pdu.StringPtr(""),
		Depth:    depth,
		Content:  pdu.Content{"name": id},
	}
	if prev != nil {
		ref := prev.Ref()
		p.PrevState = &ref
		p.PrevEvents = []pdu.Ref{ref}
	}
	return p
}

// mustWrite stores each PDU as a non-outlier.
func mustWrite(t *testing.T, s *Store, pdus ...*pdu.PDU) {
	t.Helper()
	for _, p := range pdus {
		if _, err := s.WritePDU(context.Background(), p, false); err != nil {
			t.Fatalf("WritePDU(%s) failed: %v", p.Ref(), err)
		}
	}
}

// mustPoint sets the slot's current pointer to p.
func mustPoint(t *testing.T, s *Store, p *pdu.PDU) {
	t.Helper()
	if err := s.UpdateCurrentState(context.Background(), p.Ref(), p.Slot()); err != nil {
		t.Fatalf("UpdateCurrentState(%s) failed: %v", p.Ref(), err)
	}
}

func branchIDs(b pdu.Branch) []string {
	ids := make([]string, len(b))
	for i, p := range b {
		ids[i] = p.PDUID
	}
	return ids
}
