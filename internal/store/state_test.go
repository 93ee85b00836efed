package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/roach88/roomstate/internal/pdu"
)

func TestUpdateCurrentState_Upsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	root := createTestStatePDU("root", "a.example", 1, nil)
	next := createTestStatePDU("next", "b.example", 2, root)
	mustWrite(t, s, root, next)

	mustPoint(t, s, root)
	mustPoint(t, s, next)

	ref, ok, err := s.CurrentRef(ctx, root.Slot())
	if err != nil {
		t.Fatalf("CurrentRef() failed: %v", err)
	}
	if !ok || ref != next.Ref() {
		t.Errorf("current = %v (ok=%v), want %v", ref, ok, next.Ref())
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM current_state").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("current_state rows = %d, want 1", count)
	}
}

func TestSwapCurrentState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	root := createTestStatePDU("root", "a.example", 1, nil)
	left := createTestStatePDU("left", "b.example", 2, root)
	right := createTestStatePDU("right", "c.example", 2, root)
	mustWrite(t, s, root, left, right)
	slot := root.Slot()

	swap := func(expected, ref pdu.Ref) bool {
		t.Helper()
		ok, err := s.SwapCurrentState(ctx, slot, expected, ref)
		if err != nil {
			t.Fatalf("SwapCurrentState() failed: %v", err)
		}
		return ok
	}
	current := func() pdu.Ref {
		t.Helper()
		ref, _, err := s.CurrentRef(ctx, slot)
		if err != nil {
			t.Fatalf("CurrentRef() failed: %v", err)
		}
		return ref
	}

	if !swap(pdu.Ref{}, root.Ref()) {
		t.Fatal("swap into empty slot refused")
	}
	if swap(pdu.Ref{}, left.Ref()) {
		t.Error("swap expecting an empty slot succeeded on an occupied one")
	}
	if !swap(root.Ref(), left.Ref()) {
		t.Fatal("swap from the current value refused")
	}
	if swap(root.Ref(), right.Ref()) {
		t.Error("swap from a stale value succeeded")
	}
	if got := current(); got != left.Ref() {
		t.Errorf("current = %v, want %v", got, left.Ref())
	}
}

func TestSwapCurrentState_AppliesPowerLevels(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	levels := &pdu.PDU{
		PDUID:    "pl",
		Origin:   "a.example",
		RoomID:   testRoom,
		Type:     PowerLevelsType,
		StateKey: pdu.StringPtr(""),
		Depth:    1,
		Content:  pdu.Content{"users": map[string]any{"@alice:a.example": 100}},
	}
	mustWrite(t, s, levels)

	ok, err := s.SwapCurrentState(ctx, levels.Slot(), pdu.Ref{}, levels.Ref())
	if err != nil || !ok {
		t.Fatalf("SwapCurrentState() = %v, %v", ok, err)
	}

	level, err := s.GetPowerLevel(ctx, testRoom, "@alice:a.example")
	if err != nil {
		t.Fatalf("GetPowerLevel() failed: %v", err)
	}
	if level != 100 {
		t.Errorf("level = %d, want 100", level)
	}
}

func TestSwapCurrentState_SharedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *Store {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open(), open()
	ctx := context.Background()

	root := createTestStatePDU("root", "a.example", 1, nil)
	next := createTestStatePDU("next", "b.example", 2, root)
	mustWrite(t, a, root, next)
	mustPoint(t, a, root)

	if ok, err := b.SwapCurrentState(ctx, root.Slot(), root.Ref(), next.Ref()); err != nil || !ok {
		t.Fatalf("swap through b = %v, %v", ok, err)
	}
	if ok, err := a.SwapCurrentState(ctx, root.Slot(), root.Ref(), root.Ref()); err != nil || ok {
		t.Errorf("stale swap through a = %v, %v; want false, nil", ok, err)
	}
}

func TestCurrentState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	slot := pdu.SlotKey{RoomID: testRoom, Type: "name", StateKey: ""}
	got, err := s.CurrentState(ctx, slot)
	if err != nil {
		t.Fatalf("CurrentState() failed: %v", err)
	}
	if got != nil {
		t.Errorf("empty slot returned %v", got.Ref())
	}

	root := createTestStatePDU("root", "a.example", 1, nil)
	mustWrite(t, s, root)
	mustPoint(t, s, root)

	got, err = s.CurrentState(ctx, slot)
	if err != nil {
		t.Fatalf("CurrentState() failed: %v", err)
	}
	if got == nil || got.Ref() != root.Ref() {
		t.Errorf("CurrentState() = %v, want %v", got, root.Ref())
	}
}

func TestRoomState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	name := createTestStatePDU("n1", "a.example", 1, nil)
	topic := &pdu.PDU{
		PDUID: "t1", Origin: "a.example", RoomID: testRoom,
		Type: "topic", StateKey: pdu.StringPtr(""), Depth: 2,
	}
	member := &pdu.PDU{
		PDUID: "m1", Origin: "a.example", RoomID: testRoom,
		Type: "member", StateKey: pdu.StringPtr("@bob:a.example"), Depth: 3,
	}
	other := &pdu.PDU{
		PDUID: "o1", Origin: "a.example", RoomID: "room-2",
		Type: "name", StateKey: pdu.StringPtr(""), Depth: 1,
	}
	mustWrite(t, s, name, topic, member, other)
	mustPoint(t, s, name)
	mustPoint(t, s, topic)
	mustPoint(t, s, member)
	mustPoint(t, s, other)

	state, err := s.RoomState(ctx, testRoom)
	if err != nil {
		t.Fatalf("RoomState() failed: %v", err)
	}

	var ids []string
	for _, p := range state {
		ids = append(ids, p.PDUID)
	}
	if want := []string{"m1", "n1", "t1"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("RoomState() = %v, want %v", ids, want)
	}
}

func TestSnapshot_EmptyRoom(t *testing.T) {
	s := createTestStore(t)

	snap, err := s.Snapshot(context.Background(), pdu.SlotKey{RoomID: testRoom, Type: "name"})
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if snap.PrevStatePDU != nil {
		t.Errorf("prev state = %v, want nil", snap.PrevStatePDU.Ref())
	}
	if len(snap.PrevEvents) != 0 {
		t.Errorf("prev events = %v, want none", snap.PrevEvents)
	}
	if snap.Depth != 0 {
		t.Errorf("depth = %d, want 0", snap.Depth)
	}
}

func TestSnapshot_ForwardExtremities(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	root := createTestStatePDU("root", "a.example", 1, nil)
	mustWrite(t, s, root)
	mustPoint(t, s, root)

	// Two messages both extend root, so both are extremities.
	m1 := &pdu.PDU{PDUID: "m1", Origin: "a.example", RoomID: testRoom, Type: "message", Depth: 2,
		PrevEvents: []pdu.Ref{root.Ref()}}
	m2 := &pdu.PDU{PDUID: "m2", Origin: "b.example", RoomID: testRoom, Type: "message", Depth: 2,
		PrevEvents: []pdu.Ref{root.Ref()}}
	mustWrite(t, s, m1, m2)

	// Outliers neither count as extremities nor hide their predecessors.
	out := &pdu.PDU{PDUID: "out", Origin: "c.example", RoomID: testRoom, Type: "message", Depth: 7,
		PrevEvents: []pdu.Ref{m1.Ref()}}
	if _, err := s.WritePDU(ctx, out, true); err != nil {
		t.Fatalf("WritePDU(outlier) failed: %v", err)
	}

	snap, err := s.Snapshot(ctx, root.Slot())
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if snap.PrevStatePDU == nil || snap.PrevStatePDU.Ref() != root.Ref() {
		t.Errorf("prev state = %v, want %v", snap.PrevStatePDU, root.Ref())
	}
	want := []pdu.Ref{m1.Ref(), m2.Ref()}
	if !reflect.DeepEqual(snap.PrevEvents, want) {
		t.Errorf("prev events = %v, want %v", snap.PrevEvents, want)
	}
	if snap.Depth != 3 {
		t.Errorf("depth = %d, want 3", snap.Depth)
	}
}

func TestSnapshot_PointerWithoutPDU(t *testing.T) {
	s := createTestStore(t)

	ghost := createTestStatePDU("ghost", "a.example", 1, nil)
	mustPoint(t, s, ghost)

	snap, err := s.Snapshot(context.Background(), ghost.Slot())
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if snap.PrevStatePDU == nil || snap.PrevStatePDU.Ref() != ghost.Ref() {
		t.Errorf("prev state = %v, want %v", snap.PrevStatePDU, ghost.Ref())
	}
}
