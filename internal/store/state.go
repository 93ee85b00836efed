package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

// extremityFilter selects the forward extremities of the room bound to its
// single parameter: non-outlier PDUs nothing else in the room points at.
const extremityFilter = `p.room_id = ? AND p.outlier = 0
		AND NOT EXISTS (
			SELECT 1 FROM pdus c, json_each(c.prev_events) j
			WHERE c.room_id = p.room_id
			AND c.outlier = 0
			AND j.value = p.pdu_id || '@' || p.origin
		)`

// PowerLevelsType is the state event type whose current value defines the
// room's per-user power levels under content.users.
const PowerLevelsType = "m.room.power_levels"

// UpdateCurrentState points slot at ref unconditionally.
//
// When the slot is the room's power-levels slot and the PDU is stored, the
// room's power_levels rows are replaced from its content.
func (s *Store) UpdateCurrentState(ctx context.Context, ref pdu.Ref, slot pdu.SlotKey) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("update current state: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_state (room_id, type, state_key, pdu_id, origin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id, type, state_key) DO UPDATE SET
			pdu_id = excluded.pdu_id,
			origin = excluded.origin
	`, slot.RoomID, slot.Type, slot.StateKey, ref.PDUID, ref.Origin)
	if err != nil {
		return fmt.Errorf("update current state %s: %w", slot, err)
	}
	if err := afterPointerMove(ctx, tx, ref, slot); err != nil {
		return fmt.Errorf("update current state %s: %w", slot, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update current state: commit: %w", err)
	}
	return nil
}

// SwapCurrentState points slot at ref only if it still points at expected.
// A zero expected means the slot must have no pointer yet. Returns false,
// writing nothing, when another writer moved the pointer first.
//
// The comparison and the write are one statement, so the check holds across
// processes sharing the database file.
func (s *Store) SwapCurrentState(ctx context.Context, slot pdu.SlotKey, expected, ref pdu.Ref) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("swap current state: begin tx: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expected.IsZero() {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO current_state (room_id, type, state_key, pdu_id, origin)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(room_id, type, state_key) DO NOTHING
		`, slot.RoomID, slot.Type, slot.StateKey, ref.PDUID, ref.Origin)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE current_state SET pdu_id = ?, origin = ?
			WHERE room_id = ? AND type = ? AND state_key = ?
			AND pdu_id = ? AND origin = ?
		`, ref.PDUID, ref.Origin, slot.RoomID, slot.Type, slot.StateKey, expected.PDUID, expected.Origin)
	}
	if err != nil {
		return false, fmt.Errorf("swap current state %s: %w", slot, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap current state %s: %w", slot, err)
	}
	if n == 0 {
		return false, nil
	}

	if err := afterPointerMove(ctx, tx, ref, slot); err != nil {
		return false, fmt.Errorf("swap current state %s: %w", slot, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("swap current state: commit: %w", err)
	}
	return true, nil
}

// afterPointerMove applies derived state for the slot's new value.
func afterPointerMove(ctx context.Context, tx *loggingTx, ref pdu.Ref, slot pdu.SlotKey) error {
	if !isPowerLevelsSlot(slot) {
		return nil
	}
	p, err := getPDU(ctx, tx, ref.PDUID, ref.Origin)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	return applyPowerLevels(ctx, tx, p)
}

// CurrentRef returns the reference the slot points at. ok is false when the
// slot has never been written.
func (s *Store) CurrentRef(ctx context.Context, slot pdu.SlotKey) (ref pdu.Ref, ok bool, err error) {
	ref, ok, err = currentRef(ctx, s.conn(), slot)
	if err != nil {
		return pdu.Ref{}, false, fmt.Errorf("current ref %s: %w", slot, err)
	}
	return ref, ok, nil
}

// CurrentState returns the slot's current PDU, or nil when the slot is empty
// or points at a PDU not yet stored.
func (s *Store) CurrentState(ctx context.Context, slot pdu.SlotKey) (*pdu.PDU, error) {
	conn := s.conn()
	ref, ok, err := currentRef(ctx, conn, slot)
	if err != nil {
		return nil, fmt.Errorf("current state %s: %w", slot, err)
	}
	if !ok {
		return nil, nil
	}
	p, err := getPDU(ctx, conn, ref.PDUID, ref.Origin)
	if err != nil {
		return nil, fmt.Errorf("current state %s: %w", slot, err)
	}
	return p, nil
}

// RoomState returns the current PDU of every slot in the room, ordered by
// type then state key. Slots pointing at unstored PDUs are omitted.
func (s *Store) RoomState(ctx context.Context, roomID string) ([]*pdu.PDU, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT p.pdu_id, p.origin, p.room_id, p.type, p.state_key, p.depth, p.prev_events,
			p.prev_state_id, p.prev_state_origin, p.content, p.user_id, p.power_level, p.outlier
		FROM current_state c
		JOIN pdus p ON p.pdu_id = c.pdu_id AND p.origin = c.origin
		WHERE c.room_id = ?
		ORDER BY c.type ASC, c.state_key ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room state %s: %w", roomID, err)
	}
	defer rows.Close()

	var result []*pdu.PDU
	for rows.Next() {
		p, err := scanPDU(rows)
		if err != nil {
			return nil, fmt.Errorf("room state %s: %w", roomID, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room state %s: %w", roomID, err)
	}
	return result, nil
}

// Snapshot returns the predecessor context for a new local event in slot:
// the slot's current PDU, the room's forward extremities and the next depth.
func (s *Store) Snapshot(ctx context.Context, slot pdu.SlotKey) (pdu.Snapshot, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return pdu.Snapshot{}, fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer tx.Rollback()

	var snap pdu.Snapshot

	ref, ok, err := currentRef(ctx, tx, slot)
	if err != nil {
		return pdu.Snapshot{}, fmt.Errorf("snapshot %s: %w", slot, err)
	}
	if ok {
		snap.PrevStatePDU, err = getPDU(ctx, tx, ref.PDUID, ref.Origin)
		if err != nil {
			return pdu.Snapshot{}, fmt.Errorf("snapshot %s: %w", slot, err)
		}
		if snap.PrevStatePDU == nil {
			// The pointer is durable even when the PDU is not, so keep the
			// reference for prev_state stamping.
			snap.PrevStatePDU = &pdu.PDU{PDUID: ref.PDUID, Origin: ref.Origin, RoomID: slot.RoomID}
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT p.pdu_id, p.origin
		FROM pdus p
		WHERE `+extremityFilter+`
		ORDER BY p.depth DESC, p.pdu_id ASC, p.origin ASC
	`, slot.RoomID)
	if err != nil {
		return pdu.Snapshot{}, fmt.Errorf("snapshot %s: extremities: %w", slot, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r pdu.Ref
		if err := rows.Scan(&r.PDUID, &r.Origin); err != nil {
			return pdu.Snapshot{}, fmt.Errorf("snapshot %s: scan extremity: %w", slot, err)
		}
		snap.PrevEvents = append(snap.PrevEvents, r)
	}
	if err := rows.Err(); err != nil {
		return pdu.Snapshot{}, fmt.Errorf("snapshot %s: extremities: %w", slot, err)
	}

	var maxDepth sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(depth) FROM pdus WHERE room_id = ? AND outlier = 0
	`, slot.RoomID).Scan(&maxDepth)
	if err != nil {
		return pdu.Snapshot{}, fmt.Errorf("snapshot %s: depth: %w", slot, err)
	}
	if maxDepth.Valid {
		snap.Depth = maxDepth.Int64 + 1
	}

	return snap, nil
}

func currentRef(ctx context.Context, q *loggingTx, slot pdu.SlotKey) (pdu.Ref, bool, error) {
	var ref pdu.Ref
	err := q.QueryRowContext(ctx, `
		SELECT pdu_id, origin FROM current_state
		WHERE room_id = ? AND type = ? AND state_key = ?
	`, slot.RoomID, slot.Type, slot.StateKey).Scan(&ref.PDUID, &ref.Origin)
	if errors.Is(err, sql.ErrNoRows) {
		return pdu.Ref{}, false, nil
	}
	if err != nil {
		return pdu.Ref{}, false, err
	}
	return ref, true, nil
}

func isPowerLevelsSlot(slot pdu.SlotKey) bool {
	return slot.Type == PowerLevelsType && slot.StateKey == ""
}
