package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/roomstate/internal/pdu"
)

// GetPowerLevel returns a user's power level in a room.
//
// Resolution order: the explicit power_levels row, else the power level
// carried by the user's most recent PDU in the room, else 0.
func (s *Store) GetPowerLevel(ctx context.Context, roomID, userID string) (int64, error) {
	conn := s.conn()

	var level int64
	err := conn.QueryRowContext(ctx, `
		SELECT level FROM power_levels WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&level)
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("get power level %s %s: %w", roomID, userID, err)
	}

	var carried sql.NullInt64
	err = conn.QueryRowContext(ctx, `
		SELECT power_level FROM pdus
		WHERE room_id = ? AND user_id = ? AND power_level IS NOT NULL
		ORDER BY depth DESC, pdu_id DESC
		LIMIT 1
	`, roomID, userID).Scan(&carried)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get power level %s %s: %w", roomID, userID, err)
	}
	return carried.Int64, nil
}

// SetPowerLevel records an explicit power level for a user in a room.
func (s *Store) SetPowerLevel(ctx context.Context, roomID, userID string, level int64) error {
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO power_levels (room_id, user_id, level)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET level = excluded.level
	`, roomID, userID, level)
	if err != nil {
		return fmt.Errorf("set power level %s %s: %w", roomID, userID, err)
	}
	return nil
}

// applyPowerLevels replaces the room's power_levels rows with the integer
// entries of p's content.users object. Non-integer entries are skipped.
func applyPowerLevels(ctx context.Context, tx *loggingTx, p *pdu.PDU) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM power_levels WHERE room_id = ?
	`, p.RoomID); err != nil {
		return fmt.Errorf("apply power levels: clear: %w", err)
	}

	users, ok := p.Content.Object("users")
	if !ok {
		return nil
	}

	// Sorted for a deterministic statement trace.
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		level, ok := users.Int(id)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO power_levels (room_id, user_id, level) VALUES (?, ?, ?)
		`, p.RoomID, id, level); err != nil {
			return fmt.Errorf("apply power levels: insert %s: %w", id, err)
		}
	}
	return nil
}

// HasPowerLevels reports whether any explicit power level is set in the room.
func (s *Store) HasPowerLevels(ctx context.Context, roomID string) (bool, error) {
	var found int
	err := s.conn().QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM power_levels WHERE room_id = ?)
	`, roomID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("has power levels %s: %w", roomID, err)
	}
	return found == 1, nil
}
