package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

// RoomPDUs returns every stored PDU of the room, outliers included,
// ordered by depth then key.
func (s *Store) RoomPDUs(ctx context.Context, roomID string) ([]*pdu.PDU, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT `+pduColumns+`
		FROM pdus
		WHERE room_id = ?
		ORDER BY depth ASC, pdu_id COLLATE BINARY ASC, origin COLLATE BINARY ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room pdus %s: %w", roomID, err)
	}
	defer rows.Close()

	var result []*pdu.PDU
	for rows.Next() {
		p, err := scanPDU(rows)
		if err != nil {
			return nil, fmt.Errorf("room pdus %s: %w", roomID, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room pdus %s: %w", roomID, err)
	}
	return result, nil
}

// GetBackfill returns up to limit PDUs of the room that precede from,
// walking prev_events breadth-first. The PDUs in from are not included.
// Predecessors that are not stored, or belong to another room, end their
// branch of the walk.
func (s *Store) GetBackfill(ctx context.Context, roomID string, from []pdu.Ref, limit int) ([]*pdu.PDU, error) {
	if limit <= 0 || len(from) == 0 {
		return nil, nil
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("get backfill: begin tx: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[pdu.Ref]bool, len(from))
	var front []pdu.Ref
	for _, ref := range from {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		p, err := getPDU(ctx, tx, ref.PDUID, ref.Origin)
		if err != nil {
			return nil, fmt.Errorf("get backfill %s: %w", roomID, err)
		}
		if p != nil && p.RoomID == roomID {
			front = append(front, p.PrevEvents...)
		}
	}

	var result []*pdu.PDU
	for len(front) > 0 && len(result) < limit {
		var next []pdu.Ref
		for _, ref := range front {
			if seen[ref] {
				continue
			}
			seen[ref] = true

			p, err := getPDU(ctx, tx, ref.PDUID, ref.Origin)
			if err != nil {
				return nil, fmt.Errorf("get backfill %s: %w", roomID, err)
			}
			if p == nil || p.RoomID != roomID {
				continue
			}
			result = append(result, p)
			if len(result) == limit {
				break
			}
			next = append(next, p.PrevEvents...)
		}
		front = next
	}
	return result, nil
}

// IsNew reports whether p is recent history rather than an old PDU that was
// never backfilled: it is not stored yet and is no shallower than the
// room's shallowest forward extremity. Every unstored PDU of a room with no
// history is new.
func (s *Store) IsNew(ctx context.Context, p *pdu.PDU) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("is new: begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, err := getPDU(ctx, tx, p.PDUID, p.Origin)
	if err != nil {
		return false, fmt.Errorf("is new %s: %w", p.Ref(), err)
	}
	if stored != nil {
		return false, nil
	}

	var minDepth sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MIN(p.depth) FROM pdus p WHERE `+extremityFilter, p.RoomID).Scan(&minDepth)
	if err != nil {
		return false, fmt.Errorf("is new %s: extremities: %w", p.Ref(), err)
	}
	return !minDepth.Valid || p.Depth >= minDepth.Int64, nil
}
