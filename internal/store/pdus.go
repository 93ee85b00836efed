package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

const pduColumns = `pdu_id, origin, room_id, type, state_key, depth, prev_events,
	prev_state_id, prev_state_origin, content, user_id, power_level, outlier`

// WritePDU persists a PDU. Returns whether a new row was inserted.
//
// Writes are idempotent: a PDU already stored is never rewritten. Receiving
// a stored outlier again as a non-outlier promotes it. A duplicate whose
// content differs from the stored copy is logged and ignored.
func (s *Store) WritePDU(ctx context.Context, p *pdu.PDU, outlier bool) (bool, error) {
	content, err := p.Content.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("write pdu: %w", err)
	}
	contentHash, err := p.Content.Hash()
	if err != nil {
		return false, fmt.Errorf("write pdu: %w", err)
	}

	prevEvents, err := marshalRefs(p.PrevEvents)
	if err != nil {
		return false, fmt.Errorf("write pdu: %w", err)
	}

	var prevID, prevOrigin sql.NullString
	if p.HasPrevState() {
		prevID = sql.NullString{String: p.PrevState.PDUID, Valid: true}
		prevOrigin = sql.NullString{String: p.PrevState.Origin, Valid: true}
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("write pdu: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO pdus
		(pdu_id, origin, room_id, type, state_key, depth, prev_events,
		 prev_state_id, prev_state_origin, content, content_hash, user_id, power_level, outlier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pdu_id, origin) DO NOTHING
	`,
		p.PDUID,
		p.Origin,
		p.RoomID,
		p.Type,
		nullString(p.StateKey),
		p.Depth,
		prevEvents,
		prevID,
		prevOrigin,
		string(content),
		contentHash,
		sql.NullString{String: p.UserID, Valid: p.UserID != ""},
		nullInt64(p.PowerLevel),
		outlier,
	)
	if err != nil {
		return false, fmt.Errorf("write pdu: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write pdu: rows affected: %w", err)
	}
	inserted := rowsAffected > 0

	if !inserted {
		var storedHash string
		err = tx.QueryRowContext(ctx, `
			SELECT content_hash FROM pdus WHERE pdu_id = ? AND origin = ?
		`, p.PDUID, p.Origin).Scan(&storedHash)
		if err != nil {
			return false, fmt.Errorf("write pdu: select existing: %w", err)
		}
		if storedHash != contentHash {
			s.logger.WarnContext(ctx, "ignoring pdu redelivered with different content",
				"pdu", p.Ref().String(), "stored_hash", storedHash, "hash", contentHash)
		}

		if !outlier {
			_, err = tx.ExecContext(ctx, `
				UPDATE pdus SET outlier = 0
				WHERE pdu_id = ? AND origin = ? AND outlier = 1
			`, p.PDUID, p.Origin)
			if err != nil {
				return false, fmt.Errorf("write pdu: promote outlier: %w", err)
			}
		}
	}

	// The pointer may have been written before the PDU arrived.
	if inserted && p.IsState() && isPowerLevelsSlot(p.Slot()) {
		ref, ok, err := currentRef(ctx, tx, p.Slot())
		if err != nil {
			return false, fmt.Errorf("write pdu: %w", err)
		}
		if ok && ref == p.Ref() {
			if err := applyPowerLevels(ctx, tx, p); err != nil {
				return false, fmt.Errorf("write pdu: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write pdu: commit: %w", err)
	}
	return inserted, nil
}

// GetPDU returns the PDU with the given key, or (nil, nil) when absent.
func (s *Store) GetPDU(ctx context.Context, pduID, origin string) (*pdu.PDU, error) {
	p, err := getPDU(ctx, s.conn(), pduID, origin)
	if err != nil {
		return nil, fmt.Errorf("get pdu: %w", err)
	}
	return p, nil
}

// MarkProcessed records that a PDU has been fully handled.
func (s *Store) MarkProcessed(ctx context.Context, ref pdu.Ref) error {
	_, err := s.conn().ExecContext(ctx, `
		UPDATE pdus SET processed = 1 WHERE pdu_id = ? AND origin = ?
	`, ref.PDUID, ref.Origin)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether MarkProcessed has been called for ref.
func (s *Store) IsProcessed(ctx context.Context, ref pdu.Ref) (bool, error) {
	var processed bool
	err := s.conn().QueryRowContext(ctx, `
		SELECT processed FROM pdus WHERE pdu_id = ? AND origin = ?
	`, ref.PDUID, ref.Origin).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return processed, nil
}

// getPDU loads one PDU through q, returning (nil, nil) when absent.
func getPDU(ctx context.Context, q *loggingTx, pduID, origin string) (*pdu.PDU, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+pduColumns+`
		FROM pdus
		WHERE pdu_id = ? AND origin = ?
	`, pduID, origin)

	p, err := scanPDU(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPDU scans a row selected with pduColumns.
func scanPDU(row rowScanner) (*pdu.PDU, error) {
	var (
		p                   pdu.PDU
		stateKey            sql.NullString
		prevEvents, content string
		prevID, prevOrigin  sql.NullString
		userID              sql.NullString
		powerLevel          sql.NullInt64
	)

	if err := row.Scan(
		&p.PDUID, &p.Origin, &p.RoomID, &p.Type, &stateKey, &p.Depth, &prevEvents,
		&prevID, &prevOrigin, &content, &userID, &powerLevel, &p.Outlier,
	); err != nil {
		return nil, err
	}

	if stateKey.Valid {
		p.StateKey = pdu.StringPtr(stateKey.String)
	}
	if prevID.Valid {
		p.PrevState = &pdu.Ref{PDUID: prevID.String, Origin: prevOrigin.String}
	}
	if userID.Valid {
		p.UserID = userID.String
	}
	if powerLevel.Valid {
		p.PowerLevel = pdu.Int64Ptr(powerLevel.Int64)
	}

	refs, err := unmarshalRefs(prevEvents)
	if err != nil {
		return nil, fmt.Errorf("scan pdu %s: %w", p.Ref(), err)
	}
	p.PrevEvents = refs

	if err := json.Unmarshal([]byte(content), &p.Content); err != nil {
		return nil, fmt.Errorf("scan pdu %s: %w", p.Ref(), err)
	}

	return &p, nil
}

// marshalRefs encodes predecessor references as a JSON array of event ids.
func marshalRefs(refs []pdu.Ref) (string, error) {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.EventID()
	}
	data, err := pdu.MarshalCanonical(ids)
	if err != nil {
		return "", fmt.Errorf("marshal prev events: %w", err)
	}
	return string(data), nil
}

// unmarshalRefs decodes a JSON array of event ids written by marshalRefs.
func unmarshalRefs(data string) ([]pdu.Ref, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal prev events: %w", err)
	}
	refs := make([]pdu.Ref, 0, len(ids))
	for _, id := range ids {
		// Stored ids always carry an origin.
		ref, err := pdu.DecodeEventID(id, "")
		if err != nil {
			return nil, fmt.Errorf("unmarshal prev events: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
