package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEmptyTransactionID is returned when a transaction id is blank.
var ErrEmptyTransactionID = errors.New("empty transaction id")

// Response is the stored reply to an inbound federation transaction.
type Response struct {
	Code int
	Body []byte
}

// HaveResponded returns the stored response for a transaction already
// handled, or nil when the transaction is new.
func (s *Store) HaveResponded(ctx context.Context, txnID, origin string) (*Response, error) {
	if txnID == "" {
		return nil, ErrEmptyTransactionID
	}

	var (
		resp Response
		body string
	)
	err := s.conn().QueryRowContext(ctx, `
		SELECT response_code, response_json FROM received_transactions
		WHERE transaction_id = ? AND origin = ?
	`, txnID, origin).Scan(&resp.Code, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("have responded %s/%s: %w", origin, txnID, err)
	}
	resp.Body = []byte(body)
	return &resp, nil
}

// SetResponse stores the reply sent for a transaction. The first stored
// reply wins; later calls for the same transaction are ignored.
func (s *Store) SetResponse(ctx context.Context, txnID, origin string, code int, body []byte) error {
	if txnID == "" {
		return ErrEmptyTransactionID
	}

	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO received_transactions (transaction_id, origin, response_code, response_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transaction_id, origin) DO NOTHING
	`, txnID, origin, code, string(body))
	if err != nil {
		return fmt.Errorf("set response %s/%s: %w", origin, txnID, err)
	}
	return nil
}
