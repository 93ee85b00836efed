package store

import (
	"context"
	"database/sql"
	"log/slog"
)

// loggingTx runs statements against a transaction or, when tx is nil, the
// database handle, tracing each statement and its arguments at debug level.
type loggingTx struct {
	tx     *sql.Tx
	db     *sql.DB
	logger *slog.Logger
}

func (l *loggingTx) trace(ctx context.Context, query string, args []any) {
	if !l.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	l.logger.DebugContext(ctx, "sql", "query", query, "args", args)
}

func (l *loggingTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	l.trace(ctx, query, args)
	if l.tx != nil {
		return l.tx.ExecContext(ctx, query, args...)
	}
	return l.db.ExecContext(ctx, query, args...)
}

func (l *loggingTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	l.trace(ctx, query, args)
	if l.tx != nil {
		return l.tx.QueryContext(ctx, query, args...)
	}
	return l.db.QueryContext(ctx, query, args...)
}

func (l *loggingTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	l.trace(ctx, query, args)
	if l.tx != nil {
		return l.tx.QueryRowContext(ctx, query, args...)
	}
	return l.db.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction. A no-op outside a transaction.
func (l *loggingTx) Commit() error {
	if l.tx == nil {
		return nil
	}
	return l.tx.Commit()
}

// Rollback aborts the transaction. A no-op outside a transaction or after
// Commit.
func (l *loggingTx) Rollback() error {
	if l.tx == nil {
		return nil
	}
	return l.tx.Rollback()
}
