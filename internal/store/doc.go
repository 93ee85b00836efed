// Package store provides SQLite-backed durable storage for room history.
//
// The store holds:
//   - PDUs: immutable history units keyed by (pdu_id, origin), with an
//     outlier flag for PDUs fetched only to complete a branch walk
//   - Current state: one pointer per (room, type, state_key) slot
//   - Power levels: per-room user authority used by fork-choice
//   - Received transactions: inbound federation dedup records
//
// # Patterns
//
// Idempotent writes:
//   - PDUs are inserted with ON CONFLICT DO NOTHING; a re-received outlier
//     is promoted but never rewritten
//
// Deterministic reads:
//   - Multi-row queries order by depth, then pdu_id/origin COLLATE BINARY
//
// Conditional pointer moves:
//   - SwapCurrentState moves a pointer only if it still names the expected
//     PDU, in one statement, so processes sharing the file cannot lose
//     updates
//
// Single read scope:
//   - GetUnresolvedStateTree walks both branches inside one transaction so
//     the pair is consistent with the pointer it was read against
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Every statement is logged at debug level through the store's slog.Logger.
package store
