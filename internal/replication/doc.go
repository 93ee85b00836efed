// Package replication moves PDUs between servers over HTTP.
//
// Client fetches single PDUs during resolution and pages of room history
// on request. Each destination has its own circuit breaker, and transient
// failures (network errors, 429, 5xx) are retried through backoff.Retry
// with jittered exponential waits up to a fixed number of attempts. A 404 is final and surfaces as ErrNotFound.
//
// Server exposes the federation endpoints:
//
//	GET /_federation/v1/pdu/{origin}/{pduID}   one stored PDU
//	PUT /_federation/v1/send/{txnID}           inbound transaction
//	GET /_federation/v1/state/{roomID}         current room state
//	GET /_federation/v1/backfill/{roomID}      history preceding ?v= events
//	GET /_federation/v1/context/{roomID}       every stored PDU of a room
//	GET /healthz
//	GET /metrics                               when built WithMetrics
//
// Inbound transactions are answered once: the response is stored per
// (transaction id, origin) and replayed verbatim on redelivery.
package replication
