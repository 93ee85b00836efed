// Package pdu defines the value types shared by every roomstate package.
//
// A PDU is an immutable unit of room history, keyed by (pdu_id, origin).
// State PDUs carry a state key and identify a slot (room, type, state_key);
// each slot has at most one current PDU. Branches are walked newest-first
// through PrevState links and are never mutated once assembled.
//
// This package imports nothing internal. The store, the state engine and the
// replication layer all exchange these types.
package pdu
