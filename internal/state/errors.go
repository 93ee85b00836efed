package state

import (
	"errors"
	"fmt"

	"github.com/roach88/roomstate/internal/pdu"
)

// ResolutionError is an unrecoverable failure of a resolution attempt.
//
// Resolution errors include:
//   - Inconsistent store: the tree walk reports an ancestor missing that a
//     direct lookup finds
//   - Backfill failures: a fetch failed, made no progress, or hit the ceiling
//   - Tie exhaustion: every fork-choice stage tied
//   - Authorization: the policy rejected a local state event
//   - Current changed: the slot pointer moved under a local event, or under
//     a resolution more often than the engine retries
//
// None of these are retried by the engine.
type ResolutionError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Slot is the slot being resolved.
	Slot pdu.SlotKey

	// Ref identifies the PDU at fault: the missing ancestor for backfill and
	// inconsistency errors, the incoming PDU otherwise.
	Ref pdu.Ref

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes resolution errors.
type ErrorCode string

const (
	// ErrCodeInconsistentStore indicates the datastore contradicted itself.
	ErrCodeInconsistentStore ErrorCode = "INCONSISTENT_STORE"

	// ErrCodeBackfillFailed indicates a missing ancestor could not be fetched.
	ErrCodeBackfillFailed ErrorCode = "BACKFILL_FAILED"

	// ErrCodeBackfillStalled indicates the same ancestor was reported missing
	// again after it had been fetched.
	ErrCodeBackfillStalled ErrorCode = "BACKFILL_STALLED"

	// ErrCodeBackfillLimit indicates the backfill ceiling was reached.
	ErrCodeBackfillLimit ErrorCode = "BACKFILL_LIMIT"

	// ErrCodeTieUnresolved indicates every fork-choice stage tied.
	ErrCodeTieUnresolved ErrorCode = "TIE_UNRESOLVED"

	// ErrCodeUnauthorized indicates the authorizer rejected an event.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrCodeCurrentChanged indicates another writer kept moving the slot
	// pointer while a decision was being made.
	ErrCodeCurrentChanged ErrorCode = "CURRENT_CHANGED"
)

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("%s: %s (slot=%s", e.Code, e.Message, e.Slot)
	if !e.Ref.IsZero() {
		msg += fmt.Sprintf(", pdu=%s", e.Ref)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of a ResolutionError anywhere in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return "", false
}

// IsInconsistency returns true if the datastore contradicted itself.
// Uses errors.As to handle wrapped errors.
func IsInconsistency(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeInconsistentStore
}

// IsBackfillError returns true for any failure to complete a backfill.
// Uses errors.As to handle wrapped errors.
func IsBackfillError(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case ErrCodeBackfillFailed, ErrCodeBackfillStalled, ErrCodeBackfillLimit:
		return true
	default:
		return false
	}
}

// IsTieUnresolved returns true if fork-choice could not pick a winner.
func IsTieUnresolved(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeTieUnresolved
}

// IsUnauthorized returns true if the authorizer rejected the event.
func IsUnauthorized(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeUnauthorized
}

// NewInconsistencyError reports an ancestor that the tree walk could not
// find but a direct lookup did.
func NewInconsistencyError(slot pdu.SlotKey, missing pdu.Ref) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeInconsistentStore,
		Message: "conflict resolution failed: ancestor reported missing is present",
		Slot:    slot,
		Ref:     missing,
	}
}

// NewBackfillFailedError wraps a fetch failure for a missing ancestor.
func NewBackfillFailedError(slot pdu.SlotKey, missing pdu.Ref, destination string, err error) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeBackfillFailed,
		Message: fmt.Sprintf("fetch from %s failed", destination),
		Slot:    slot,
		Ref:     missing,
		Err:     err,
	}
}

// NewBackfillStalledError reports an ancestor still missing after a
// successful fetch.
func NewBackfillStalledError(slot pdu.SlotKey, missing pdu.Ref) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeBackfillStalled,
		Message: "ancestor still missing after fetch",
		Slot:    slot,
		Ref:     missing,
	}
}

// NewBackfillLimitError reports that the backfill ceiling was reached.
func NewBackfillLimitError(slot pdu.SlotKey, missing pdu.Ref, limit int) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeBackfillLimit,
		Message: fmt.Sprintf("backfill limit of %d reached", limit),
		Slot:    slot,
		Ref:     missing,
	}
}

// NewTieError reports that every fork-choice stage tied.
func NewTieError(slot pdu.SlotKey, ref pdu.Ref) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeTieUnresolved,
		Message: "all fork-choice stages tied",
		Slot:    slot,
		Ref:     ref,
	}
}

// NewUnauthorizedError wraps an authorizer rejection.
func NewUnauthorizedError(slot pdu.SlotKey, ref pdu.Ref, err error) *ResolutionError {
	return &ResolutionError{
		Code:    ErrCodeUnauthorized,
		Message: "state change not permitted",
		Slot:    slot,
		Ref:     ref,
		Err:     err,
	}
}

// IsCurrentChanged returns true if the slot pointer moved under the decision.
func IsCurrentChanged(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeCurrentChanged
}

// NewCurrentChangedError reports a slot pointer that no longer matches the
// value a decision was made against.
func NewCurrentChangedError(slot pdu.SlotKey, ref, expected pdu.Ref) *ResolutionError {
	against := "no current value"
	if !expected.IsZero() {
		against = expected.String()
	}
	return &ResolutionError{
		Code:    ErrCodeCurrentChanged,
		Message: fmt.Sprintf("slot pointer moved away from %s", against),
		Slot:    slot,
		Ref:     ref,
	}
}
