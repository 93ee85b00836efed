package state

import (
	"context"

	"github.com/roach88/roomstate/internal/pdu"
)

// Authorizer decides whether a local state event may replace the slot's
// current value. current is nil for an empty slot.
type Authorizer interface {
	Authorize(ctx context.Context, ev *pdu.Event, current *pdu.PDU) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, ev *pdu.Event, current *pdu.PDU) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, ev *pdu.Event, current *pdu.PDU) error {
	return f(ctx, ev, current)
}

// AllowAll permits every state change.
type AllowAll struct{}

// Authorize always returns nil.
func (AllowAll) Authorize(context.Context, *pdu.Event, *pdu.PDU) error {
	return nil
}
