package testutil

import "github.com/roach88/roomstate/internal/pdu"

// DefaultRoom is the room used by builders unless InRoom overrides it.
const DefaultRoom = "room-1"

// PDUOption customises a PDU built by StatePDU or MessagePDU.
type PDUOption func(*pdu.PDU)

// InRoom sets the room.
func InRoom(roomID string) PDUOption {
	return func(p *pdu.PDU) { p.RoomID = roomID }
}

// Slot sets the state type and key.
func Slot(typ, stateKey string) PDUOption {
	return func(p *pdu.PDU) {
		p.Type = typ
		p.StateKey = pdu.StringPtr(stateKey)
	}
}

// After links the PDU to prev: prev_state, prev_events and a depth one
// greater than prev's.
func After(prev *pdu.PDU) PDUOption {
	return func(p *pdu.PDU) {
		ref := prev.Ref()
		p.PrevState = &ref
		p.PrevEvents = []pdu.Ref{ref}
		p.Depth = prev.Depth + 1
	}
}

// Supersedes sets prev_state to ref without knowing the PDU, for ancestors
// that exist only on a remote server.
func Supersedes(ref pdu.Ref, depth int64) PDUOption {
	return func(p *pdu.PDU) {
		p.PrevState = &ref
		p.PrevEvents = []pdu.Ref{ref}
		p.Depth = depth + 1
	}
}

// Depth sets the depth.
func Depth(d int64) PDUOption {
	return func(p *pdu.PDU) { p.Depth = d }
}

// By sets the author and the power level the PDU carries.
func By(userID string, powerLevel int64) PDUOption {
	return func(p *pdu.PDU) {
		p.UserID = userID
		p.PowerLevel = pdu.Int64Ptr(powerLevel)
	}
}

// WithContent sets the content.
func WithContent(c pdu.Content) PDUOption {
	return func(p *pdu.PDU) { p.Content = c }
}

// StatePDU builds a state PDU for the "name" slot of DefaultRoom at depth 1,
// then applies opts in order.
func StatePDU(id, origin string, opts ...PDUOption) *pdu.PDU {
	p := &pdu.PDU{
		PDUID:    id,
		Origin:   origin,
		RoomID:   DefaultRoom,
		Type:     "name",
		StateKey: pdu.StringPtr(""),
		Depth:    1,
		Content:  pdu.Content{"name": id},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MessagePDU builds a non-state PDU in DefaultRoom at depth 1.
func MessagePDU(id, origin string, opts ...PDUOption) *pdu.PDU {
	p := &pdu.PDU{
		PDUID:   id,
		Origin:  origin,
		RoomID:  DefaultRoom,
		Type:    "message",
		Depth:   1,
		Content: pdu.Content{"body": id},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}
