package pdu

import (
	"fmt"
	"slices"
)

// Ref identifies a PDU by its primary key.
type Ref struct {
	PDUID  string `json:"pdu_id" validate:"required"`
	Origin string `json:"origin" validate:"required"`
}

// EventID encodes the reference as an opaque event identifier.
func (r Ref) EventID() string {
	return EncodeEventID(r.PDUID, r.Origin)
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.PDUID == "" && r.Origin == ""
}

func (r Ref) String() string {
	return r.EventID()
}

// SlotKey is the (room, type, state_key) triple a state PDU writes to.
type SlotKey struct {
	RoomID   string
	Type     string
	StateKey string
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%q", k.RoomID, k.Type, k.StateKey)
}

// PDU is a persisted data unit.
//
// StateKey is nil for non-state PDUs. PrevState, when set, names the state
// PDU this one supersedes in the same slot. UserID is empty when the author
// is unknown; such PDUs never contribute to power comparisons.
type PDU struct {
	PDUID      string  `json:"pdu_id" validate:"required"`
	Origin     string  `json:"origin" validate:"required"`
	RoomID     string  `json:"context" validate:"required"`
	Type       string  `json:"pdu_type" validate:"required"`
	StateKey   *string `json:"state_key,omitempty"`
	Depth      int64   `json:"depth" validate:"gte=0"`
	PrevEvents []Ref   `json:"prev_pdus,omitempty" validate:"dive"`
	PrevState  *Ref    `json:"prev_state,omitempty"`
	Content    Content `json:"content"`
	UserID     string  `json:"user_id,omitempty"`
	PowerLevel *int64  `json:"power_level,omitempty"`

	// Outlier is local bookkeeping and never crosses the wire.
	Outlier bool `json:"-"`
}

// Ref returns the PDU's primary key.
func (p *PDU) Ref() Ref {
	return Ref{PDUID: p.PDUID, Origin: p.Origin}
}

// IsState reports whether the PDU carries a state key.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// Slot returns the slot the PDU writes to. Only meaningful for state PDUs.
func (p *PDU) Slot() SlotKey {
	k := SlotKey{RoomID: p.RoomID, Type: p.Type}
	if p.StateKey != nil {
		k.StateKey = *p.StateKey
	}
	return k
}

// HasPrevState reports whether the PDU links to a superseded state PDU.
func (p *PDU) HasPrevState() bool {
	return p.PrevState != nil && !p.PrevState.IsZero()
}

// Is reports whether p and other share a primary key.
func (p *PDU) Is(other *PDU) bool {
	if p == nil || other == nil {
		return false
	}
	return p.PDUID == other.PDUID && p.Origin == other.Origin
}

// StringPtr returns a pointer to s. Used for state keys, where "" is a
// legitimate value distinct from "absent".
func StringPtr(s string) *string {
	return &s
}

// Int64Ptr returns a pointer to n.
func Int64Ptr(n int64) *int64 {
	return &n
}

// Event is a locally submitted event before it becomes a stored PDU.
type Event struct {
	EventID    string
	RoomID     string
	Type       string
	StateKey   *string
	UserID     string
	Depth      int64
	PrevEvents []string
	PrevState  string
	Content    Content
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// Slot returns the slot the event writes to.
func (e *Event) Slot() SlotKey {
	k := SlotKey{RoomID: e.RoomID, Type: e.Type}
	if e.StateKey != nil {
		k.StateKey = *e.StateKey
	}
	return k
}

// ToPDU converts the event into its stored form using localServer to decode
// identifiers that carry no origin.
func (e *Event) ToPDU(localServer string) (*PDU, error) {
	ref, err := DecodeEventID(e.EventID, localServer)
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}

	p := &PDU{
		PDUID:    ref.PDUID,
		Origin:   ref.Origin,
		RoomID:   e.RoomID,
		Type:     e.Type,
		StateKey: e.StateKey,
		Depth:    e.Depth,
		Content:  e.Content,
		UserID:   e.UserID,
	}

	for _, id := range e.PrevEvents {
		prev, err := DecodeEventID(id, localServer)
		if err != nil {
			return nil, fmt.Errorf("prev event %q: %w", id, err)
		}
		p.PrevEvents = append(p.PrevEvents, prev)
	}

	if e.PrevState != "" {
		prev, err := DecodeEventID(e.PrevState, localServer)
		if err != nil {
			return nil, fmt.Errorf("prev state %q: %w", e.PrevState, err)
		}
		p.PrevState = &prev
	}

	return p, nil
}

// Branch is an ancestor chain walked through PrevState links, newest first.
// The oldest element is last.
type Branch []*PDU

// Len returns the number of elements.
func (b Branch) Len() int {
	return len(b)
}

// Oldest returns the last element, or nil for an empty branch.
func (b Branch) Oldest() *PDU {
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

// Refs returns the primary keys in branch order.
func (b Branch) Refs() []Ref {
	refs := make([]Ref, len(b))
	for i, p := range b {
		refs[i] = p.Ref()
	}
	return refs
}

// Clone returns a copy that shares PDUs but not the backing array.
func (b Branch) Clone() Branch {
	return slices.Clone(b)
}

// Side names one of the two branches of a StateTree.
type Side int

const (
	// SideNone means neither branch is missing ancestors.
	SideNone Side = iota
	// SideNew is the branch walked from the incoming PDU.
	SideNew
	// SideCurrent is the branch walked from the slot's current PDU.
	SideCurrent
)

func (s Side) String() string {
	switch s {
	case SideNone:
		return "none"
	case SideNew:
		return "new"
	case SideCurrent:
		return "current"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// StateTree is the unresolved pair of branches for one incoming state PDU.
//
// Missing names the branch whose last element references a PrevState PDU
// that is absent from local storage. Observed is the slot's pointer when the
// tree was read; it is zero when the slot had none.
type StateTree struct {
	New      Branch
	Current  Branch
	Missing  Side
	Observed Ref
}

// Branch returns the branch on the given side.
func (t StateTree) Branch(s Side) Branch {
	switch s {
	case SideNew:
		return t.New
	case SideCurrent:
		return t.Current
	default:
		return nil
	}
}

// CommonAncestor reports whether both branches end at the same PDU.
func (t StateTree) CommonAncestor() bool {
	return t.New.Oldest().Is(t.Current.Oldest())
}

// Snapshot is the predecessor context a new local event attaches to.
type Snapshot struct {
	// PrevStatePDU is the slot's current PDU, or nil for an empty slot.
	PrevStatePDU *PDU

	// PrevEvents are the room's forward extremities.
	PrevEvents []Ref

	// Depth is the depth the new event should carry.
	Depth int64
}

// FillOutPrevEvents sets the event's predecessors and depth from the
// snapshot when the caller did not supply them.
func (s Snapshot) FillOutPrevEvents(ev *Event) {
	if len(ev.PrevEvents) == 0 {
		for _, ref := range s.PrevEvents {
			ev.PrevEvents = append(ev.PrevEvents, ref.EventID())
		}
	}
	if ev.Depth == 0 {
		ev.Depth = s.Depth
	}
}
