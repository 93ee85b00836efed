package pdu

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEventID(t *testing.T) {
	tests := []struct {
		name    string
		eventID string
		local   string
		want    Ref
	}{
		{"remote", "abc@remote.example", "local.example", Ref{"abc", "remote.example"}},
		{"no origin", "abc", "local.example", Ref{"abc", "local.example"}},
		{"trailing at", "abc@", "local.example", Ref{"abc", "local.example"}},
		{"at inside pdu id", "a@b@c.example", "local.example", Ref{"a@b", "c.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEventID(tt.eventID, tt.local)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "abc@remote.example", EncodeEventID("abc", "remote.example"))
	assert.Equal(t, "abc@remote.example", Ref{"abc", "remote.example"}.EventID())
}

func TestDecodeEventID_RoundTripsAtInPDUID(t *testing.T) {
	for _, ref := range []Ref{
		{"@alice:a.example/1", "a.example"},
		{"x@y", "b.example"},
		{"plain", "c.example"},
	} {
		got, err := DecodeEventID(ref.EventID(), "local.example")
		require.NoError(t, err)
		assert.Equal(t, ref, got, ref.EventID())
	}
}

func TestDecodeEventID_Empty(t *testing.T) {
	_, err := DecodeEventID("", "local.example")
	assert.ErrorIs(t, err, ErrEmptyEventID)
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "@")
}

func TestPDU_Slot(t *testing.T) {
	p := &PDU{PDUID: "1", Origin: "a", RoomID: "room-1", Type: "name", StateKey: StringPtr("")}
	assert.True(t, p.IsState())
	assert.Equal(t, SlotKey{RoomID: "room-1", Type: "name", StateKey: ""}, p.Slot())

	msg := &PDU{PDUID: "2", Origin: "a", RoomID: "room-1", Type: "message"}
	assert.False(t, msg.IsState())
	assert.False(t, msg.HasPrevState())
}

func TestPDU_Is(t *testing.T) {
	a := &PDU{PDUID: "1", Origin: "a"}
	b := &PDU{PDUID: "1", Origin: "a", Depth: 9}
	c := &PDU{PDUID: "1", Origin: "b"}

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.False(t, a.Is(nil))
	var nilPDU *PDU
	assert.False(t, nilPDU.Is(a))
}

func TestBranch_Helpers(t *testing.T) {
	var empty Branch
	assert.Nil(t, empty.Oldest())
	assert.Equal(t, 0, empty.Len())

	b := Branch{
		{PDUID: "3", Origin: "a"},
		{PDUID: "2", Origin: "a"},
		{PDUID: "1", Origin: "b"},
	}
	assert.Equal(t, "1", b.Oldest().PDUID)
	assert.Equal(t, []Ref{{"3", "a"}, {"2", "a"}, {"1", "b"}}, b.Refs())

	clone := b.Clone()
	clone[0] = &PDU{PDUID: "x"}
	assert.Equal(t, "3", b[0].PDUID)
}

func TestStateTree_CommonAncestor(t *testing.T) {
	root := &PDU{PDUID: "root", Origin: "a"}
	tree := StateTree{
		New:     Branch{{PDUID: "n", Origin: "a"}, root},
		Current: Branch{{PDUID: "c", Origin: "b"}, {PDUID: "root", Origin: "a"}},
	}
	assert.True(t, tree.CommonAncestor())

	tree.Current = Branch{{PDUID: "c", Origin: "b"}}
	assert.False(t, tree.CommonAncestor())

	tree.Current = nil
	assert.False(t, tree.CommonAncestor())
	assert.Equal(t, tree.New, tree.Branch(SideNew))
	assert.Nil(t, tree.Branch(SideNone))
}

func TestEvent_ToPDU(t *testing.T) {
	ev := &Event{
		EventID:    "e1",
		RoomID:     "room-1",
		Type:       "topic",
		StateKey:   StringPtr(""),
		UserID:     "@alice:local.example",
		Depth:      4,
		PrevEvents: []string{"e0", "x@remote.example"},
		PrevState:  "s0@remote.example",
		Content:    Content{"topic": "hello"},
	}

	p, err := ev.ToPDU("local.example")
	require.NoError(t, err)
	assert.Equal(t, Ref{"e1", "local.example"}, p.Ref())
	assert.Equal(t, []Ref{{"e0", "local.example"}, {"x", "remote.example"}}, p.PrevEvents)
	require.NotNil(t, p.PrevState)
	assert.Equal(t, Ref{"s0", "remote.example"}, *p.PrevState)
	assert.Equal(t, ev.Slot(), p.Slot())
}

func TestPDU_JSONRoundTrip(t *testing.T) {
	in := `{"pdu_id":"1","origin":"a","context":"room-1","pdu_type":"m.room.power_levels","state_key":"","depth":3,` +
		`"prev_state":{"pdu_id":"0","origin":"a"},"content":{"users":{"@u:a":9007199254740993}},"user_id":"@u:a","power_level":100}`

	var p PDU
	require.NoError(t, json.Unmarshal([]byte(in), &p))
	assert.Equal(t, "room-1", p.RoomID)
	require.NotNil(t, p.StateKey)
	assert.Equal(t, "", *p.StateKey)
	require.NotNil(t, p.PowerLevel)
	assert.Equal(t, int64(100), *p.PowerLevel)

	users, ok := p.Content.Object("users")
	require.True(t, ok)
	level, ok := users.Int("@u:a")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), level)
}

func TestSnapshot_FillOutPrevEvents(t *testing.T) {
	snap := Snapshot{
		PrevEvents: []Ref{{"a", "x"}, {"b", "y"}},
		Depth:      7,
	}

	ev := &Event{EventID: "e"}
	snap.FillOutPrevEvents(ev)
	assert.Equal(t, []string{"a@x", "b@y"}, ev.PrevEvents)
	assert.Equal(t, int64(7), ev.Depth)

	explicit := &Event{EventID: "e", PrevEvents: []string{"z@z"}, Depth: 2}
	snap.FillOutPrevEvents(explicit)
	assert.Equal(t, []string{"z@z"}, explicit.PrevEvents)
	assert.Equal(t, int64(2), explicit.Depth)
}
