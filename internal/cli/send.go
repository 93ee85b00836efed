package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/state"
)

// pduIDs mints ids for events sent without --event-id.
var pduIDs pdu.IDGenerator = pdu.UUIDv7Generator{}

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Room     string
	Type     string
	StateKey string
	User     string
	Content  string
	Message  bool
	EventID  string
}

// SendResult describes a locally created event.
type SendResult struct {
	EventID    string      `json:"event_id"`
	RoomID     string      `json:"room_id"`
	Type       string      `json:"type"`
	StateKey   *string     `json:"state_key,omitempty"`
	Depth      int64       `json:"depth"`
	PrevState  string      `json:"prev_state,omitempty"`
	PrevEvents []string    `json:"prev_events,omitempty"`
	Content    pdu.Content `json:"content"`
	Current    bool        `json:"current"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Create a local event",
		Long: `Create an event originating on this server. State events are checked
against the authorization policy, linked to the slot's current value and the
room's forward extremities, and become the slot's current value.

Examples:
  roomstate send --room room-1 --type name --user @alice:a.example --content '{"name":"Lobby"}'
  roomstate send --room room-1 --type message --message --content '{"body":"hi"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "room id (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	cmd.Flags().StringVar(&opts.StateKey, "state-key", "", "state key")
	cmd.Flags().StringVar(&opts.User, "user", "", "sending user id")
	cmd.Flags().StringVar(&opts.Content, "content", "{}", "event content as a JSON object")
	cmd.Flags().BoolVar(&opts.Message, "message", false, "send a non-state event")
	cmd.Flags().StringVar(&opts.EventID, "event-id", "", "pdu id to use instead of a new UUIDv7")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runSend(opts *SendOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	var content pdu.Content
	if err := json.Unmarshal([]byte(opts.Content), &content); err != nil || content == nil {
		if err == nil {
			err = fmt.Errorf("content must be a JSON object")
		}
		return out.Fail(ExitCommandError, CodeInput, "parse content", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "load config", err)
	}
	n, err := openNode(cfg, opts.newLogger(cfg.Log, cmd.ErrOrStderr()))
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "open node", err)
	}
	defer n.Close()

	pduID := opts.EventID
	if pduID == "" {
		pduID = pduIDs.Generate()
	}

	ev := &pdu.Event{
		EventID: pdu.EncodeEventID(pduID, cfg.ServerName),
		RoomID:  opts.Room,
		Type:    opts.Type,
		UserID:  opts.User,
		Content: content,
	}
	if !opts.Message {
		ev.StateKey = pdu.StringPtr(opts.StateKey)
	}

	snap, err := n.store.Snapshot(ctx, ev.Slot())
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "snapshot", err)
	}
	snap.Depth = max(snap.Depth, 1)

	// State events are stored by the engine before their slot moves.
	current, err := n.engine.EvaluateNewEvent(ctx, ev, snap)
	switch {
	case state.IsUnauthorized(err):
		return out.Fail(ExitFailure, CodeRejected, "event rejected", err)
	case state.IsCurrentChanged(err):
		return out.Fail(ExitFailure, CodeResolution, "slot changed while sending, retry", err)
	case err != nil:
		return out.Fail(ExitCommandError, CodeStore, "evaluate event", err)
	}

	// Messages skip the engine and are linked and stored here.
	if !ev.IsState() {
		snap.FillOutPrevEvents(ev)
	}
	p, err := ev.ToPDU(cfg.ServerName)
	if err != nil {
		return out.Fail(ExitCommandError, CodeInput, "convert event", err)
	}
	if !ev.IsState() {
		if _, err := n.store.WritePDU(ctx, p, false); err != nil {
			return out.Fail(ExitCommandError, CodeStore, "write pdu", err)
		}
	}
	if err := n.store.MarkProcessed(ctx, p.Ref()); err != nil {
		return out.Fail(ExitCommandError, CodeStore, "mark processed", err)
	}

	result := SendResult{
		EventID:    ev.EventID,
		RoomID:     ev.RoomID,
		Type:       ev.Type,
		StateKey:   ev.StateKey,
		Depth:      ev.Depth,
		PrevState:  ev.PrevState,
		PrevEvents: ev.PrevEvents,
		Content:    ev.Content,
		Current:    current,
	}
	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s (depth %d)\n", result.EventID, result.Depth)
		if result.PrevState != "" {
			fmt.Fprintf(w, "  replaces %s\n", result.PrevState)
		}
		if result.Current {
			fmt.Fprintf(w, "  current value of %s\n", ev.Slot())
		}
	})
}
