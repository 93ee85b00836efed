package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/roomstate/internal/pdu"
)

// StateEntry is one slot of a room's current state.
type StateEntry struct {
	Type     string      `json:"type"`
	StateKey string      `json:"state_key"`
	EventID  string      `json:"event_id"`
	Depth    int64       `json:"depth"`
	UserID   string      `json:"user_id,omitempty"`
	Content  pdu.Content `json:"content"`
}

// StateResult lists a room's current state.
type StateResult struct {
	RoomID string       `json:"room_id"`
	State  []StateEntry `json:"state"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <room-id>",
		Short: "Show a room's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(rootOpts, args[0], cmd)
		},
	}
}

func runState(opts *RootOptions, roomID string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "load config", err)
	}
	n, err := openNode(cfg, opts.newLogger(cfg.Log, cmd.ErrOrStderr()))
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "open node", err)
	}
	defer n.Close()

	pdus, err := n.store.RoomState(cmd.Context(), roomID)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "room state", err)
	}

	result := StateResult{RoomID: roomID, State: make([]StateEntry, 0, len(pdus))}
	for _, p := range pdus {
		result.State = append(result.State, StateEntry{
			Type:     p.Type,
			StateKey: p.Slot().StateKey,
			EventID:  p.Ref().EventID(),
			Depth:    p.Depth,
			UserID:   p.UserID,
			Content:  p.Content,
		})
	}

	return out.Success(result, func(w io.Writer) {
		if len(result.State) == 0 {
			fmt.Fprintf(w, "No state for %s.\n", roomID)
			return
		}
		for _, e := range result.State {
			body, err := pdu.MarshalCanonical(e.Content)
			if err != nil {
				body = []byte("?")
			}
			fmt.Fprintf(w, "%s/%q  %s  %s\n", e.Type, e.StateKey, e.EventID, body)
		}
	})
}
