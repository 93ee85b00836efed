package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/roomstate/internal/pdu"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	From  []string
	Limit int
}

// BackfillResult lists the PDUs pulled from a destination.
type BackfillResult struct {
	Destination string   `json:"destination"`
	RoomID      string   `json:"room_id"`
	EventIDs    []string `json:"event_ids"`
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill <destination> <room-id>",
		Short: "Pull room history preceding given events from another server",
		Long: `Ask destination for the PDUs that precede the --from events in a room
and store them as outliers. The local current state is not changed.

Examples:
  roomstate backfill b.example room-1 --from tip@b.example
  roomstate backfill b.example room-1 --from e1@a.example --from e2@b.example --limit 50`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.From, "from", nil, "event id to backfill from (repeatable, required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum PDUs to pull")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func runBackfill(opts *BackfillOptions, destination, roomID string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if opts.Limit <= 0 {
		return out.Fail(ExitCommandError, CodeInput, "parse flags", fmt.Errorf("limit must be positive, got %d", opts.Limit))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "load config", err)
	}

	from := make([]pdu.Ref, 0, len(opts.From))
	for _, id := range opts.From {
		ref, err := pdu.DecodeEventID(id, cfg.ServerName)
		if err != nil {
			return out.Fail(ExitCommandError, CodeInput, "parse --from", err)
		}
		from = append(from, ref)
	}

	n, err := openNode(cfg, opts.newLogger(cfg.Log, cmd.ErrOrStderr()))
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "open node", err)
	}
	defer n.Close()

	pdus, err := n.client.Backfill(cmd.Context(), destination, roomID, from, opts.Limit)
	if err != nil {
		return out.Fail(ExitFailure, CodeRemote, "backfill", err)
	}

	result := BackfillResult{Destination: destination, RoomID: roomID, EventIDs: make([]string, 0, len(pdus))}
	for _, p := range pdus {
		result.EventIDs = append(result.EventIDs, p.Ref().EventID())
	}

	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Backfilled %d PDUs of %s from %s\n", len(result.EventIDs), roomID, destination)
		for _, id := range result.EventIDs {
			fmt.Fprintf(w, "  %s\n", id)
		}
	})
}
