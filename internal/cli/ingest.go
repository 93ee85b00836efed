package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/replication"
)

// IngestEntry is the result for one ingested PDU.
type IngestEntry struct {
	EventID string `json:"event_id"`
	replication.PDUResult
}

// IngestResult summarises an ingest run.
type IngestResult struct {
	PDUs     []IngestEntry `json:"pdus"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Failed   int           `json:"failed"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <pdus.json>",
		Short: "Store and resolve PDUs from a file",
		Long: `Read a JSON array of PDUs and process each as if it arrived in a
transaction: store it, resolve state PDUs against their slot (fetching
missing ancestors from peers) and mark it processed.

Use "-" to read from stdin.

Exit codes:
  0 - Every PDU was processed
  1 - One or more PDUs failed to resolve
  2 - Command error (bad file, invalid PDU, storage error)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args[0], cmd)
		},
	}
}

func runIngest(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	pdus, err := readPDUs(path, cmd.InOrStdin())
	if err != nil {
		return out.Fail(ExitCommandError, CodeInput, "read pdus", err)
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

	results := n.server.Ingest(cmd.Context(), pdus)

	summary := IngestResult{PDUs: make([]IngestEntry, 0, len(pdus))}
	for _, p := range pdus {
		id := p.Ref().EventID()
		res := results[id]
		summary.PDUs = append(summary.PDUs, IngestEntry{EventID: id, PDUResult: res})
		switch {
		case res.Error != "":
			summary.Failed++
		case res.Accepted || res.Duplicate:
			summary.Accepted++
		default:
			summary.Rejected++
		}
	}

	if err := out.Success(summary, func(w io.Writer) { writeIngestText(w, summary) }); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d pdu(s) failed", summary.Failed))
	}
	return nil
}

// readPDUs decodes and validates a JSON array of PDUs from path, or from
// stdin when path is "-".
func readPDUs(path string, stdin io.Reader) ([]*pdu.PDU, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var pdus []*pdu.PDU
	if err := json.Unmarshal(data, &pdus); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for i, p := range pdus {
		if p == nil {
			return nil, fmt.Errorf("pdu %d: null", i)
		}
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("pdu %d: %w", i, err)
		}
	}
	return pdus, nil
}

func writeIngestText(w io.Writer, r IngestResult) {
	for _, e := range r.PDUs {
		switch {
		case e.Error != "":
			fmt.Fprintf(w, "✗ %s: %s\n", e.EventID, e.Error)
		case e.Duplicate:
			fmt.Fprintf(w, "= %s (already processed)\n", e.EventID)
		case e.Accepted && e.Stage != "":
			fmt.Fprintf(w, "✓ %s accepted (%s)\n", e.EventID, e.Stage)
		case e.Accepted:
			fmt.Fprintf(w, "✓ %s stored\n", e.EventID)
		default:
			fmt.Fprintf(w, "- %s rejected (%s)\n", e.EventID, e.Stage)
		}
	}
	fmt.Fprintf(w, "\nIngest Summary: %d accepted, %d rejected, %d failed\n", r.Accepted, r.Rejected, r.Failed)
}
