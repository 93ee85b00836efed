package harness

// Trace event types.
const (
	EventResolved = "resolved"
	EventFailed   = "failed"
	EventBackfill = "backfill"
)

// TraceEvent is one observation recorded while a scenario runs. Durations
// are omitted so traces are reproducible.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// PDU is the resolved, failed or fetched event id.
	PDU string `json:"pdu,omitempty"`

	// Resolved fields.
	Accepted   bool   `json:"accepted,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Backfills  int    `json:"backfills,omitempty"`
	NewLen     int    `json:"new_len,omitempty"`
	CurrentLen int    `json:"current_len,omitempty"`

	// Failed fields.
	Slot  string `json:"slot,omitempty"`
	Error string `json:"error,omitempty"`

	// Backfill fields.
	Destination string `json:"destination,omitempty"`
	OK          bool   `json:"ok,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds engine observations in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Backfills counts backfill events in the trace.
func (r *Result) Backfills() int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Type == EventBackfill {
			n++
		}
	}
	return n
}
