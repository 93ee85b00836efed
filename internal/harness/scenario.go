package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/testutil"
)

// DefaultServerName is used when a scenario names no server.
const DefaultServerName = "local.example"

// Scenario defines a resolution scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// ServerName decodes event ids without an origin.
	ServerName string `yaml:"server_name,omitempty"`

	// MaxBackfill overrides the engine's backfill ceiling when positive.
	MaxBackfill int `yaml:"max_backfill,omitempty"`

	// PDUs are written to the store in order, except remote ones.
	PDUs []PDUSpec `yaml:"pdus"`

	// Current lists event ids made current without resolution, in order.
	Current []string `yaml:"current,omitempty"`

	// PowerLevels are explicit power level rows.
	PowerLevels []PowerLevelSpec `yaml:"power_levels,omitempty"`

	// Unreachable lists destinations whose fetches fail.
	Unreachable []string `yaml:"unreachable,omitempty"`

	// Steps are evaluated in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final store and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// PDUSpec describes one PDU.
type PDUSpec struct {
	ID     string `yaml:"id"`
	Origin string `yaml:"origin"`
	Room   string `yaml:"room,omitempty"`
	Type   string `yaml:"type,omitempty"`

	// StateKey defaults to the empty key. Message PDUs have none.
	StateKey *string `yaml:"state_key,omitempty"`
	Message  bool    `yaml:"message,omitempty"`

	// Prev is the event id of the PDU this one supersedes.
	Prev  string `yaml:"prev,omitempty"`
	Depth int64  `yaml:"depth,omitempty"`

	User       string         `yaml:"user,omitempty"`
	PowerLevel *int64         `yaml:"power_level,omitempty"`
	Content    map[string]any `yaml:"content,omitempty"`

	// Remote PDUs are only served by other servers.
	Remote bool `yaml:"remote,omitempty"`
}

// PowerLevelSpec is an explicit power level row.
type PowerLevelSpec struct {
	Room  string `yaml:"room,omitempty"`
	User  string `yaml:"user"`
	Level int64  `yaml:"level"`
}

// Step evaluates one stored PDU.
type Step struct {
	// Evaluate is the event id of the PDU to resolve.
	Evaluate string `yaml:"evaluate"`

	// Expect, when set, is checked against the outcome.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	Accepted bool   `yaml:"accepted"`
	Stage    string `yaml:"stage,omitempty"`

	// Error is the expected resolution error code. When set, Accepted and
	// Stage are not checked.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final store or trace.
type Assertion struct {
	// Type is one of current, backfills, outlier, power_level.
	Type string `yaml:"type"`

	// Slot fields default to room-1, name and the empty key.
	Room     string  `yaml:"room,omitempty"`
	SlotType string  `yaml:"slot_type,omitempty"`
	StateKey *string `yaml:"state_key,omitempty"`

	// PDU is an event id (current, outlier).
	PDU string `yaml:"pdu,omitempty"`

	Count   int    `yaml:"count,omitempty"`
	Outlier bool   `yaml:"outlier,omitempty"`
	User    string `yaml:"user,omitempty"`
	Level   int64  `yaml:"level,omitempty"`
}

// Assertion type constants.
const (
	AssertCurrent    = "current"
	AssertBackfills  = "backfills"
	AssertOutlier    = "outlier"
	AssertPowerLevel = "power_level"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields and missing required fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func (s *Scenario) serverName() string {
	if s.ServerName == "" {
		return DefaultServerName
	}
	return s.ServerName
}

// validateScenario checks required fields and that every reference names a
// PDU declared earlier in the file.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.MaxBackfill < 0 {
		return fmt.Errorf("max_backfill must be non-negative")
	}

	declared := make(map[pdu.Ref]PDUSpec)
	for i, p := range s.PDUs {
		if p.ID == "" || p.Origin == "" {
			return fmt.Errorf("pdus[%d]: id and origin are required", i)
		}
		if p.Message && p.StateKey != nil {
			return fmt.Errorf("pdus[%d]: message pdus have no state_key", i)
		}
		ref := pdu.Ref{PDUID: p.ID, Origin: p.Origin}
		if _, dup := declared[ref]; dup {
			return fmt.Errorf("pdus[%d]: duplicate pdu %s", i, ref)
		}
		if p.Prev != "" {
			if _, err := s.lookup(declared, p.Prev); err != nil {
				return fmt.Errorf("pdus[%d].prev: %w", i, err)
			}
		}
		declared[ref] = p
	}

	for i, id := range s.Current {
		p, err := s.lookup(declared, id)
		if err != nil {
			return fmt.Errorf("current[%d]: %w", i, err)
		}
		if p.Remote || p.Message {
			return fmt.Errorf("current[%d]: %s must be a stored state pdu", i, id)
		}
	}

	for i, pl := range s.PowerLevels {
		if pl.User == "" {
			return fmt.Errorf("power_levels[%d]: user is required", i)
		}
	}

	for i, step := range s.Steps {
		if step.Evaluate == "" {
			return fmt.Errorf("steps[%d]: evaluate is required", i)
		}
		if _, err := s.lookup(declared, step.Evaluate); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) lookup(declared map[pdu.Ref]PDUSpec, eventID string) (PDUSpec, error) {
	ref, err := pdu.DecodeEventID(eventID, s.serverName())
	if err != nil {
		return PDUSpec{}, err
	}
	p, ok := declared[ref]
	if !ok {
		return PDUSpec{}, fmt.Errorf("unknown pdu %s", eventID)
	}
	return p, nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCurrent, AssertBackfills:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertOutlier:
		if a.PDU == "" {
			return fmt.Errorf("assertions[%d]: pdu is required for outlier", index)
		}
	case AssertPowerLevel:
		if a.User == "" {
			return fmt.Errorf("assertions[%d]: user is required for power_level", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// slot returns the assertion's slot with defaults applied.
func (a *Assertion) slot() pdu.SlotKey {
	k := pdu.SlotKey{RoomID: a.Room, Type: a.SlotType}
	if k.RoomID == "" {
		k.RoomID = testutil.DefaultRoom
	}
	if k.Type == "" {
		k.Type = "name"
	}
	if a.StateKey != nil {
		k.StateKey = *a.StateKey
	}
	return k
}
