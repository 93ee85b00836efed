// Package policy authorizes locally submitted state events against rules
// written in CUE.
//
// A policy file declares the power level each event type requires:
//
//	state_default: 50
//	users_default: 0
//	events: "m.room.power_levels": 100
//	users: "@admin:example.org": 100
//	bootstrap_level: 100
//
// Until a room has explicit power levels every named sender acts at
// bootstrap_level, so a new room's first member can send its power-levels
// event.
//
// Files are unified with an embedded schema, so unknown fields, negative
// levels and non-integer values are rejected at load time.
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/roomstate/internal/pdu"
	"github.com/roach88/roomstate/internal/state"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE []byte

// ErrForbidden is wrapped by every denial.
var ErrForbidden = errors.New("policy: forbidden")

// Rules is a decoded policy.
type Rules struct {
	StateDefault int64            `json:"state_default"`
	UsersDefault int64            `json:"users_default"`
	Events       map[string]int64 `json:"events"`
	Users        map[string]int64 `json:"users"`

	BootstrapLevel int64 `json:"bootstrap_level"`
}

// Required returns the level needed to send a state event of type typ.
func (r Rules) Required(typ string) int64 {
	if level, ok := r.Events[typ]; ok {
		return level
	}
	return r.StateDefault
}

// LoadError is a policy file that failed to parse or validate.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Load reads and validates a CUE policy file.
func Load(path string) (Rules, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(src, path)
}

// Default returns the built-in rules.
func Default() Rules {
	rules, err := Parse(defaultCUE, "default.cue")
	if err != nil {
		panic(fmt.Sprintf("policy: embedded default is invalid: %v", err))
	}
	return rules
}

// Parse validates src against the policy schema and decodes it.
// filename is used in error positions.
func Parse(src []byte, filename string) (Rules, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Rules{}, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Rules{}, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Rules{}, formatCUEError(err)
	}

	var rules Rules
	if err := unified.Decode(&rules); err != nil {
		return Rules{}, formatCUEError(err)
	}
	return rules, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

// PowerSource looks up stored power levels.
type PowerSource interface {
	GetPowerLevel(ctx context.Context, roomID, userID string) (int64, error)

	// HasPowerLevels reports whether any explicit level is set in the room.
	HasPowerLevels(ctx context.Context, roomID string) (bool, error)
}

// Denial explains a rejected event.
type Denial struct {
	UserID   string
	Type     string
	Have     int64
	Required int64
}

func (d *Denial) Error() string {
	user := d.UserID
	if user == "" {
		user = "anonymous sender"
	}
	return fmt.Sprintf("%s has power %d, %s needs %d", user, d.Have, d.Type, d.Required)
}

func (d *Denial) Unwrap() error {
	return ErrForbidden
}

// Policy is a state.Authorizer enforcing Rules.
type Policy struct {
	rules  Rules
	levels PowerSource
}

// New creates a Policy reading stored power levels from levels.
func New(rules Rules, levels PowerSource) *Policy {
	return &Policy{rules: rules, levels: levels}
}

// Rules returns the policy's rules.
func (p *Policy) Rules() Rules {
	return p.rules
}

// Level returns the effective power level of userID in roomID: a rules
// override if present, otherwise the stored level raised to users_default,
// and to bootstrap_level while the room has no explicit levels.
func (p *Policy) Level(ctx context.Context, roomID, userID string) (int64, error) {
	if userID == "" {
		return p.rules.UsersDefault, nil
	}
	if level, ok := p.rules.Users[userID]; ok {
		return level, nil
	}
	stored, err := p.levels.GetPowerLevel(ctx, roomID, userID)
	if err != nil {
		return 0, fmt.Errorf("power level of %s: %w", userID, err)
	}
	level := max(stored, p.rules.UsersDefault)
	if p.rules.BootstrapLevel <= level {
		return level, nil
	}
	set, err := p.levels.HasPowerLevels(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("power levels of %s: %w", roomID, err)
	}
	if !set {
		return p.rules.BootstrapLevel, nil
	}
	return level, nil
}

// Authorize allows ev when its sender's level meets the level its type
// requires. Non-state events are always allowed.
func (p *Policy) Authorize(ctx context.Context, ev *pdu.Event, _ *pdu.PDU) error {
	if !ev.IsState() {
		return nil
	}

	have, err := p.Level(ctx, ev.RoomID, ev.UserID)
	if err != nil {
		return err
	}
	need := p.rules.Required(ev.Type)
	if have < need {
		return &Denial{UserID: ev.UserID, Type: ev.Type, Have: have, Required: need}
	}
	return nil
}

var _ state.Authorizer = (*Policy)(nil)
