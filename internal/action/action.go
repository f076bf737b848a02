// Package action implements the Action framework: a persistable,
// composable, reversible unit-of-work abstraction. Every privileged
// system-modification operation the installer performs — creating a
// user, laying down a config file, mounting an APFS volume — is an
// Action. Actions compose into trees (see composite.go) that a Plan
// (internal/executor) drives forward or backward.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// State is the three-valued action state machine, plus the planning-time
// pseudo-state Skipped.
type State string

const (
	// Uncompleted is the default state: the action's effect has not happened.
	Uncompleted State = "uncompleted"
	// Progress is the transient state held while execute/revert runs, and
	// the state an action is stuck in if execute/revert fails partway.
	Progress State = "progress"
	// Completed means the action's forward effect holds.
	Completed State = "completed"
	// Skipped is a planning-time-only marker for an action whose end
	// state was detected already present on the host; it is serialized
	// as Completed (see MarshalState) since at execute time the two are
	// indistinguishable — both are legal no-ops.
	Skipped State = "skipped"
)

// Description is a self-description produced by an action for the CLI's
// confirmation UI: a one-line synopsis plus longer rationale lines, which
// `plan` always prints and `install` prints only when
// NIX_INSTALLER_EXPLAIN is set.
type Description struct {
	Synopsis string
	Rationale []string
}

// Action is the atomic unit of work. Concrete leaf and composite types
// embed Base for the state-machine bookkeeping and implement Tag,
// Execute, Revert, DescribeExecute and DescribeRevert themselves.
type Action interface {
	// Tag returns the stable string discriminator used for serialization
	// (e.g. "create_group"). Tags are never renamed once shipped.
	Tag() string

	// State returns the action's current state.
	State() State
	// SetState forces the action's state; used by receipt loading and by
	// the executor to record Progress before calling Execute/Revert.
	SetState(State)

	// DescribeExecute returns [] if State() is Completed, otherwise a
	// synopsis plus rationale describing the forward effect.
	DescribeExecute() []Description
	// DescribeRevert returns [] if State() is Uncompleted, otherwise a
	// synopsis plus rationale describing the inverse effect.
	DescribeRevert() []Description

	// Execute performs the forward effect. No-op success if already
	// Completed. On failure the action is left in Progress.
	Execute(ctx context.Context) error
	// Revert performs the inverse effect. No-op success if already
	// Uncompleted. On failure the action is left in Progress.
	Revert(ctx context.Context) error

	// MarshalFields returns the action's own configuration fields (not
	// including tag or state, which the registry's Marshal wraps around
	// them) for persistence to the receipt.
	MarshalFields() (json.RawMessage, error)
}

// Base provides the State/SetState bookkeeping every concrete Action
// embeds, carrying a mutable state field instead of stateless defaults.
type Base struct {
	mu    sync.Mutex
	state State
}

// State returns the action's current state. Defaults to Uncompleted for
// a zero-value Base.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return Uncompleted
	}
	return b.state
}

// SetState forces the action's state.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// Constructor builds a concrete Action from its serialized fields, used
// by the registry to reconstruct actions when a receipt is loaded.
type Constructor func(fields json.RawMessage) (Action, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a tag → constructor mapping. Called from each concrete
// action type's init(). Panics on a duplicate tag, since that indicates a
// programming error (two action types sharing a serialization tag would
// silently corrupt receipt round-trips).
func Register(tag string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[tag]; exists {
		panic(fmt.Sprintf("action: tag %q already registered", tag))
	}
	registry[tag] = ctor
}

// Lookup returns the constructor registered for tag, or false if no
// action type has claimed it — the condition a Receipt load reports as a
// ReceiptError.
func Lookup(tag string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[tag]
	return ctor, ok
}

// envelope is the on-disk wire shape: each action is wrapped as
// {"action": "<tag>", "state": "<state>", "fields": {...}}. The action's
// own fields are nested under "fields"; they do not sit beside "action"
// and "state" at the top level of the object.
type envelope struct {
	ActionTag string          `json:"action"`
	ActionState State        `json:"state"`
	Fields      json.RawMessage `json:"fields"`
}

// Marshal serializes a over the wire envelope the registry understands.
func Marshal(a Action) ([]byte, error) {
	fields, err := a.MarshalFields()
	if err != nil {
		return nil, fmt.Errorf("marshal fields for %s: %w", a.Tag(), err)
	}
	state := a.State()
	if state == Skipped {
		state = Completed
	}
	return json.Marshal(envelope{ActionTag: a.Tag(), ActionState: state, Fields: fields})
}

// Unmarshal reconstructs an Action from its wire envelope using the
// registered Constructor for its tag.
func Unmarshal(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal action envelope: %w", err)
	}
	ctor, ok := Lookup(env.ActionTag)
	if !ok {
		return nil, fmt.Errorf("unknown action tag %q", env.ActionTag)
	}
	a, err := ctor(env.Fields)
	if err != nil {
		return nil, fmt.Errorf("construct action %q: %w", env.ActionTag, err)
	}
	a.SetState(env.ActionState)
	return a, nil
}
