package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/log"
)

// Plan is the ordered, persistable unit of work a Planner produces: a
// single root Action (always a composite) plus the planner identity and
// settings needed to validate that a later `install`/`uninstall`/
// `repair` invocation is compatible with the plan already on disk.
type Plan struct {
	PlannerTag      string
	PlannerSettings json.RawMessage
	Root            action.Action
}

// Describe returns the full forward-execution description tree by
// walking Root and its descendants, used by `nix-installer-core plan`
// and the pre-execute confirmation prompt.
func (p *Plan) Describe() []action.Description {
	return describeAction(p.Root)
}

func describeAction(a action.Action) []action.Description {
	descs := a.DescribeExecute()
	if children, ok := a.(interface{ Children() []action.Action }); ok {
		for _, c := range children.Children() {
			descs = append(descs, describeAction(c)...)
		}
	}
	return descs
}

// Validate walks Root and its descendants, invoking the planning hook of
// every action that has one (e.g. CreateGroup/CreateUser detecting an
// already-present entry, CreateOrMergeNixConfig detecting an unmergeable
// conflict) and stopping at the first failure. Must be called, and must
// succeed, before Run: it's what turns a conflicting pre-existing system
// state into a PlanningError instead of a mid-execute Command/Mismatch
// failure.
func (p *Plan) Validate() error {
	return validateAction(p.Root)
}

func validateAction(a action.Action) error {
	if v, ok := a.(interface{ Plan() error }); ok {
		if err := v.Plan(); err != nil {
			return err
		}
	}
	if children, ok := a.(interface{ Children() []action.Action }); ok {
		for _, c := range children.Children() {
			if err := validateAction(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run drives Root forward to completion. On any action's failure it
// stops and reverses everything already completed: the
// failing action itself is left in Progress, not reverted, and the
// revert errors (if any) are collected into the forward error via
// CompoundError. onProgress, if non-nil, is called once after the
// forward pass and once more after any revert, for best-effort receipt
// persistence.
func (p *Plan) Run(ctx context.Context, onProgress func()) error {
	log.Default().Info("executing plan", "planner", p.PlannerTag)
	err := p.Root.Execute(ctx)
	if onProgress != nil {
		onProgress()
	}
	if err == nil {
		return nil
	}

	log.Default().Warn("plan execution failed, reverting", "error", err)
	revertErr := p.Root.Revert(ctx)
	if onProgress != nil {
		onProgress()
	}
	if revertErr != nil {
		return &ierr.CompoundError{Forward: err, RevertErrors: []error{revertErr}}
	}
	return &ierr.CompoundError{Forward: err}
}

// CheckCompatible validates that this Plan may legally drive the receipt
// already on disk forward. It applies `install`'s compatibility
// rules: refuse on planner-tag mismatch, refuse on planner-settings
// mismatch, refuse if the existing receipt's root is already fully
// Completed, otherwise resume driving the existing receipt's root
// (returned as resumeFrom) rather than this Plan's freshly-built one.
func (p *Plan) CheckCompatible(existing *Plan) (resumeFrom *Plan, err error) {
	if existing == nil {
		return p, nil
	}
	if existing.PlannerTag != p.PlannerTag {
		return nil, ierr.NewExpectedPlanningError(fmt.Sprintf(
			"an installation was previously started with planner %q, but this host now resolves to %q; refusing to continue with a different planner",
			existing.PlannerTag, p.PlannerTag))
	}
	if string(existing.PlannerSettings) != string(p.PlannerSettings) {
		return nil, ierr.NewExpectedPlanningError(
			"an installation was previously started with different settings; refusing to continue with settings that don't match the existing receipt")
	}
	if existing.Root.State() == action.Completed {
		return nil, ierr.NewExpectedPlanningError("Nix is already installed according to /nix/receipt.json")
	}
	return existing, nil
}

// settingsFingerprint serializes the whole config.Settings value as JSON.
// CheckCompatible compares Plan.PlannerSettings, which the planners build
// from their own settings maps, not from this function.
func settingsFingerprint(s config.Settings) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		// config.Settings fields are all plain JSON-marshalable scalars and
		// slices; Marshal cannot fail for them.
		panic(fmt.Sprintf("settings fingerprint: %v", err))
	}
	return raw
}
