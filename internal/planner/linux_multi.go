package planner

import (
	"context"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/platform"
)

// linuxMulti is the generic multi-user Linux Planner: CreateDirectory,
// ProvisionNix, ConfigureNix, then enable and start the nix-daemon
// socket unit.
type linuxMulti struct {
	target platform.Target
}

// NewLinuxMulti returns the Planner for generic multi-user Linux hosts.
func NewLinuxMulti(target platform.Target) Planner {
	return &linuxMulti{target: target}
}

func (p *linuxMulti) Tag() string { return TagLinuxMulti }

func (p *linuxMulti) SettingsMap() map[string]any {
	return map[string]any{"is_nixos": p.target.IsNixOS}
}

func (p *linuxMulti) Plan(ctx context.Context, s config.Settings) (*executor.Plan, error) {
	if p.target.IsNixOS {
		return nil, ierr.NewExpectedPlanningError("this host is NixOS, which already manages Nix itself; refusing to install on top of it")
	}

	fetchURL, sha256, err := resolveRelease(ctx, s, p.target.Platform)
	if err != nil {
		return nil, err
	}

	nixDir := &action.CreateDirectory{Path: config.NixRoot, Owner: "root", Group: "root", Mode: 0755, Force: true}
	provision := action.NewProvisionNix(s, fetchURL, sha256, scratchDir)
	configure := action.NewConfigureNix(s, baseNixConfSettings(s), shellSourceSnippet, fileExists, nil)
	startUnit := &action.StartSystemdUnit{UnitName: "nix-daemon.socket"}

	root := action.NewLinuxMultiInstall(nixDir, provision, configure, startUnit)

	return &executor.Plan{
		PlannerTag:      p.Tag(),
		PlannerSettings: settingsJSON(p.SettingsMap()),
		Root:            root,
	}, nil
}
