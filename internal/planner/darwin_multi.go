package planner

import (
	"context"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/platform"
)

// darwinMulti is the Planner for multi-user macOS hosts: Nix lives on a
// dedicated APFS volume (the sealed system volume can't host /nix
// directly) and its daemon is registered and started via launchd rather
// than systemd.
type darwinMulti struct {
	target   platform.Target
	rootDisk string
}

// NewDarwinMulti probes the host's root disk (unless Settings.RootDiskOverride
// pins one) and returns the Planner for multi-user macOS hosts. Probing is
// read-only: no system mutation happens before Plan runs.
func NewDarwinMulti(ctx context.Context, target platform.Target, s config.Settings) (Planner, error) {
	disk, err := probeRootDisk(ctx, s)
	if err != nil {
		return nil, err
	}
	return &darwinMulti{target: target, rootDisk: disk}, nil
}

func (p *darwinMulti) Tag() string { return TagDarwinMulti }

func (p *darwinMulti) SettingsMap() map[string]any {
	return map[string]any{"root_disk": p.rootDisk}
}

func (p *darwinMulti) Plan(ctx context.Context, s config.Settings) (*executor.Plan, error) {
	fetchURL, sha256, err := resolveRelease(ctx, s, p.target.Platform)
	if err != nil {
		return nil, err
	}

	volume := action.NewCreateNixVolume(s, p.rootDisk, darwinStoreLaunchdPlist)
	provision := action.NewProvisionNix(s, fetchURL, sha256, scratchDir)

	daemonPlistPath := "/Library/LaunchDaemons/org.nixos.nix-daemon.plist"
	daemonRegistration := action.NewDaemonRegistration(daemonPlistPath, nixDaemonLaunchdPlist())

	configure := action.NewConfigureNix(s, baseNixConfSettings(s), shellSourceSnippet, fileExists, daemonRegistration)
	kickstart := &action.KickstartLaunchctlService{ServiceTarget: "system/org.nixos.nix-daemon"}

	root := action.NewDarwinMultiInstall(volume, provision, configure, kickstart)

	return &executor.Plan{
		PlannerTag:      p.Tag(),
		PlannerSettings: settingsJSON(p.SettingsMap()),
		Root:            root,
	}, nil
}
