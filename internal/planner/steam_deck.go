package planner

import (
	"context"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/platform"
)

// steamDeckExtensionsDir and steamDeckExtensionName locate the
// systemd-sysext overlay used to expose /nix on SteamOS's read-only root.
const (
	steamDeckExtensionsDir  = "/var/lib/extensions"
	steamDeckExtensionName  = "nix"
	steamDeckExtensionImage = config.NixRoot + "/.sysext-source"
)

// steamDeck is the Planner for SteamOS / Steam Deck hosts, whose root
// filesystem is immutable: /nix is exposed via a systemd-sysext
// extension image rather than created directly.
type steamDeck struct {
	target platform.Target
}

// NewSteamDeck returns the Planner for Steam Deck hosts.
func NewSteamDeck(target platform.Target) Planner {
	return &steamDeck{target: target}
}

func (p *steamDeck) Tag() string { return TagSteamDeck }

func (p *steamDeck) SettingsMap() map[string]any {
	return map[string]any{"extensions_dir": steamDeckExtensionsDir}
}

func (p *steamDeck) Plan(ctx context.Context, s config.Settings) (*executor.Plan, error) {
	fetchURL, sha256, err := resolveRelease(ctx, s, p.target.Platform)
	if err != nil {
		return nil, err
	}

	sysext := &action.CreateSystemdSysext{
		ExtensionsDir: steamDeckExtensionsDir,
		Name:          steamDeckExtensionName,
		SourceDir:     steamDeckExtensionImage,
	}
	nixDir := &action.CreateDirectory{Path: config.NixRoot, Owner: "root", Group: "root", Mode: 0755, Force: true}
	provision := action.NewProvisionNix(s, fetchURL, sha256, scratchDir)
	startUnit := &action.StartSystemdUnit{UnitName: "nix-daemon.socket"}

	root := action.NewSteamDeckInstall(sysext, nixDir, provision, startUnit)

	return &executor.Plan{
		PlannerTag:      p.Tag(),
		PlannerSettings: settingsJSON(p.SettingsMap()),
		Root:            root,
	}, nil
}
