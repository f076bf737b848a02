// Package planner selects and drives the host-specific Planner variant:
// LinuxMulti, SteamDeck or DarwinMulti. Each inspects the live host
// (without mutating it) and produces a fully ordered executor.Plan; the
// CLI layer drives that Plan forward through internal/executor.
package planner

import (
	"context"
	"fmt"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/platform"
)

// Planner is the host-specific factory: it probes the host once (in its
// New* constructor) and then builds the ordered action list for it (Plan).
// SettingsMap exposes the probed/derived knobs opaquely for CLI display.
type Planner interface {
	// Tag is the stable discriminator persisted in the receipt's
	// "planner_tag" field (e.g. "linux-multi").
	Tag() string
	// Plan builds the full ordered action list for this host from s.
	// Must not mutate the system; may fail with an ierr.PlanningError.
	Plan(ctx context.Context, s config.Settings) (*executor.Plan, error)
	// SettingsMap returns the planner's own probed/derived settings
	// (root disk, whether the host is NixOS, etc.) for display and for
	// the receipt's planner_settings compatibility fingerprint.
	SettingsMap() map[string]any
}

const (
	// TagLinuxMulti is the Planner tag for generic multi-user Linux hosts.
	TagLinuxMulti = "linux-multi"
	// TagSteamDeck is the Planner tag for SteamOS / Steam Deck hosts.
	TagSteamDeck = "steam-deck"
	// TagDarwinMulti is the Planner tag for multi-user macOS hosts.
	TagDarwinMulti = "darwin-multi"
)

// Select resolves the Planner variant for target, honoring
// Settings.PlannerOverride when set (NIX_INSTALLER_PLAN), otherwise
// picking by OS and the SteamDeck marker in target. A NixOS host still
// selects LinuxMulti, whose Plan refuses it.
func Select(ctx context.Context, target platform.Target, s config.Settings) (Planner, error) {
	tag := s.PlannerOverride
	if tag == "" {
		tag = autoSelectTag(target)
	}
	switch tag {
	case TagLinuxMulti:
		return NewLinuxMulti(target), nil
	case TagSteamDeck:
		return NewSteamDeck(target), nil
	case TagDarwinMulti:
		return NewDarwinMulti(ctx, target, s)
	default:
		return nil, ierr.NewExpectedPlanningError(fmt.Sprintf("unknown or unsupported planner %q for platform %q", tag, target.Platform))
	}
}

func autoSelectTag(target platform.Target) string {
	switch target.OS() {
	case "darwin":
		return TagDarwinMulti
	case "linux":
		if target.IsSteamDeck {
			return TagSteamDeck
		}
		return TagLinuxMulti
	default:
		return ""
	}
}
