// Package config holds environment-driven configuration for the installer:
// well-known filesystem paths and the small set of environment variables
// that let an operator override default behavior without a flag.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvNoConfirm skips interactive confirmation prompts (CI / scripted installs).
	EnvNoConfirm = "NIX_INSTALLER_NO_CONFIRM"

	// EnvExplain toggles printing an action's full rationale (not just its
	// synopsis) before it runs, per describe_execute/describe_revert.
	EnvExplain = "NIX_INSTALLER_EXPLAIN"

	// EnvPlan selects which Planner variant to use instead of probing the
	// host automatically ("linux-multi", "steam-deck", "darwin-multi").
	EnvPlan = "NIX_INSTALLER_PLAN"

	// EnvVolumeEncrypt controls whether the macOS Nix Store volume is
	// created with APFS encryption ("true"/"false").
	EnvVolumeEncrypt = "NIX_INSTALLER_VOLUME_ENCRYPT"

	// EnvVolumeLabel overrides the default APFS volume label ("Nix Store").
	EnvVolumeLabel = "NIX_INSTALLER_VOLUME_LABEL"

	// EnvRootDisk overrides the disk identifier probed via `diskutil info
	// -plist /` when creating the macOS Nix Store volume.
	EnvRootDisk = "NIX_INSTALLER_ROOT_DISK"

	// EnvActionTimeout sets Settings.ActionTimeout. The value is parsed
	// into Settings; the executor does not apply it to Execute/Revert calls.
	EnvActionTimeout = "NIX_INSTALLER_ACTION_TIMEOUT"

	// DefaultVolumeLabel is the APFS volume label used when
	// NIX_INSTALLER_VOLUME_LABEL is unset.
	DefaultVolumeLabel = "Nix Store"

	// DefaultActionTimeout is Settings.ActionTimeout when EnvActionTimeout is unset.
	DefaultActionTimeout = 10 * time.Minute

	// NixRoot is the root of the installed Nix Store tree.
	NixRoot = "/nix"

	// ReceiptPath is where the executor persists Plan/ActionState snapshots.
	ReceiptPath = "/nix/receipt.json"

	// NixConfigPath is the system-wide nix.conf CreateOrMergeNixConfig writes to.
	NixConfigPath = "/etc/nix/nix.conf"

	// UserSettingsPath is an optional TOML file pre-seeding Settings,
	// loaded by internal/userconfig.
	UserSettingsPath = "/etc/nix-installer-core.toml"
)

// GetNoConfirm reports whether confirmation prompts should be skipped.
// Accepts "true"/"1"/"yes"/"on" and "false"/"0"/"no"/"off" (case-insensitive).
// Defaults to false (prompt) when unset or unrecognized.
func GetNoConfirm() bool {
	return parseBoolEnv(EnvNoConfirm, false)
}

// GetExplain reports whether full action rationale should be printed.
// Defaults to false when unset or unrecognized.
func GetExplain() bool {
	return parseBoolEnv(EnvExplain, false)
}

// GetVolumeEncrypt reports whether the macOS Nix Store volume should be
// APFS-encrypted. Defaults to false when unset or unrecognized.
func GetVolumeEncrypt() bool {
	return parseBoolEnv(EnvVolumeEncrypt, false)
}

func parseBoolEnv(name string, def bool) bool {
	envValue := os.Getenv(name)
	if envValue == "" {
		return def
	}
	switch strings.ToLower(envValue) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n", name, envValue, def)
		return def
	}
}

// GetPlanOverride returns the planner name requested via NIX_INSTALLER_PLAN,
// or "" when the planner should be chosen by probing the host.
func GetPlanOverride() string {
	return strings.TrimSpace(os.Getenv(EnvPlan))
}

// GetVolumeLabel returns the configured APFS volume label.
// If not set, returns DefaultVolumeLabel ("Nix Store").
func GetVolumeLabel() string {
	v := os.Getenv(EnvVolumeLabel)
	if v == "" {
		return DefaultVolumeLabel
	}
	return v
}

// GetRootDiskOverride returns the disk identifier override from
// NIX_INSTALLER_ROOT_DISK, or "" when the root disk should be probed via
// `diskutil info -plist /`.
func GetRootDiskOverride() string {
	return strings.TrimSpace(os.Getenv(EnvRootDisk))
}

// GetActionTimeout returns the configured per-action timeout from
// NIX_INSTALLER_ACTION_TIMEOUT. If not set or invalid, returns
// DefaultActionTimeout (10 minutes). Accepts duration strings like "30s", "5m".
func GetActionTimeout() time.Duration {
	envValue := os.Getenv(EnvActionTimeout)
	if envValue == "" {
		return DefaultActionTimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvActionTimeout, envValue, DefaultActionTimeout)
		return DefaultActionTimeout
	}

	if duration < 1*time.Second {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1s\n",
			EnvActionTimeout, duration)
		return 1 * time.Second
	}
	if duration > 1*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 1h\n",
			EnvActionTimeout, duration)
		return 1 * time.Hour
	}

	return duration
}

// ParseByteSize parses a human-readable byte size string into bytes.
// Accepts formats: plain numbers (52428800), KB/K (50K, 50KB), MB/M (50M, 50MB), GB/G (1G, 1GB).
// Case-insensitive. Returns an error for invalid formats.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var numStr string
	var suffix string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number: %q", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size suffix: %q", suffix)
	}

	return int64(num * multiplier), nil
}

// Settings carries the operator-facing knobs passed between the CLI,
// Planner and actions, scoped to a single installation run rather than a
// persistent multi-tool home directory.
type Settings struct {
	// NoConfirm skips interactive confirmation prompts.
	NoConfirm bool
	// Explain prints full action rationale before executing/reverting.
	Explain bool
	// PlannerOverride forces a specific Planner variant; empty probes the host.
	PlannerOverride string
	// VolumeEncrypt requests APFS encryption for the macOS Nix Store volume.
	VolumeEncrypt bool
	// VolumeLabel is the APFS volume label (macOS only).
	VolumeLabel string
	// RootDiskOverride forces the target disk identifier (macOS only),
	// bypassing the `diskutil info -plist /` probe.
	RootDiskOverride string
	// ChannelURL is the Nix channel to register, e.g. "nixpkgs-unstable".
	ChannelURL string
	// NixBuildUserCount is the number of nixbld build users to create.
	NixBuildUserCount int
	// VerifyTarballSignature opts into verifying a detached PGP signature
	// on the fetched Nix tarball before unpacking it. Default off.
	VerifyTarballSignature bool
	// ActionTimeout is the per-action timeout read from EnvActionTimeout.
	// No component enforces it on an action's Execute/Revert call.
	ActionTimeout time.Duration

	// BuildGroupName and BuildGroupGID identify the group build users belong to.
	BuildGroupName string
	BuildGroupGID  int
	// BuildUserNamePrefix and BuildUserUIDBase generate build user N's
	// name ("<prefix><N>") and uid ("<base>+<N>").
	BuildUserNamePrefix string
	BuildUserUIDBase    int

	// ExtraNixConfLines are appended verbatim to nix.conf beyond the
	// settings CreateOrMergeNixConfig derives itself.
	ExtraNixConfLines []string
	// ForceOverwrite is a settings flag that no planner reads; each
	// CreateFile's own Force field decides whether conflicting contents
	// are replaced.
	ForceOverwrite bool

	// ProxyURL holds an HTTP proxy URL. No fetch or subprocess is
	// configured from it.
	ProxyURL string
	// SSLCertFile names a CA bundle path. HTTPS fetches do not use it.
	SSLCertFile string

	// ReleaseURL pins the exact Nix tarball URL to fetch. Empty means
	// "resolve the latest release" via internal/release against
	// ReleaseRepoOwner/ReleaseRepoName.
	ReleaseURL string
	// ReleaseSHA256 pins the expected checksum for ReleaseURL. Left empty
	// when ReleaseURL is also empty, since internal/release reports the
	// checksum of whatever release it resolves.
	ReleaseSHA256 string
	// ReleaseRepoOwner and ReleaseRepoName identify the GitHub repository
	// internal/release queries for the latest tarball when ReleaseURL is unset.
	ReleaseRepoOwner string
	ReleaseRepoName  string

	// NixPGPKeyURL and NixPGPKeyFingerprint identify the signer whose
	// detached signature FetchAndUnpackNix checks when
	// VerifyTarballSignature is on.
	NixPGPKeyURL         string
	NixPGPKeyFingerprint string
}

// DefaultSettings returns Settings populated from environment variables,
// falling back to built-in defaults exactly as the Get* accessors above do.
func DefaultSettings() Settings {
	return Settings{
		NoConfirm:         GetNoConfirm(),
		Explain:           GetExplain(),
		PlannerOverride:   GetPlanOverride(),
		VolumeEncrypt:     GetVolumeEncrypt(),
		VolumeLabel:       GetVolumeLabel(),
		RootDiskOverride:  GetRootDiskOverride(),
		ChannelURL:          "nixpkgs-unstable",
		NixBuildUserCount:   32,
		ActionTimeout:       GetActionTimeout(),
		BuildGroupName:      "nixbld",
		BuildGroupGID:       30000,
		BuildUserNamePrefix: "_nixbld",
		BuildUserUIDBase:    30000,
		ReleaseRepoOwner:    "NixOS",
		ReleaseRepoName:     "nix",
		NixPGPKeyURL:        "https://nixos.org/nix-key.pub",
		NixPGPKeyFingerprint: "B541D55301270E0BCF15CA5D8170B4726D7198DE",
	}
}
