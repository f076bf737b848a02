package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/release"
)

// settingsJSON serializes a Planner's SettingsMap for Plan.PlannerSettings,
// the fingerprint executor.Plan.CheckCompatible compares across runs.
func settingsJSON(m map[string]any) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		// SettingsMap values are always plain JSON-marshalable scalars.
		panic(fmt.Sprintf("planner settings fingerprint: %v", err))
	}
	return raw
}

// darwinStoreLaunchdPlist is the launchd service definition
// CreateNixVolume registers at /Library/LaunchDaemons so the dedicated
// Nix Store APFS volume is (re)mounted at boot, modeled on the plist
// nix-darwin's own installer ships for org.nixos.darwin-store.
const darwinStoreLaunchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>org.nixos.darwin-store</string>
	<key>ProgramArguments</key>
	<array>
		<string>/bin/sh</string>
		<string>-c</string>
		<string>/usr/sbin/diskutil mount readOnly ` + "`" + `/usr/sbin/diskutil info -plist / | /usr/libexec/PlistBuddy -c "Print :DeviceIdentifier" /dev/stdin` + "`" + `</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
</dict>
</plist>
`

// nixDaemonLaunchdPlist is the launchd service definition ConfigureNix's
// BootstrapLaunchctlService child registers for the Nix daemon itself.
func nixDaemonLaunchdPlist() string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>org.nixos.nix-daemon</string>
	<key>ProgramArguments</key>
	<array>
		<string>/nix/var/nix/profiles/default/bin/nix-daemon</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardErrorPath</key>
	<string>/var/log/nix-daemon.log</string>
	<key>StandardOutPath</key>
	<string>/var/log/nix-daemon.log</string>
</dict>
</plist>
`
}

// shellSourceSnippet is appended to every detected shell-init file by
// ConfigureShellProfile so an interactive login shell picks up the
// daemon-installed Nix profile.
const shellSourceSnippet = "\nif [ -e '/nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh' ]; then\n  . '/nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh'\nfi\n"

// scratchDir is the working directory FetchAndUnpackNix extracts into
// before MoveUnpackedNix relocates the store tree into its final home.
// Kept under /nix itself so it shares a filesystem with the destination
// (a plain rename, not a cross-device copy).
const scratchDir = config.NixRoot + "/.install-scratch"

// fileExists reports whether path exists, for ConfigureShellProfile's
// per-host "only touch files that are actually present" rule.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// baseNixConfSettings returns the nix.conf keys every planner variant
// writes regardless of platform: the build-users group and the
// experimental features the rest of this installer's generated config
// depends on existing (flakes, the new CLI).
func baseNixConfSettings(s config.Settings) map[string]string {
	return map[string]string{
		"build-users-group":   s.BuildGroupName,
		"experimental-features": "nix-command flakes",
	}
}

// probeRootDisk returns the disk identifier hosting "/", read from
// `diskutil info -plist /`'s ParentWholeDisk key, used as the target for
// CreateNixVolume's sibling APFS volume. s.RootDiskOverride short-circuits
// the probe entirely (NIX_INSTALLER_ROOT_DISK). Planning only ever reads
// the host, never mutates it.
func probeRootDisk(ctx context.Context, s config.Settings) (string, error) {
	if s.RootDiskOverride != "" {
		return s.RootDiskOverride, nil
	}
	out, err := action.DefaultRunner.Run(ctx, "diskutil", "info", "-plist", "/")
	if err != nil {
		return "", ierr.NewPlanningError("probe root disk via diskutil", err)
	}
	disk, ok := plistStringValue(out, "ParentWholeDisk")
	if !ok {
		return "", ierr.NewPlanningError("probe root disk via diskutil", fmt.Errorf("diskutil info -plist / did not report a ParentWholeDisk"))
	}
	return disk, nil
}

// plistStringValue extracts the <string> value immediately following
// <key>name</key> in an XML plist's textual form, a string-scanning
// approach that avoids a dependency on a full plist parser for a single
// key lookup.
func plistStringValue(plist, key string) (string, bool) {
	marker := "<key>" + key + "</key>"
	idx := strings.Index(plist, marker)
	if idx < 0 {
		return "", false
	}
	rest := plist[idx+len(marker):]
	open := strings.Index(rest, "<string>")
	if open < 0 {
		return "", false
	}
	rest = rest[open+len("<string>"):]
	closeIdx := strings.Index(rest, "</string>")
	if closeIdx < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:closeIdx]), true
}

// resolveRelease picks the Nix tarball URL and checksum to fetch: the
// pinned Settings.ReleaseURL/ReleaseSHA256 if set, otherwise the latest
// release asset for platform from Settings.ReleaseRepoOwner/ReleaseRepoName.
func resolveRelease(ctx context.Context, s config.Settings, platformStr string) (url, sha256 string, err error) {
	if s.ReleaseURL != "" {
		return s.ReleaseURL, s.ReleaseSHA256, nil
	}
	resolver := release.NewResolver()
	asset, err := resolver.LatestTarball(ctx, s.ReleaseRepoOwner, s.ReleaseRepoName, platformStr)
	if err != nil {
		return "", "", fmt.Errorf("resolve latest Nix release: %w", err)
	}
	return asset.URL, asset.SHA256, nil
}
