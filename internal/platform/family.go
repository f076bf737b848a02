package platform

import (
	"bufio"
	"os"
	"runtime"
	"strings"
)

// OSRelease contains parsed values from /etc/os-release.
type OSRelease struct {
	ID        string // Canonical distro identifier (e.g., "nixos", "steamos")
	IDLike    []string
	VersionID string
}

// ParseOSRelease parses the /etc/os-release file format.
// Returns an error if the file cannot be read or parsed.
func ParseOSRelease(path string) (*OSRelease, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	release := &OSRelease{}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		value = strings.Trim(value, `"'`)

		switch key {
		case "ID":
			release.ID = value
		case "ID_LIKE":
			release.IDLike = strings.Fields(value)
		case "VERSION_ID":
			release.VersionID = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return release, nil
}

// DetectIsNixOS reports whether /etc/NIXOS is present, the marker NixOS
// itself ships and the installer uses to refuse installing over a
// declaratively-managed Nix.
func DetectIsNixOS() bool {
	_, err := os.Stat("/etc/NIXOS")
	return err == nil
}

// DetectIsSteamDeck reports whether /etc/os-release identifies the host
// as SteamOS.
func DetectIsSteamDeck() bool {
	release, err := ParseOSRelease("/etc/os-release")
	if err != nil {
		return false
	}
	if release.ID == "steamos" {
		return true
	}
	for _, like := range release.IDLike {
		if like == "steamos" {
			return true
		}
	}
	return false
}

// DetectTarget returns the full target tuple for the current host. On
// non-Linux platforms IsNixOS/IsSteamDeck are always false.
func DetectTarget() (Target, error) {
	p := runtime.GOOS + "/" + runtime.GOARCH
	if runtime.GOOS != "linux" {
		return Target{Platform: p}, nil
	}

	isNixOS := DetectIsNixOS()
	isSteamDeck := DetectIsSteamDeck()
	return NewTarget(p, isNixOS, isSteamDeck), nil
}
