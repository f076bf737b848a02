// Package userconfig loads an optional on-disk settings file that
// pre-seeds internal/config.Settings, letting an operator bake in
// channel/volume/build-user choices without passing CLI flags.
package userconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/log"
)

// FileSettings mirrors the subset of config.Settings an operator may
// pre-seed from /etc/nix-installer-core.toml. Fields left unset in the
// file keep the environment/default value already computed by
// config.DefaultSettings.
type FileSettings struct {
	ChannelURL             *string `toml:"channel_url,omitempty"`
	NixBuildUserCount      *int    `toml:"nix_build_user_count,omitempty"`
	VolumeEncrypt          *bool   `toml:"volume_encrypt,omitempty"`
	VolumeLabel            *string `toml:"volume_label,omitempty"`
	VerifyTarballSignature *bool   `toml:"verify_tarball_signature,omitempty"`
}

// Load reads the settings file at config.UserSettingsPath and applies any
// fields it sets on top of base. Returns base unmodified if the file does
// not exist. Returns an error only for file parsing issues, not missing
// files.
func Load(base config.Settings) (config.Settings, error) {
	return loadFromPath(config.UserSettingsPath, base)
}

// loadFromPath reads settings from a specific file path (for testing).
func loadFromPath(path string, base config.Settings) (config.Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("failed to read settings file: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		mode := info.Mode().Perm()
		if mode&0022 != 0 {
			log.Default().Warn("settings file is group/other writable",
				"path", path,
				"mode", fmt.Sprintf("%04o", mode),
			)
		}
	}

	var fs FileSettings
	if _, err := toml.Decode(string(data), &fs); err != nil {
		return base, fmt.Errorf("failed to parse settings file: %w", err)
	}

	applyFileSettings(&base, fs)
	return base, nil
}

func applyFileSettings(s *config.Settings, fs FileSettings) {
	if fs.ChannelURL != nil {
		s.ChannelURL = *fs.ChannelURL
	}
	if fs.NixBuildUserCount != nil {
		s.NixBuildUserCount = *fs.NixBuildUserCount
	}
	if fs.VolumeEncrypt != nil {
		s.VolumeEncrypt = *fs.VolumeEncrypt
	}
	if fs.VolumeLabel != nil {
		s.VolumeLabel = *fs.VolumeLabel
	}
	if fs.VerifyTarballSignature != nil {
		s.VerifyTarballSignature = *fs.VerifyTarballSignature
	}
}
