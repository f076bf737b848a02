package action

import (
	"context"
	"encoding/json"
)

func init() {
	Register(tagDaemonRegistration, func(f json.RawMessage) (Action, error) {
		a := &DaemonRegistration{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagLinuxMultiInstall, func(f json.RawMessage) (Action, error) {
		a := &LinuxMultiInstall{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagSteamDeckInstall, func(f json.RawMessage) (Action, error) {
		a := &SteamDeckInstall{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagDarwinMultiInstall, func(f json.RawMessage) (Action, error) {
		a := &DarwinMultiInstall{}
		return a, unmarshalComposite(f, a)
	})
}

const (
	tagDaemonRegistration = "daemon_registration"
	tagLinuxMultiInstall  = "linux_multi_install"
	tagSteamDeckInstall   = "steam_deck_install"
	tagDarwinMultiInstall = "darwin_multi_install"
)

// DaemonRegistration writes a launchd plist and bootstraps it, the
// macOS equivalent of Linux's single StartSystemdUnit step split into
// its "register" half: ConfigureNix's daemonRegistration child registers
// the service, while the planner's own top-level KickstartLaunchctlService
// starts it, matching CreateNixVolume's own Write/Bootstrap/Kickstart split
// for its mount service.
type DaemonRegistration struct {
	Sequential
}

func (a *DaemonRegistration) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewDaemonRegistration writes plistContents to plistPath then bootstraps
// it into the "system" launchd domain.
func NewDaemonRegistration(plistPath, plistContents string) *DaemonRegistration {
	return &DaemonRegistration{Sequential: NewSequential(
		&CreateFile{Path: plistPath, Contents: plistContents, Mode: 0644, Force: true},
		&BootstrapLaunchctlService{Domain: "system", PlistPath: plistPath},
	)}
}

func (a *DaemonRegistration) Tag() string { return tagDaemonRegistration }

func (a *DaemonRegistration) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Register the Nix daemon with launchd"}}
}

func (a *DaemonRegistration) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Unregister the Nix daemon from launchd"}}
}

func (a *DaemonRegistration) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *DaemonRegistration) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *DaemonRegistration) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// LinuxMultiInstall is the top-level root action the LinuxMulti planner
// hands to executor.Plan: directory, store provisioning, daemon
// configuration, then enabling the systemd unit.
type LinuxMultiInstall struct {
	Sequential
}

func (a *LinuxMultiInstall) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewLinuxMultiInstall assembles the fixed four-step LinuxMulti chain.
func NewLinuxMultiInstall(nixDir *CreateDirectory, provision *ProvisionNix, configure *ConfigureNix, startUnit *StartSystemdUnit) *LinuxMultiInstall {
	return &LinuxMultiInstall{Sequential: NewSequential(nixDir, provision, configure, startUnit)}
}

func (a *LinuxMultiInstall) Tag() string { return tagLinuxMultiInstall }

func (a *LinuxMultiInstall) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Install Nix in multi-user mode"}}
}

func (a *LinuxMultiInstall) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Uninstall Nix"}}
}

func (a *LinuxMultiInstall) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *LinuxMultiInstall) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *LinuxMultiInstall) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// SteamDeckInstall is the top-level root action the SteamDeck planner
// produces: a systemd-sysext extension for /nix on the immutable root,
// then the /nix directory, then the same provisioning and daemon-start
// steps as LinuxMultiInstall.
type SteamDeckInstall struct {
	Sequential
}

func (a *SteamDeckInstall) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewSteamDeckInstall assembles the fixed four-step SteamDeck chain.
func NewSteamDeckInstall(sysext *CreateSystemdSysext, nixDir *CreateDirectory, provision *ProvisionNix, startUnit *StartSystemdUnit) *SteamDeckInstall {
	return &SteamDeckInstall{Sequential: NewSequential(sysext, nixDir, provision, startUnit)}
}

func (a *SteamDeckInstall) Tag() string { return tagSteamDeckInstall }

func (a *SteamDeckInstall) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Install Nix on a Steam Deck via a systemd-sysext overlay"}}
}

func (a *SteamDeckInstall) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Uninstall Nix and its systemd-sysext overlay"}}
}

func (a *SteamDeckInstall) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *SteamDeckInstall) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *SteamDeckInstall) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// DarwinMultiInstall is the top-level root action the DarwinMulti
// planner produces: create the dedicated APFS volume, provision the
// store, configure Nix (including registering the launchd daemon), then
// kickstart it immediately.
type DarwinMultiInstall struct {
	Sequential
}

func (a *DarwinMultiInstall) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewDarwinMultiInstall assembles the fixed four-step DarwinMulti chain.
func NewDarwinMultiInstall(volume *CreateNixVolume, provision *ProvisionNix, configure *ConfigureNix, kickstart *KickstartLaunchctlService) *DarwinMultiInstall {
	return &DarwinMultiInstall{Sequential: NewSequential(volume, provision, configure, kickstart)}
}

func (a *DarwinMultiInstall) Tag() string { return tagDarwinMultiInstall }

func (a *DarwinMultiInstall) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Install Nix in multi-user mode on macOS"}}
}

func (a *DarwinMultiInstall) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Uninstall Nix on macOS"}}
}

func (a *DarwinMultiInstall) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *DarwinMultiInstall) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *DarwinMultiInstall) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}
