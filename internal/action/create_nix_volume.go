package action

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/log"
	"github.com/nixcore/installer/internal/progress"
)

// diskutilPollInterval and diskutilPollAttempts are fixed poll
// parameters, not configuration: after kickstarting the mount launchd
// service, CreateNixVolume polls `diskutil info /nix` up to 50 times at
// 100ms each before giving up.
const (
	diskutilPollInterval = 100 * time.Millisecond
	diskutilPollAttempts = 50
)

// CreateNixVolume creates a dedicated, optionally-encrypted APFS volume
// for /nix and mounts it at boot via a launchd service, since macOS's
// sealed system volume can't host /nix directly. This is the longest
// composite in the installer: append to /etc/synthetic.conf, refresh
// synthetic mountpoints, clear any stale mount, create the volume, add
// an fstab entry, optionally encrypt, register and kickstart the mount
// launchd service, then poll until the mount is visible.
type CreateNixVolume struct {
	Base

	AppendSynthetic *CreateOrInsertIntoFile
	MakeSynthetic   *CreateSyntheticObjects
	UnmountStale    *UnmountApfsVolume
	CreateVolume    *CreateApfsVolume
	Fstab           *CreateFstabEntry
	Encrypt         *EncryptApfsVolume // nil when VolumeEncrypt is off
	WritePlist      *CreateFile
	Bootstrap       *BootstrapLaunchctlService
	Kickstart       *KickstartLaunchctlService
	EnableOwner     *EnableOwnership

	MountPoint string `json:"mount_point"`
}

// NewCreateNixVolume assembles the full chain from Settings and the
// probed root disk identifier.
func NewCreateNixVolume(s config.Settings, diskID, launchdPlist string) *CreateNixVolume {
	mountPoint := "/nix"
	a := &CreateNixVolume{
		AppendSynthetic: &CreateOrInsertIntoFile{Path: "/etc/synthetic.conf", Contents: "nix", Mode: 0644},
		MakeSynthetic:   &CreateSyntheticObjects{},
		UnmountStale:    &UnmountApfsVolume{MountPoint: mountPoint},
		CreateVolume:    &CreateApfsVolume{DiskID: diskID, Name: s.VolumeLabel, MountPoint: mountPoint, CaseSensitive: false},
		Fstab:           &CreateFstabEntry{Device: "/dev/disk_by_label/" + s.VolumeLabel, MountPoint: mountPoint, FSType: "apfs", Options: "rw,noauto,nobrowse"},
		WritePlist:      &CreateFile{Path: "/Library/LaunchDaemons/org.nixos.darwin-store.plist", Contents: launchdPlist, Mode: 0644, Force: true},
		Bootstrap:       &BootstrapLaunchctlService{Domain: "system", PlistPath: "/Library/LaunchDaemons/org.nixos.darwin-store.plist"},
		Kickstart:       &KickstartLaunchctlService{ServiceTarget: "system/org.nixos.darwin-store"},
		EnableOwner:     &EnableOwnership{MountPoint: mountPoint},
		MountPoint:      mountPoint,
	}
	if s.VolumeEncrypt {
		a.Encrypt = &EncryptApfsVolume{VolumeName: s.VolumeLabel}
	}
	return a
}

func (a *CreateNixVolume) Tag() string { return tagCreateNixVolume }

// Children exposes the fixed step sequence in execution order, for
// callers that walk an action tree for description/introspection
// purposes (e.g. the executor's plan-description command).
func (a *CreateNixVolume) Children() []Action { return a.children() }

func (a *CreateNixVolume) children() []Action {
	children := []Action{a.AppendSynthetic, a.MakeSynthetic, a.UnmountStale, a.CreateVolume, a.Fstab}
	if a.Encrypt != nil {
		children = append(children, a.Encrypt)
	}
	children = append(children, a.WritePlist, a.Bootstrap, a.Kickstart, a.EnableOwner)
	return children
}

func (a *CreateNixVolume) setChildren(children []Action) {
	i := 0
	next := func() Action { c := children[i]; i++; return c }
	a.AppendSynthetic = next().(*CreateOrInsertIntoFile)
	a.MakeSynthetic = next().(*CreateSyntheticObjects)
	a.UnmountStale = next().(*UnmountApfsVolume)
	a.CreateVolume = next().(*CreateApfsVolume)
	a.Fstab = next().(*CreateFstabEntry)
	if len(children)-i > 4 {
		a.Encrypt = next().(*EncryptApfsVolume)
	}
	a.WritePlist = next().(*CreateFile)
	a.Bootstrap = next().(*BootstrapLaunchctlService)
	a.Kickstart = next().(*KickstartLaunchctlService)
	a.EnableOwner = next().(*EnableOwnership)
}

func (a *CreateNixVolume) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{
		Synopsis:  fmt.Sprintf("Create and mount a dedicated APFS volume for %s", a.MountPoint),
		Rationale: []string{"macOS's sealed system volume cannot host /nix directly."},
	}}
}

func (a *CreateNixVolume) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove the APFS volume mounted at %s", a.MountPoint)}}
}

func (a *CreateNixVolume) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)

	if err := a.AppendSynthetic.Execute(ctx); err != nil {
		return fmt.Errorf("append /etc/synthetic.conf: %w", err)
	}
	if err := a.MakeSynthetic.Execute(ctx); err != nil {
		return fmt.Errorf("create synthetic objects: %w", err)
	}
	// Best-effort: a stale mount from an interrupted prior install is
	// cleared if present, but its absence (the common case) is not an
	// error. If it genuinely succeeded in clearing a mount, UnmountStale
	// ends up Completed and Revert below must still undo it; on failure
	// reset it to Uncompleted so Revert doesn't try to remount something
	// that was never unmounted.
	if err := a.UnmountStale.Execute(ctx); err != nil {
		log.Default().Debug("no stale /nix mount to clear", "error", err)
		a.UnmountStale.SetState(Uncompleted)
	}

	if err := a.CreateVolume.Execute(ctx); err != nil {
		return fmt.Errorf("create apfs volume: %w", err)
	}
	if err := a.Fstab.Execute(ctx); err != nil {
		return fmt.Errorf("create fstab entry: %w", err)
	}
	if a.Encrypt != nil {
		if err := a.Encrypt.Execute(ctx); err != nil {
			return fmt.Errorf("encrypt apfs volume: %w", err)
		}
	}
	if err := a.WritePlist.Execute(ctx); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}
	if err := a.Bootstrap.Execute(ctx); err != nil {
		return fmt.Errorf("bootstrap launchd service: %w", err)
	}
	if err := a.Kickstart.Execute(ctx); err != nil {
		return fmt.Errorf("kickstart launchd service: %w", err)
	}
	if err := a.waitForMount(ctx); err != nil {
		return err
	}
	if err := a.EnableOwner.Execute(ctx); err != nil {
		return fmt.Errorf("enable ownership: %w", err)
	}

	a.SetState(Completed)
	return nil
}

// waitForMount polls `diskutil info <mount point>` up to
// diskutilPollAttempts times at diskutilPollInterval each, checking
// cancellation between attempts so long polls stay cooperatively
// cancellable.
func (a *CreateNixVolume) waitForMount(ctx context.Context) error {
	var spinner *progress.Spinner
	if progress.ShouldShowProgress() {
		spinner = progress.NewSpinner(os.Stderr)
		spinner.Start(fmt.Sprintf("Waiting for %s to mount", a.MountPoint))
		defer spinner.Stop()
	}
	for attempt := 1; attempt <= diskutilPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ierr.NewCancelledError(a.Tag())
		}
		if _, err := DefaultRunner.Run(ctx, "diskutil", "info", a.MountPoint); err == nil {
			return nil
		}
		log.Default().Debug("waiting for nix volume mount", "attempt", attempt, "max", diskutilPollAttempts)
		select {
		case <-ctx.Done():
			return ierr.NewCancelledError(a.Tag())
		case <-time.After(diskutilPollInterval):
		}
	}
	return ierr.NewCommandError(a.Tag(), "diskutil info "+a.MountPoint, "", fmt.Errorf("volume did not mount within %v", diskutilPollInterval*diskutilPollAttempts))
}

func (a *CreateNixVolume) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)

	if err := a.EnableOwner.Revert(ctx); err != nil {
		return fmt.Errorf("disable ownership: %w", err)
	}
	if err := a.Kickstart.Revert(ctx); err != nil {
		return fmt.Errorf("kickstart revert: %w", err)
	}
	if err := a.Bootstrap.Revert(ctx); err != nil {
		return fmt.Errorf("bootout launchd service: %w", err)
	}
	if err := a.WritePlist.Revert(ctx); err != nil {
		return fmt.Errorf("remove launchd plist: %w", err)
	}
	if a.Encrypt != nil {
		if err := a.Encrypt.Revert(ctx); err != nil {
			return fmt.Errorf("decrypt apfs volume: %w", err)
		}
	}
	if err := a.Fstab.Revert(ctx); err != nil {
		return fmt.Errorf("remove fstab entry: %w", err)
	}
	if err := a.CreateVolume.Revert(ctx); err != nil {
		return fmt.Errorf("delete apfs volume: %w", err)
	}
	// UnmountStale is a no-op Revert unless it actually cleared a stale
	// mount during Execute, in which case that mount must be restored.
	if err := a.UnmountStale.Revert(ctx); err != nil {
		return fmt.Errorf("remount stale volume: %w", err)
	}
	if err := a.MakeSynthetic.Revert(ctx); err != nil {
		return fmt.Errorf("revert synthetic objects: %w", err)
	}
	if err := a.AppendSynthetic.Revert(ctx); err != nil {
		return fmt.Errorf("revert /etc/synthetic.conf: %w", err)
	}

	a.SetState(Uncompleted)
	return nil
}

func (a *CreateNixVolume) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.children())
	if err != nil {
		return nil, err
	}
	env := struct {
		childrenEnvelope
		MountPoint string `json:"mount_point"`
	}{childrenEnvelope{Children: raw}, a.MountPoint}
	return json.Marshal(env)
}
