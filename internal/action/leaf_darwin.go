package action

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nixcore/installer/internal/ierr"
)

func init() {
	Register(tagCreateApfsVolume, func(f json.RawMessage) (Action, error) {
		var a CreateApfsVolume
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagUnmountApfsVolume, func(f json.RawMessage) (Action, error) {
		var a UnmountApfsVolume
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagEncryptApfsVolume, func(f json.RawMessage) (Action, error) {
		var a EncryptApfsVolume
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateSyntheticObjects, func(f json.RawMessage) (Action, error) {
		var a CreateSyntheticObjects
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateFstabEntry, func(f json.RawMessage) (Action, error) {
		var a CreateFstabEntry
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagBootstrapLaunchctlService, func(f json.RawMessage) (Action, error) {
		var a BootstrapLaunchctlService
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagKickstartLaunchctlService, func(f json.RawMessage) (Action, error) {
		var a KickstartLaunchctlService
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagEnableOwnership, func(f json.RawMessage) (Action, error) {
		var a EnableOwnership
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

const (
	tagCreateApfsVolume          = "create_apfs_volume"
	tagUnmountApfsVolume         = "unmount_apfs_volume"
	tagEncryptApfsVolume         = "encrypt_apfs_volume"
	tagCreateSyntheticObjects    = "create_synthetic_objects"
	tagCreateFstabEntry          = "create_fstab_entry"
	tagBootstrapLaunchctlService = "bootstrap_launchctl_service"
	tagKickstartLaunchctlService = "kickstart_launchctl_service"
	tagEnableOwnership           = "enable_ownership"
)

// CreateApfsVolume creates a new APFS volume named Name on DiskID,
// mounted at MountPoint. Reverted with `diskutil apfs deleteVolume`.
type CreateApfsVolume struct {
	Base
	DiskID        string `json:"disk_id"`
	Name          string `json:"name"`
	MountPoint    string `json:"mount_point"`
	CaseSensitive bool   `json:"case_sensitive"`
}

func (a *CreateApfsVolume) volumeFormat() string {
	if a.CaseSensitive {
		return "Case-sensitive APFS"
	}
	return "APFS"
}

func (a *CreateApfsVolume) Tag() string { return tagCreateApfsVolume }

func (a *CreateApfsVolume) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Create the APFS volume %q on %s", a.Name, a.DiskID)}}
}

func (a *CreateApfsVolume) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Delete the APFS volume %q", a.Name)}}
}

func (a *CreateApfsVolume) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "apfs", "addVolume", a.DiskID, a.volumeFormat(), a.Name, "-mountpoint", a.MountPoint)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil apfs addVolume", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateApfsVolume) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "apfs", "deleteVolume", a.Name)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil apfs deleteVolume", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateApfsVolume) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// UnmountApfsVolume unmounts MountPoint. It is used best-effort
// (failure ignored) immediately before CreateApfsVolume, to
// clear a stale mount left by a prior partial install; invoked directly
// as an Action it behaves normally (failure propagates).
type UnmountApfsVolume struct {
	Base
	MountPoint string `json:"mount_point"`
}

func (a *UnmountApfsVolume) Tag() string { return tagUnmountApfsVolume }

func (a *UnmountApfsVolume) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Unmount %s", a.MountPoint)}}
}

func (a *UnmountApfsVolume) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remount %s", a.MountPoint)}}
}

func (a *UnmountApfsVolume) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "unmount", "force", a.MountPoint)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil unmount", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *UnmountApfsVolume) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "mount", a.MountPoint)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil mount", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *UnmountApfsVolume) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// EncryptApfsVolume enables FileVault-style encryption on an APFS
// volume. It generates the passphrase in-process, stores it in the System
// keychain via security(1), and passes it to `diskutil apfs
// encryptVolume`. Optional per Settings' VolumeEncrypt flag.
type EncryptApfsVolume struct {
	Base
	VolumeName string `json:"volume_name"`
}

func (a *EncryptApfsVolume) Tag() string { return tagEncryptApfsVolume }

func (a *EncryptApfsVolume) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Enable encryption on volume %q", a.VolumeName)}}
}

func (a *EncryptApfsVolume) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Disable encryption on volume %q", a.VolumeName)}}
}

func (a *EncryptApfsVolume) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	passphrase, err := generatePassphrase()
	if err != nil {
		return ierr.NewIOError(a.Tag(), a.VolumeName, err)
	}
	addOut, err := DefaultRunner.Run(ctx, "security", "add-generic-password", "-a", a.VolumeName, "-s", a.VolumeName, "-w", passphrase, "/Library/Keychains/System.keychain")
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "security add-generic-password", addOut, err)
	}
	out, err := DefaultRunner.Run(ctx, "diskutil", "apfs", "encryptVolume", a.VolumeName, "-user", "disk", "-passphrase", passphrase)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil apfs encryptVolume", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *EncryptApfsVolume) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "apfs", "decryptVolume", a.VolumeName)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil apfs decryptVolume", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *EncryptApfsVolume) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// CreateSyntheticObjects refreshes synthetic mountpoints from
// /etc/synthetic.conf (`diskutil apfs updatePreboot` on newer macOS
// runs this implicitly, but the direct command stays explicit here as
// its own testable step).
type CreateSyntheticObjects struct {
	Base
}

func (a *CreateSyntheticObjects) Tag() string { return tagCreateSyntheticObjects }

func (a *CreateSyntheticObjects) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Create synthetic mount points from /etc/synthetic.conf"}}
}

func (a *CreateSyntheticObjects) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Synthetic mount points remain until next reboot"}}
}

func (a *CreateSyntheticObjects) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "/System/Library/Filesystems/apfs.fs/Contents/Resources/apfs.util", "-t")
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "apfs.util -t", out, err)
	}
	a.SetState(Completed)
	return nil
}

// Revert is a no-op: synthetic.conf entries are removed by the action
// that appended them (CreateOrInsertIntoFile), and the kernel only
// re-reads synthetic.conf at boot, so there is nothing to undo here
// before the next reboot.
func (a *CreateSyntheticObjects) Revert(ctx context.Context) error {
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateSyntheticObjects) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// CreateFstabEntry appends an fstab line mounting Device at MountPoint
// with Options. Editing via `/usr/sbin/vifs` would require a TTY, so
// this instead writes a fresh /etc/fstab through a temp file and atomic
// rename. Revert removes that line from the current /etc/fstab.
type CreateFstabEntry struct {
	Base
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	FSType     string `json:"fs_type"`
	Options    string `json:"options"`
	original   string
}

func (a *CreateFstabEntry) Tag() string { return tagCreateFstabEntry }

func (a *CreateFstabEntry) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Add an /etc/fstab entry mounting %s at %s", a.Device, a.MountPoint)}}
}

func (a *CreateFstabEntry) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Remove the /etc/fstab entry"}}
}

func (a *CreateFstabEntry) line() string {
	return fmt.Sprintf("%s %s %s %s 0 0", a.Device, a.MountPoint, a.FSType, a.Options)
}

func (a *CreateFstabEntry) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	existing, _ := os.ReadFile("/etc/fstab")
	a.original = string(existing)
	if strings.Contains(a.original, a.line()) {
		a.SetState(Completed)
		return nil
	}
	updated := a.original
	if len(updated) > 0 && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += a.line() + "\n"
	if err := atomicWriteFile("/etc/fstab", []byte(updated), 0644); err != nil {
		return ierr.NewIOError(a.Tag(), "/etc/fstab", err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateFstabEntry) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	existing, err := os.ReadFile("/etc/fstab")
	if err != nil {
		if os.IsNotExist(err) {
			a.SetState(Uncompleted)
			return nil
		}
		return ierr.NewIOError(a.Tag(), "/etc/fstab", err)
	}
	updated := strings.Replace(string(existing), a.line()+"\n", "", 1)
	if err := atomicWriteFile("/etc/fstab", []byte(updated), 0644); err != nil {
		return ierr.NewIOError(a.Tag(), "/etc/fstab", err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateFstabEntry) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// BootstrapLaunchctlService loads PlistPath into Domain via `launchctl
// bootstrap`. Reverted via `launchctl bootout`.
type BootstrapLaunchctlService struct {
	Base
	Domain    string `json:"domain"`
	PlistPath string `json:"plist_path"`
}

func (a *BootstrapLaunchctlService) Tag() string { return tagBootstrapLaunchctlService }

func (a *BootstrapLaunchctlService) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Register the launchd service at %s", a.PlistPath)}}
}

func (a *BootstrapLaunchctlService) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Unregister the launchd service at %s", a.PlistPath)}}
}

func (a *BootstrapLaunchctlService) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "launchctl", "bootstrap", a.Domain, a.PlistPath)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "launchctl bootstrap", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *BootstrapLaunchctlService) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "launchctl", "bootout", a.Domain, a.PlistPath)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "launchctl bootout", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *BootstrapLaunchctlService) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// KickstartLaunchctlService starts ServiceTarget immediately via
// `launchctl kickstart`. Reverting is a no-op: the service's lifecycle
// is owned by BootstrapLaunchctlService, which already tears it down.
type KickstartLaunchctlService struct {
	Base
	ServiceTarget string `json:"service_target"`
}

func (a *KickstartLaunchctlService) Tag() string { return tagKickstartLaunchctlService }

func (a *KickstartLaunchctlService) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Start %s", a.ServiceTarget)}}
}

func (a *KickstartLaunchctlService) DescribeRevert() []Description { return nil }

func (a *KickstartLaunchctlService) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "launchctl", "kickstart", "-k", a.ServiceTarget)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "launchctl kickstart", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *KickstartLaunchctlService) Revert(ctx context.Context) error {
	a.SetState(Uncompleted)
	return nil
}

func (a *KickstartLaunchctlService) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// EnableOwnership enables "ignore ownership" off on MountPoint —
// i.e. flips GlobalPermissionsEnabled back on — via `diskutil
// enableOwnership`, but only when the volume's current plist reports
// GlobalPermissionsEnabled=false; skipped otherwise since the setting
// already holds.
type EnableOwnership struct {
	Base
	MountPoint string `json:"mount_point"`
}

func (a *EnableOwnership) Tag() string { return tagEnableOwnership }

func (a *EnableOwnership) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Enable ownership on %s", a.MountPoint)}}
}

func (a *EnableOwnership) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Disable ownership on %s", a.MountPoint)}}
}

func (a *EnableOwnership) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	plist, _ := DefaultRunner.Run(ctx, "diskutil", "info", "-plist", a.MountPoint)
	if strings.Contains(plist, "<key>GlobalPermissionsEnabled</key>") && strings.Contains(plist, "<false/>") {
		out, err := DefaultRunner.Run(ctx, "diskutil", "enableOwnership", a.MountPoint)
		if err != nil {
			return ierr.NewCommandError(a.Tag(), "diskutil enableOwnership", out, err)
		}
	}
	a.SetState(Completed)
	return nil
}

func (a *EnableOwnership) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	out, err := DefaultRunner.Run(ctx, "diskutil", "disableOwnership", a.MountPoint)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "diskutil disableOwnership", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *EnableOwnership) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

func generatePassphrase() (string, error) {
	out, err := DefaultRunner.Run(context.Background(), "/usr/bin/openssl", "rand", "-base64", "32")
	if err != nil {
		return "", err
	}
	passphrase := strings.TrimSpace(out)
	if passphrase == "" {
		return "", fmt.Errorf("empty passphrase generated")
	}
	return passphrase, nil
}
