package action

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nixcore/installer/internal/ierr"
)

func init() {
	Register(tagStartSystemdUnit, func(f json.RawMessage) (Action, error) {
		var a StartSystemdUnit
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateSystemdSysext, func(f json.RawMessage) (Action, error) {
		var a CreateSystemdSysext
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

const (
	tagStartSystemdUnit     = "start_systemd_unit"
	tagCreateSystemdSysext  = "create_systemd_sysext"
)

// StartSystemdUnit enables and starts a systemd unit (the nix-daemon
// socket/service). Reverted by stopping and disabling it.
type StartSystemdUnit struct {
	Base
	UnitName string `json:"unit_name"`
}

func (a *StartSystemdUnit) Tag() string { return tagStartSystemdUnit }

func (a *StartSystemdUnit) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Enable and start %s", a.UnitName)}}
}

func (a *StartSystemdUnit) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Stop and disable %s", a.UnitName)}}
}

func (a *StartSystemdUnit) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	if out, err := DefaultRunner.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return ierr.NewCommandError(a.Tag(), "systemctl daemon-reload", out, err)
	}
	if out, err := DefaultRunner.Run(ctx, "systemctl", "enable", "--now", a.UnitName); err != nil {
		return ierr.NewCommandError(a.Tag(), "systemctl enable --now", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *StartSystemdUnit) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	if out, err := DefaultRunner.Run(ctx, "systemctl", "disable", "--now", a.UnitName); err != nil {
		return ierr.NewCommandError(a.Tag(), "systemctl disable --now", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *StartSystemdUnit) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// CreateSystemdSysext links SourceDir into ExtensionsDir/Name as a
// systemd-sysext extension (a symlink) and refreshes the merged view via
// `systemd-sysext merge`. Used on immutable-root hosts (SteamDeck
// planner) where /nix cannot be created directly on the root
// filesystem. Reverted by removing the extension and refreshing again.
type CreateSystemdSysext struct {
	Base
	ExtensionsDir string `json:"extensions_dir"`
	Name          string `json:"name"`
	SourceDir     string `json:"source_dir"`
}

func (a *CreateSystemdSysext) Tag() string { return tagCreateSystemdSysext }

func (a *CreateSystemdSysext) extensionPath() string {
	return filepath.Join(a.ExtensionsDir, a.Name)
}

func (a *CreateSystemdSysext) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{
		Synopsis:  fmt.Sprintf("Register the %q systemd-sysext extension", a.Name),
		Rationale: []string{"The read-only root filesystem needs a sysext overlay to expose /nix."},
	}}
}

func (a *CreateSystemdSysext) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Unregister the %q systemd-sysext extension", a.Name)}}
}

func (a *CreateSystemdSysext) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	if err := os.Symlink(a.SourceDir, a.extensionPath()); err != nil && !os.IsExist(err) {
		return ierr.NewIOError(a.Tag(), a.extensionPath(), err)
	}
	if out, err := DefaultRunner.Run(ctx, "systemd-sysext", "merge"); err != nil {
		return ierr.NewCommandError(a.Tag(), "systemd-sysext merge", out, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateSystemdSysext) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	if err := os.Remove(a.extensionPath()); err != nil && !os.IsNotExist(err) {
		return ierr.NewIOError(a.Tag(), a.extensionPath(), err)
	}
	if out, err := DefaultRunner.Run(ctx, "systemd-sysext", "merge"); err != nil {
		return ierr.NewCommandError(a.Tag(), "systemd-sysext merge", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateSystemdSysext) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }
