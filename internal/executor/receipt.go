package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/unix"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/buildinfo"
	"github.com/nixcore/installer/internal/ierr"
)

// receiptFormatVersion is the Receipt schema version. Bumped only for
// breaking wire-shape changes; new optional fields don't need a bump.
const receiptFormatVersion = 1

// Receipt is the on-disk snapshot of a Plan's action tree and states,
// persisted to /nix/receipt.json so `install` can resume an interrupted
// run and `uninstall`/`repair` can drive the same tree in reverse.
type Receipt struct {
	FormatVersion int             `json:"format_version"`
	Version       string          `json:"installer_version"`
	PlannerTag    string          `json:"planner_tag"`
	PlannerSettings json.RawMessage `json:"planner_settings"`
	Root          json.RawMessage `json:"root_action"`
}

// fileLock wraps golang.org/x/sys/unix.Flock for the receipt's
// single-writer discipline: WriteReceipt holds an exclusive lock on a
// sibling .lock file for the duration of each write so two concurrent
// writers can't interleave. Reading the receipt takes no lock.
type fileLock struct {
	f *os.File
}

func lockExclusive(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error {
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// WriteReceipt atomically persists plan to path: marshal, write to a
// sibling temp file, then rename over the destination, so a crash never
// leaves a half-written receipt.
func WriteReceipt(path string, plan *Plan) error {
	lock, err := lockExclusive(path + ".lock")
	if err != nil {
		return ierr.NewReceiptError("write", path, err)
	}
	defer lock.Unlock()

	root, err := action.Marshal(plan.Root)
	if err != nil {
		return ierr.NewReceiptError("serialize", path, err)
	}
	settings, err := json.Marshal(plan.PlannerSettings)
	if err != nil {
		return ierr.NewReceiptError("serialize", path, err)
	}
	receipt := Receipt{
		FormatVersion:   receiptFormatVersion,
		Version:         buildinfo.Version(),
		PlannerTag:      plan.PlannerTag,
		PlannerSettings: settings,
		Root:            root,
	}
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return ierr.NewReceiptError("serialize", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ierr.NewReceiptError("write", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ierr.NewReceiptError("write", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ierr.NewReceiptError("write", path, err)
	}
	return nil
}

// ReadReceipt loads and reconstructs the Plan persisted at path. A
// receipt written by an older installer version is always loadable by a
// newer-or-equal one (forward compatibility); a receipt claiming a newer
// version than this binary is rejected.
func ReadReceipt(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ierr.NewReceiptError("read", path, err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, ierr.NewReceiptError("parse", path, err)
	}
	if err := checkVersionCompat(receipt.Version); err != nil {
		return nil, ierr.NewReceiptError("parse", path, err)
	}
	root, err := action.Unmarshal(receipt.Root)
	if err != nil {
		return nil, ierr.NewReceiptError("parse", path, err)
	}
	return &Plan{
		PlannerTag:      receipt.PlannerTag,
		PlannerSettings: receipt.PlannerSettings,
		Root:            root,
	}, nil
}

// checkVersionCompat rejects a receipt written by a strictly newer
// installer version than the running binary, since it may carry action
// fields this binary's registry doesn't know how to interpret. Older or
// equal receipts are always accepted.
func checkVersionCompat(receiptVersion string) error {
	current, err := semver.NewVersion(buildinfo.Version())
	if err != nil {
		// Dev builds carry a non-semver "dev-<hash>" version; skip the check.
		return nil
	}
	written, err := semver.NewVersion(receiptVersion)
	if err != nil {
		return nil
	}
	if written.GreaterThan(current) {
		return fmt.Errorf("receipt was written by installer version %s, newer than the running %s", receiptVersion, current)
	}
	return nil
}
