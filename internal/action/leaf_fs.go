package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/log"
)

func init() {
	Register(tagCreateGroup, func(f json.RawMessage) (Action, error) {
		var a CreateGroup
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateUser, func(f json.RawMessage) (Action, error) {
		var a CreateUser
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateDirectory, func(f json.RawMessage) (Action, error) {
		var a CreateDirectory
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateFile, func(f json.RawMessage) (Action, error) {
		var a CreateFile
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateOrInsertIntoFile, func(f json.RawMessage) (Action, error) {
		var a CreateOrInsertIntoFile
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagCreateOrMergeNixConfig, func(f json.RawMessage) (Action, error) {
		var a CreateOrMergeNixConfig
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

const (
	tagCreateGroup            = "create_group"
	tagCreateUser             = "create_user"
	tagCreateDirectory        = "create_directory"
	tagCreateFile             = "create_file"
	tagCreateOrInsertIntoFile = "create_or_insert_into_file"
	tagCreateOrMergeNixConfig = "create_or_merge_nix_config"
)

// CreateGroup creates a system group. Reverted by deleting it. Planning
// detects an already-present group of the right GID and marks itself
// Skipped rather than failing, since a prior partial install may have
// already created it; a same-named group with a different GID fails
// planning outright.
type CreateGroup struct {
	Base
	Name string `json:"name"`
	GID  int    `json:"gid"`
}

func (a *CreateGroup) Tag() string { return tagCreateGroup }

// Plan probes the live system for a group named a.Name. If it already
// exists with the right GID, the action is marked Skipped so Execute
// becomes a no-op; if it exists with a different GID, planning fails
// rather than silently clobbering whatever owns that group.
func (a *CreateGroup) Plan() error {
	gid, found, err := probeGroup(context.Background(), a.Name)
	if err != nil {
		return ierr.NewPlanningError(fmt.Sprintf("probing for existing group %q", a.Name), err)
	}
	if !found {
		return nil
	}
	if gid != a.GID {
		return ierr.NewExpectedPlanningError(fmt.Sprintf(
			"group %q already exists with gid %d, which conflicts with the required gid %d", a.Name, gid, a.GID))
	}
	a.SetState(Skipped)
	return nil
}

func (a *CreateGroup) DescribeExecute() []Description {
	if isDone(a.State()) {
		return nil
	}
	return []Description{{
		Synopsis:  fmt.Sprintf("Create the group %q (gid %d)", a.Name, a.GID),
		Rationale: []string{"Nix build users belong to this group so the daemon can sandbox builds."},
	}}
}

func (a *CreateGroup) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove the group %q", a.Name)}}
}

func (a *CreateGroup) Execute(ctx context.Context) error {
	if isDone(a.State()) {
		return nil
	}
	a.SetState(Progress)
	var err error
	var out string
	switch runtime.GOOS {
	case "darwin":
		out, err = DefaultRunner.Run(ctx, "dseditgroup", "-o", "create", "-r", "Nix build group", "-i", fmt.Sprintf("%d", a.GID), a.Name)
	default:
		out, err = DefaultRunner.Run(ctx, "groupadd", "-g", fmt.Sprintf("%d", a.GID), "--system", a.Name)
	}
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "groupadd", out, err)
	}
	a.SetState(Completed)
	return nil
}

// Revert removes the group on Linux. On macOS it is a logged no-op: the
// secure token bound to the account that created the group may depend on
// it, and deleting groups out from under a logged-in session is a known
// way to lock that session out, so P3's round-trip property does not
// hold here by design.
func (a *CreateGroup) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	if a.State() == Skipped {
		// Planning found this group already on the host; we never created
		// it, so reverting must not delete it either.
		return nil
	}
	a.SetState(Progress)
	if runtime.GOOS == "darwin" {
		log.Default().Warn("skipping group deletion on macOS (secure token constraint)", "group", a.Name)
		a.SetState(Uncompleted)
		return nil
	}
	out, err := DefaultRunner.Run(ctx, "groupdel", a.Name)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "groupdel", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateGroup) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// probeGroup looks up an existing group named name, reporting its GID if
// found. A non-zero exit from the lookup command is treated as "not
// found" rather than an error, since that's how getent/dscl report a
// missing entry.
func probeGroup(ctx context.Context, name string) (gid int, found bool, err error) {
	switch runtime.GOOS {
	case "darwin":
		out, runErr := DefaultRunner.Run(ctx, "dscl", ".", "-read", "/Groups/"+name, "PrimaryGroupID")
		if runErr != nil {
			return 0, false, nil
		}
		gid, err = lastFieldInt(out)
		if err != nil {
			return 0, false, err
		}
		return gid, true, nil
	default:
		out, runErr := DefaultRunner.Run(ctx, "getent", "group", name)
		if runErr != nil {
			return 0, false, nil
		}
		fields := strings.Split(strings.TrimSpace(out), ":")
		if len(fields) < 3 {
			return 0, false, fmt.Errorf("unexpected getent group output: %q", out)
		}
		gid, err = strconv.Atoi(fields[2])
		if err != nil {
			return 0, false, fmt.Errorf("parsing getent group gid: %w", err)
		}
		return gid, true, nil
	}
}

// isDone reports whether s means the action's forward effect already
// holds, whether because this process completed it or because Plan
// found it already present on the host.
func isDone(s State) bool {
	return s == Completed || s == Skipped
}

// lastFieldInt parses the trailing whitespace-separated field of s as an
// int, the shape dscl -read prints a key's value in ("Key: value").
func lastFieldInt(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty dscl output")
	}
	return strconv.Atoi(fields[len(fields)-1])
}

// CreateUser creates a single Nix build user. macOS dscl/dseditgroup
// calls are not reentrant: the composite that owns a
// batch of CreateUser children (CreateUsersAndGroups) is responsible for
// serializing them on darwin and may run them concurrently elsewhere —
// CreateUser itself has no opinion on that and is safe to call from
// either dispatch.
type CreateUser struct {
	Base
	Name      string `json:"name"`
	UID       int    `json:"uid"`
	GID       int    `json:"gid"`
	Comment   string `json:"comment"`
	HomeDir   string `json:"home_dir"`
	NoLogin   bool   `json:"no_login"`
}

func (a *CreateUser) Tag() string { return tagCreateUser }

// Plan probes the live system for a user named a.Name. If it already
// exists with the right uid and gid, the action is marked Skipped; a
// mismatch on either fails planning instead of reaching useradd/dscl at
// execute time.
func (a *CreateUser) Plan() error {
	uid, gid, found, err := probeUser(context.Background(), a.Name)
	if err != nil {
		return ierr.NewPlanningError(fmt.Sprintf("probing for existing user %q", a.Name), err)
	}
	if !found {
		return nil
	}
	if uid != a.UID || gid != a.GID {
		return ierr.NewExpectedPlanningError(fmt.Sprintf(
			"user %q already exists with uid %d gid %d, which conflicts with the required uid %d gid %d",
			a.Name, uid, gid, a.UID, a.GID))
	}
	a.SetState(Skipped)
	return nil
}

func (a *CreateUser) DescribeExecute() []Description {
	if isDone(a.State()) {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Create the build user %q (uid %d)", a.Name, a.UID)}}
}

func (a *CreateUser) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove the build user %q", a.Name)}}
}

func (a *CreateUser) Execute(ctx context.Context) error {
	if isDone(a.State()) {
		return nil
	}
	a.SetState(Progress)
	var out string
	var err error
	shell := "/sbin/nologin"
	if !a.NoLogin {
		shell = "/bin/bash"
	}
	switch runtime.GOOS {
	case "darwin":
		out, err = createDarwinUser(ctx, a, shell)
	default:
		out, err = DefaultRunner.Run(ctx, "useradd",
			"--uid", fmt.Sprintf("%d", a.UID),
			"--gid", fmt.Sprintf("%d", a.GID),
			"--comment", a.Comment,
			"--home-dir", a.HomeDir,
			"--no-create-home",
			"--shell", shell,
			"--system",
			a.Name)
	}
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "useradd", out, err)
	}
	a.SetState(Completed)
	return nil
}

func createDarwinUser(ctx context.Context, a *CreateUser, shell string) (string, error) {
	path := "/Users/" + a.Name
	steps := [][]string{
		{"dscl", ".", "-create", path},
		{"dscl", ".", "-create", path, "UserShell", shell},
		{"dscl", ".", "-create", path, "RealName", a.Comment},
		{"dscl", ".", "-create", path, "UniqueID", fmt.Sprintf("%d", a.UID)},
		{"dscl", ".", "-create", path, "PrimaryGroupID", fmt.Sprintf("%d", a.GID)},
		{"dscl", ".", "-create", path, "NFSHomeDirectory", a.HomeDir},
	}
	var combined strings.Builder
	for _, step := range steps {
		out, err := DefaultRunner.Run(ctx, step[0], step[1:]...)
		combined.WriteString(out)
		if err != nil {
			return combined.String(), err
		}
	}
	return combined.String(), nil
}

// Revert removes the user on Linux. On macOS it is a logged no-op for
// the same secure-token reason as CreateGroup.Revert.
func (a *CreateUser) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	if a.State() == Skipped {
		return nil
	}
	a.SetState(Progress)
	if runtime.GOOS == "darwin" {
		log.Default().Warn("skipping user deletion on macOS (secure token constraint)", "user", a.Name)
		a.SetState(Uncompleted)
		return nil
	}
	out, err := DefaultRunner.Run(ctx, "userdel", a.Name)
	if err != nil {
		return ierr.NewCommandError(a.Tag(), "userdel", out, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateUser) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// probeUser looks up an existing user named name, reporting its uid and
// gid if found. A non-zero exit from the lookup command is treated as
// "not found" rather than an error.
func probeUser(ctx context.Context, name string) (uid, gid int, found bool, err error) {
	switch runtime.GOOS {
	case "darwin":
		uidOut, runErr := DefaultRunner.Run(ctx, "dscl", ".", "-read", "/Users/"+name, "UniqueID")
		if runErr != nil {
			return 0, 0, false, nil
		}
		gidOut, runErr := DefaultRunner.Run(ctx, "dscl", ".", "-read", "/Users/"+name, "PrimaryGroupID")
		if runErr != nil {
			return 0, 0, false, nil
		}
		uid, err = lastFieldInt(uidOut)
		if err != nil {
			return 0, 0, false, err
		}
		gid, err = lastFieldInt(gidOut)
		if err != nil {
			return 0, 0, false, err
		}
		return uid, gid, true, nil
	default:
		out, runErr := DefaultRunner.Run(ctx, "getent", "passwd", name)
		if runErr != nil {
			return 0, 0, false, nil
		}
		fields := strings.Split(strings.TrimSpace(out), ":")
		if len(fields) < 4 {
			return 0, 0, false, fmt.Errorf("unexpected getent passwd output: %q", out)
		}
		uid, err = strconv.Atoi(fields[2])
		if err != nil {
			return 0, 0, false, fmt.Errorf("parsing getent passwd uid: %w", err)
		}
		gid, err = strconv.Atoi(fields[3])
		if err != nil {
			return 0, 0, false, fmt.Errorf("parsing getent passwd gid: %w", err)
		}
		return uid, gid, true, nil
	}
}

// CreateDirectory creates a directory (and any missing parents) with the
// given mode and, if set, owner/group. Reverted by removing the leaf
// directory only — parents created incidentally by MkdirAll are left in
// place, since other actions or the preexisting filesystem may depend on
// them. Planning detects an already-correct directory and marks itself
// Skipped; a path that exists with the wrong type or mode fails planning
// unless Force is set, in which case Execute is left to fix it up.
type CreateDirectory struct {
	Base
	Path  string      `json:"path"`
	Owner string      `json:"owner,omitempty"`
	Group string      `json:"group,omitempty"`
	Mode  os.FileMode `json:"mode"`
	Force bool        `json:"force,omitempty"`

	created bool
}

func (a *CreateDirectory) Tag() string { return tagCreateDirectory }

// Plan stats Path. A directory already present with matching mode (and
// owner/group, when requested) is marked Skipped. A path occupied by
// something else, or with a mismatched mode, fails planning unless Force
// is set.
func (a *CreateDirectory) Plan() error {
	info, err := os.Stat(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ierr.NewPlanningError(fmt.Sprintf("statting %s", a.Path), err)
	}
	if !info.IsDir() {
		if a.Force {
			return nil
		}
		return ierr.NewExpectedPlanningError(fmt.Sprintf("%s already exists and is not a directory", a.Path))
	}
	if info.Mode().Perm() != a.Mode.Perm() {
		if a.Force {
			return nil
		}
		return ierr.NewExpectedPlanningError(fmt.Sprintf(
			"%s already exists with mode %s, which conflicts with the required mode %s", a.Path, info.Mode().Perm(), a.Mode.Perm()))
	}
	if ok, err := ownerMatches(a.Path, a.Owner, a.Group); err != nil {
		return ierr.NewPlanningError(fmt.Sprintf("checking owner of %s", a.Path), err)
	} else if !ok {
		if a.Force {
			return nil
		}
		return ierr.NewExpectedPlanningError(fmt.Sprintf("%s already exists with a different owner/group", a.Path))
	}
	a.SetState(Skipped)
	return nil
}

func (a *CreateDirectory) DescribeExecute() []Description {
	if isDone(a.State()) {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Create directory %s", a.Path)}}
}

func (a *CreateDirectory) DescribeRevert() []Description {
	if a.State() == Uncompleted || a.State() == Skipped {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove directory %s", a.Path)}}
}

func (a *CreateDirectory) Execute(ctx context.Context) error {
	if isDone(a.State()) {
		return nil
	}
	a.SetState(Progress)
	if _, err := os.Stat(a.Path); os.IsNotExist(err) {
		a.created = true
	}
	if err := os.MkdirAll(a.Path, a.Mode); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	if err := os.Chmod(a.Path, a.Mode); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	if err := chownPath(a.Path, a.Owner, a.Group); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateDirectory) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	if a.State() == Skipped {
		return nil
	}
	a.SetState(Progress)
	err := os.Remove(a.Path)
	if err != nil && !os.IsNotExist(err) {
		if isNotEmpty(err) {
			if a.created {
				err = os.RemoveAll(a.Path)
			} else {
				return ierr.NewIOError(a.Tag(), a.Path, fmt.Errorf("directory is not empty and was not created by this action: %w", err))
			}
		}
		if err != nil && !os.IsNotExist(err) {
			return ierr.NewIOError(a.Tag(), a.Path, err)
		}
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateDirectory) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// CreateFile writes Contents to Path, failing planning if the file
// already exists unless Force is set. Reverted by deleting the file
// outright.
type CreateFile struct {
	Base
	Path     string      `json:"path"`
	Owner    string      `json:"owner,omitempty"`
	Group    string      `json:"group,omitempty"`
	Contents string      `json:"contents"`
	Mode     os.FileMode `json:"mode"`
	Force    bool        `json:"force,omitempty"`
}

func (a *CreateFile) Tag() string { return tagCreateFile }

// Plan fails if Path already exists and Force is not set.
func (a *CreateFile) Plan() error {
	if a.Force {
		return nil
	}
	if _, err := os.Stat(a.Path); err == nil {
		return ierr.NewExpectedPlanningError(fmt.Sprintf("%s already exists and force is not set", a.Path))
	} else if !os.IsNotExist(err) {
		return ierr.NewPlanningError(fmt.Sprintf("statting %s", a.Path), err)
	}
	return nil
}

func (a *CreateFile) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Write %s", a.Path)}}
}

func (a *CreateFile) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove %s", a.Path)}}
}

func (a *CreateFile) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	if err := atomicWriteFile(a.Path, []byte(a.Contents), a.Mode); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	if err := chownPath(a.Path, a.Owner, a.Group); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateFile) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateFile) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// CreateOrInsertIntoFile appends Contents to Path unless Contents already
// appears anywhere in the file (a substring match, not a whole-line
// match), creating the file first if missing.
// Reverted by removing exactly the inserted line(s), or the whole file
// if this action created it.
type CreateOrInsertIntoFile struct {
	Base
	Path       string      `json:"path"`
	Contents   string      `json:"contents"`
	Mode       os.FileMode `json:"mode"`
	createdNew bool
}

func (a *CreateOrInsertIntoFile) Tag() string { return tagCreateOrInsertIntoFile }

func (a *CreateOrInsertIntoFile) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Append configuration to %s", a.Path)}}
}

func (a *CreateOrInsertIntoFile) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove inserted configuration from %s", a.Path)}}
}

func (a *CreateOrInsertIntoFile) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	existing, err := os.ReadFile(a.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return ierr.NewIOError(a.Tag(), a.Path, err)
		}
		a.createdNew = true
		existing = nil
	}
	if strings.Contains(string(existing), a.Contents) {
		a.SetState(Completed)
		return nil
	}
	updated := string(existing)
	if len(updated) > 0 && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += a.Contents
	if !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	if err := atomicWriteFile(a.Path, []byte(updated), a.Mode); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateOrInsertIntoFile) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	if a.createdNew {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			return ierr.NewIOError(a.Tag(), a.Path, err)
		}
		a.SetState(Uncompleted)
		return nil
	}
	existing, err := os.ReadFile(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			a.SetState(Uncompleted)
			return nil
		}
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	updated := strings.Replace(string(existing), a.Contents+"\n", "", 1)
	updated = strings.Replace(updated, a.Contents, "", 1)
	if err := atomicWriteFile(a.Path, []byte(updated), a.Mode); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateOrInsertIntoFile) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// atomicWriteFile writes data to a sibling temp file in the same
// directory as path, fsyncs it, chmods it to mode, then renames it into
// place so readers never observe a partially-written file.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// chownPath applies owner and/or group to path via os.Chown, resolving
// each name through os/user. Either may be empty, in which case that
// half of the ownership is left alone (-1).
func chownPath(path, owner, group string) error {
	if owner == "" && group == "" {
		return nil
	}
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("looking up user %q: %w", owner, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("looking up group %q: %w", group, err)
		}
		var err2 error
		gid, err2 = strconv.Atoi(g.Gid)
		if err2 != nil {
			return err2
		}
	}
	return os.Chown(path, uid, gid)
}

// ownerMatches reports whether path's current owner/group already match
// the requested owner/group names. An empty name is always considered a
// match for that half (not requested).
func ownerMatches(path, owner, group string) (bool, error) {
	if owner == "" && group == "" {
		return true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return false, err
		}
		if strconv.FormatUint(uint64(sys.Uid), 10) != u.Uid {
			return false, nil
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return false, err
		}
		if strconv.FormatUint(uint64(sys.Gid), 10) != g.Gid {
			return false, nil
		}
	}
	return true, nil
}

// isNotEmpty reports whether err represents an "ENOTEMPTY"-class
// directory-not-empty failure from os.Remove.
func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}

// CreateOrMergeNixConfig writes /etc/nix/nix.conf, merging Settings into
// any pre-existing file. Keys in mergeableKeys are unioned (e.g.
// experimental-features accumulates flags instead of overwriting);
// planning fails with an UnmergeableConfig PlanningError if a
// non-mergeable key already has a conflicting value.
type CreateOrMergeNixConfig struct {
	Base
	Path     string            `json:"path"`
	Settings map[string]string `json:"settings"`
}

var mergeableKeys = map[string]bool{
	"experimental-features": true,
}

func (a *CreateOrMergeNixConfig) Tag() string { return tagCreateOrMergeNixConfig }

func (a *CreateOrMergeNixConfig) DescribeExecute() []Description {
	if isDone(a.State()) {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Write %s", a.Path)}}
}

func (a *CreateOrMergeNixConfig) DescribeRevert() []Description {
	if a.State() == Uncompleted || a.State() == Skipped {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove %s", a.Path)}}
}

// Plan validates the merge is possible ahead of execution, returning an
// Expected PlanningError for UnmergeableConfig. If every requested
// setting is already satisfied by the existing file, the action is
// marked Skipped so Execute becomes a no-op.
func (a *CreateOrMergeNixConfig) Plan() error {
	existing, err := parseNixConfig(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ierr.NewPlanningError("reading existing nix.conf", err)
	}
	contributes := false
	for key, want := range a.Settings {
		have, ok := existing[key]
		if mergeableKeys[key] {
			if !ok || !tokensSubset(strings.Fields(want), strings.Fields(have)) {
				contributes = true
			}
			continue
		}
		if ok && have != want {
			return ierr.NewExpectedPlanningError(fmt.Sprintf(
				"/etc/nix/nix.conf already sets %q=%q, which conflicts with the required value %q and cannot be merged",
				key, have, want))
		}
		if !ok {
			contributes = true
		}
	}
	if !contributes {
		a.SetState(Skipped)
	}
	return nil
}

// tokensSubset reports whether every token in want already appears in have.
func tokensSubset(want, have []string) bool {
	haveSet := make(map[string]bool, len(have))
	for _, v := range have {
		haveSet[v] = true
	}
	for _, v := range want {
		if !haveSet[v] {
			return false
		}
	}
	return true
}

func (a *CreateOrMergeNixConfig) Execute(ctx context.Context) error {
	if isDone(a.State()) {
		return nil
	}
	a.SetState(Progress)
	parsed, err := parseNixConfig(a.Path)
	if err != nil && !os.IsNotExist(err) {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	if parsed == nil {
		parsed = map[string]string{}
	}
	for key, value := range a.Settings {
		if mergeableKeys[key] {
			parsed[key] = mergeValues(parsed[key], value)
		} else {
			parsed[key] = value
		}
	}
	if err := writeNixConfig(a.Path, parsed); err != nil {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateOrMergeNixConfig) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	if a.State() == Skipped {
		// Planning found every requested setting already satisfied; we
		// never wrote the file, so reverting must not touch it either.
		return nil
	}
	a.SetState(Progress)
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return ierr.NewIOError(a.Tag(), a.Path, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateOrMergeNixConfig) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// mergeValues unions the whitespace-separated tokens of want and
// existing, de-duplicating while preserving pending-first order: want's
// tokens (the value this install is asking for) come first, followed by
// any of existing's tokens not already among them.
func mergeValues(existing, want string) string {
	seen := map[string]bool{}
	var values []string
	for _, v := range strings.Fields(want) {
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	for _, v := range strings.Fields(existing) {
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	return strings.Join(values, " ")
}

func parseNixConfig(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	result := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return result, nil
}

func writeNixConfig(path string, settings map[string]string) error {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("# Generated by nix-installer-core; changes here will be overwritten\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, settings[k])
	}
	return atomicWriteFile(path, []byte(b.String()), 0644)
}
