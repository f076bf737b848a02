package action

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nixcore/installer/internal/testutil"
)

// scriptProbeGroup arranges fake lets for a group lookup on the
// current GOOS's probe command, matching probeGroup's dispatch.
func scriptProbeGroup(r *FakeRunner, name string, gid int, found bool) {
	if runtime.GOOS == "darwin" {
		if found {
			r.Script(fmt.Sprintf("PrimaryGroupID: %d", gid), nil, "dscl", ".", "-read", "/Groups/"+name, "PrimaryGroupID")
		} else {
			r.Script("", errTestNotFound, "dscl", ".", "-read", "/Groups/"+name, "PrimaryGroupID")
		}
		return
	}
	if found {
		r.Script(fmt.Sprintf("%s:x:%d:", name, gid), nil, "getent", "group", name)
	} else {
		r.Script("", errTestNotFound, "getent", "group", name)
	}
}

var errTestNotFound = fmt.Errorf("not found")

func TestCreateDirectoryExecuteAndRevert(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "sub", "leaf")
	a := &CreateDirectory{Path: path, Mode: 0755}

	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileExists(t, path)
	if a.State() != Completed {
		t.Errorf("State() = %q, want %q", a.State(), Completed)
	}

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileNotExists(t, path)
	if a.State() != Uncompleted {
		t.Errorf("State() = %q, want %q", a.State(), Uncompleted)
	}
}

func TestCreateDirectoryExecuteIsIdempotent(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	a := &CreateDirectory{Path: dir, Mode: 0755}
	a.SetState(Completed)
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() on an already-Completed action returned error = %v", err)
	}
}

func TestCreateDirectoryPlanSkipsWhenAlreadyPresent(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "sub")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatalf("os.Mkdir() error = %v", err)
	}

	a := &CreateDirectory{Path: path, Mode: 0755}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if a.State() != Skipped {
		t.Fatalf("State() = %v, want Skipped", a.State())
	}
	if got := a.DescribeExecute(); got != nil {
		t.Errorf("DescribeExecute() = %v, want nil once Skipped", got)
	}
	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileExists(t, path)
}

func TestCreateDirectoryPlanRejectsModeMismatchWithoutForce(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "sub")
	if err := os.Mkdir(path, 0700); err != nil {
		t.Fatalf("os.Mkdir() error = %v", err)
	}

	a := &CreateDirectory{Path: path, Mode: 0755}
	if err := a.Plan(); err == nil {
		t.Fatal("Plan() error = nil, want a mode-mismatch error")
	}
}

func TestCreateFileWritesContents(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "file.conf")
	a := &CreateFile{Path: path, Contents: "hello = world\n", Mode: 0644}

	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "hello = world")

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileNotExists(t, path)
}

func TestCreateFileRefusesConflictingContentsWithoutForce(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "file.conf")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateFile{Path: path, Contents: "different"}
	err := a.Plan()
	if err == nil {
		t.Fatal("Plan() error = nil, want an error for an existing file without Force")
	}
}

func TestCreateFileForceOverwritesConflictingContents(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "file.conf")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateFile{Path: path, Contents: "replacement", Force: true, Mode: 0644}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "replacement")
}

func TestCreateOrInsertIntoFileCreatesMissingFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "profile")
	a := &CreateOrInsertIntoFile{Path: path, Contents: "export NIX_PATH=x", Mode: 0644}

	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "export NIX_PATH=x")

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileNotExists(t, path)
}

func TestCreateOrInsertIntoFileAppendsToExisting(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "profile")
	if err := os.WriteFile(path, []byte("# existing profile\n"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrInsertIntoFile{Path: path, Contents: "export NIX_PATH=x", Mode: 0644}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "# existing profile")
	testutil.AssertFileContains(t, path, "export NIX_PATH=x")

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "# existing profile")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(data) != "# existing profile\n" {
		t.Errorf("Revert() left contents %q, want %q", data, "# existing profile\n")
	}
}

func TestCreateOrInsertIntoFileSkipsDuplicateLine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "profile")
	line := "export NIX_PATH=x"
	if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrInsertIntoFile{Path: path, Contents: line, Mode: 0644}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(data) != line+"\n" {
		t.Errorf("Execute() duplicated the line: got %q", data)
	}
}

func TestCreateOrMergeNixConfigWritesNewFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	a := &CreateOrMergeNixConfig{Path: path, Settings: map[string]string{"build-users-group": "nixbld"}}

	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "build-users-group = nixbld")

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileNotExists(t, path)
}

func TestCreateOrMergeNixConfigMergesExperimentalFeatures(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	if err := os.WriteFile(path, []byte("experimental-features = ca-derivations\n"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrMergeNixConfig{Path: path, Settings: map[string]string{"experimental-features": "nix-command flakes"}}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "ca-derivations")
	testutil.AssertFileContains(t, path, "nix-command")
	testutil.AssertFileContains(t, path, "flakes")

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	testutil.AssertFileNotExists(t, path)
}

func TestCreateOrMergeNixConfigPlanRejectsUnmergeableConflict(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	if err := os.WriteFile(path, []byte("build-users-group = someoneelse\n"), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrMergeNixConfig{Path: path, Settings: map[string]string{"build-users-group": "nixbld"}}
	if err := a.Plan(); err == nil {
		t.Fatal("Plan() error = nil, want an UnmergeableConfig error")
	}
}

func TestCreateOrMergeNixConfigExecuteUnchangedOnPlanRejection(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	original := "experimental-features = flakes\nwarn-dirty = true\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrMergeNixConfig{Path: path, Settings: map[string]string{"warn-dirty": "false"}}
	if err := a.Plan(); err == nil {
		t.Fatal("Plan() error = nil, want an UnmergeableConfig error for warn-dirty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(data) != original {
		t.Errorf("file was modified despite Plan() rejecting it: got %q, want %q", data, original)
	}
}

func TestCreateOrMergeNixConfigPlanSkipsWhenAlreadySatisfied(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	original := "build-users-group = nixbld\nexperimental-features = nix-command flakes ca-derivations\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	a := &CreateOrMergeNixConfig{Path: path, Settings: map[string]string{
		"build-users-group":    "nixbld",
		"experimental-features": "nix-command flakes",
	}}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if a.State() != Skipped {
		t.Fatalf("State() = %v, want Skipped", a.State())
	}
	if got := a.DescribeExecute(); got != nil {
		t.Errorf("DescribeExecute() = %v, want nil once Skipped", got)
	}

	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(data) != original {
		t.Errorf("Execute() rewrote an already-satisfied file: got %q, want %q", data, original)
	}

	if err := a.Revert(context.Background()); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(data) != original {
		t.Errorf("Revert() modified a file this action never wrote: got %q, want %q", data, original)
	}
}

func TestWriteNixConfigEmitsGeneratorHeader(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := filepath.Join(dir, "nix.conf")
	if err := writeNixConfig(path, map[string]string{"build-users-group": "nixbld"}); err != nil {
		t.Fatalf("writeNixConfig() error = %v", err)
	}
	testutil.AssertFileContains(t, path, "# Generated by")
	testutil.AssertFileContains(t, path, "build-users-group = nixbld")
}

func TestMergeValuesPreservesPendingFirstOrder(t *testing.T) {
	got := mergeValues("ca-derivations", "nix-command flakes")
	want := "nix-command flakes ca-derivations"
	if got != want {
		t.Errorf("mergeValues() = %q, want %q", got, want)
	}
}

func TestMergeableKeysIsRestrictedToExperimentalFeatures(t *testing.T) {
	if !mergeableKeys["experimental-features"] {
		t.Error(`mergeableKeys["experimental-features"] = false, want true`)
	}
	for _, key := range []string{"extra-substituters", "extra-trusted-public-keys", "build-users-group"} {
		if mergeableKeys[key] {
			t.Errorf("mergeableKeys[%q] = true, want false", key)
		}
	}
}

func TestCreateGroupPlanDetectsExistingMatchingGroup(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	scriptProbeGroup(fake, "nixbld", 30000, true)
	DefaultRunner = fake

	a := &CreateGroup{Name: "nixbld", GID: 30000}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if a.State() != Skipped {
		t.Errorf("State() = %q, want %q", a.State(), Skipped)
	}
}

func TestCreateGroupPlanRejectsGIDMismatch(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	scriptProbeGroup(fake, "nixbld", 999, true)
	DefaultRunner = fake

	a := &CreateGroup{Name: "nixbld", GID: 30000}
	if err := a.Plan(); err == nil {
		t.Fatal("Plan() error = nil, want a gid-mismatch error")
	}
	if a.State() == Skipped {
		t.Error("State() = Skipped, want Uncompleted after a rejected Plan()")
	}
}

func TestCreateGroupPlanLeavesUncompletedWhenAbsent(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	scriptProbeGroup(fake, "nixbld", 0, false)
	DefaultRunner = fake

	a := &CreateGroup{Name: "nixbld", GID: 30000}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if a.State() != Uncompleted {
		t.Errorf("State() = %q, want %q", a.State(), Uncompleted)
	}
}

func scriptProbeUser(r *FakeRunner, name string, uid, gid int, found bool) {
	if runtime.GOOS == "darwin" {
		if found {
			r.Script(fmt.Sprintf("UniqueID: %d", uid), nil, "dscl", ".", "-read", "/Users/"+name, "UniqueID")
			r.Script(fmt.Sprintf("PrimaryGroupID: %d", gid), nil, "dscl", ".", "-read", "/Users/"+name, "PrimaryGroupID")
		} else {
			r.Script("", errTestNotFound, "dscl", ".", "-read", "/Users/"+name, "UniqueID")
		}
		return
	}
	if found {
		r.Script(fmt.Sprintf("%s:x:%d:%d::/var/empty:/sbin/nologin", name, uid, gid), nil, "getent", "passwd", name)
	} else {
		r.Script("", errTestNotFound, "getent", "passwd", name)
	}
}

func TestCreateUserPlanDetectsExistingMatchingUser(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	scriptProbeUser(fake, "nixbld1", 30001, 30000, true)
	DefaultRunner = fake

	a := &CreateUser{Name: "nixbld1", UID: 30001, GID: 30000}
	if err := a.Plan(); err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if a.State() != Skipped {
		t.Errorf("State() = %q, want %q", a.State(), Skipped)
	}
}

func TestCreateUserPlanRejectsUIDMismatch(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	scriptProbeUser(fake, "nixbld1", 500, 30000, true)
	DefaultRunner = fake

	a := &CreateUser{Name: "nixbld1", UID: 30001, GID: 30000}
	if err := a.Plan(); err == nil {
		t.Fatal("Plan() error = nil, want a uid-mismatch error")
	}
}

func TestCreateGroupExecuteSkipsRunnerWhenSkipped(t *testing.T) {
	orig := DefaultRunner
	defer func() { DefaultRunner = orig }()
	fake := NewFakeRunner()
	fake.Default = FakeResponse{Err: fmt.Errorf("groupadd should not run for a skipped group")}
	DefaultRunner = fake

	a := &CreateGroup{Name: "nixbld", GID: 30000}
	a.SetState(Skipped)
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() on a Skipped group returned error = %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Errorf("Execute() invoked the runner %d time(s), want 0", len(fake.Calls))
	}
}
