package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/ierr"
)

// testLeaf is a minimal action.Action used to exercise Plan without
// touching the filesystem or a subprocess.
type testLeaf struct {
	action.Base
	Name       string `json:"name"`
	ExecuteErr error  `json:"-"`
	RevertErr  error  `json:"-"`
}

const testLeafTag = "test_executor_leaf"

func init() {
	action.Register(testLeafTag, func(fields json.RawMessage) (action.Action, error) {
		var l testLeaf
		if err := json.Unmarshal(fields, &l); err != nil {
			return nil, err
		}
		return &l, nil
	})
}

func (l *testLeaf) Tag() string { return testLeafTag }

func (l *testLeaf) DescribeExecute() []action.Description {
	if l.State() == action.Completed {
		return nil
	}
	return []action.Description{{Synopsis: "execute " + l.Name}}
}

func (l *testLeaf) DescribeRevert() []action.Description {
	if l.State() == action.Uncompleted {
		return nil
	}
	return []action.Description{{Synopsis: "revert " + l.Name}}
}

func (l *testLeaf) Execute(ctx context.Context) error {
	if l.State() == action.Completed {
		return nil
	}
	l.SetState(action.Progress)
	if l.ExecuteErr != nil {
		return l.ExecuteErr
	}
	l.SetState(action.Completed)
	return nil
}

func (l *testLeaf) Revert(ctx context.Context) error {
	if l.State() == action.Uncompleted {
		return nil
	}
	l.SetState(action.Progress)
	if l.RevertErr != nil {
		return l.RevertErr
	}
	l.SetState(action.Uncompleted)
	return nil
}

func (l *testLeaf) MarshalFields() (json.RawMessage, error) {
	return json.Marshal(l)
}

// testComposite wraps action.Sequential with the type-specific methods a
// concrete composite action provides, just enough to satisfy action.Action
// for driving it through a Plan in tests.
type testComposite struct {
	action.Sequential
}

func newTestComposite(children ...action.Action) *testComposite {
	s := action.NewSequential(children...)
	return &testComposite{Sequential: s}
}

func (c *testComposite) Tag() string                             { return "test_composite" }
func (c *testComposite) DescribeExecute() []action.Description   { return nil }
func (c *testComposite) DescribeRevert() []action.Description    { return nil }
func (c *testComposite) MarshalFields() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
func (c *testComposite) Execute(ctx context.Context) error       { return c.Sequential.Execute(ctx, c.Tag()) }
func (c *testComposite) Revert(ctx context.Context) error        { return c.Sequential.Revert(ctx, c.Tag()) }

func TestPlanDescribeWalksChildren(t *testing.T) {
	seq := newTestComposite(&testLeaf{Name: "first"}, &testLeaf{Name: "second"})
	p := &Plan{PlannerTag: "test", Root: seq}

	descs := p.Describe()
	if len(descs) != 2 {
		t.Fatalf("Describe() returned %d descriptions, want 2", len(descs))
	}
	if descs[0].Synopsis != "execute first" || descs[1].Synopsis != "execute second" {
		t.Errorf("Describe() = %+v, want synopses for first then second", descs)
	}
}

func TestPlanRunSuccess(t *testing.T) {
	leaf := &testLeaf{Name: "only"}
	p := &Plan{PlannerTag: "test", Root: leaf}

	progressCalls := 0
	if err := p.Run(context.Background(), func() { progressCalls++ }); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if leaf.State() != action.Completed {
		t.Errorf("leaf.State() = %q, want %q", leaf.State(), action.Completed)
	}
	if progressCalls != 1 {
		t.Errorf("onProgress called %d times, want 1", progressCalls)
	}
}

func TestPlanRunFailureRevertsCompletedSteps(t *testing.T) {
	ok := &testLeaf{Name: "ok"}
	failing := &testLeaf{Name: "bad", ExecuteErr: errors.New("boom")}
	seq := newTestComposite(ok, failing)
	p := &Plan{PlannerTag: "test", Root: seq}

	err := p.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	var ce *ierr.CompoundError
	if !errors.As(err, &ce) {
		t.Fatalf("Run() error = %v, want *ierr.CompoundError", err)
	}
	if ce.Forward == nil {
		t.Error("CompoundError.Forward is nil")
	}
	if ok.State() != action.Uncompleted {
		t.Errorf("ok.State() after revert = %q, want %q", ok.State(), action.Uncompleted)
	}
}

// planningLeaf is a minimal Action with a planning hook, used to prove
// Validate walks the tree and actually invokes it rather than only
// describing or executing the tree.
type planningLeaf struct {
	testLeaf
	PlanErr   error
	PlanCalls int
}

func (l *planningLeaf) Plan() error {
	l.PlanCalls++
	return l.PlanErr
}

func TestPlanValidateInvokesLeafPlanHook(t *testing.T) {
	leaf := &planningLeaf{testLeaf: testLeaf{Name: "probed"}}
	seq := newTestComposite(&testLeaf{Name: "first"}, leaf)
	p := &Plan{PlannerTag: "test", Root: seq}

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if leaf.PlanCalls != 1 {
		t.Errorf("leaf.Plan() called %d times, want 1", leaf.PlanCalls)
	}
}

func TestPlanValidateStopsAtFirstPlanningError(t *testing.T) {
	boom := errors.New("unmergeable")
	leaf := &planningLeaf{testLeaf: testLeaf{Name: "bad"}, PlanErr: boom}
	seq := newTestComposite(leaf, &testLeaf{Name: "never reached"})
	p := &Plan{PlannerTag: "test", Root: seq}

	err := p.Validate()
	if !errors.Is(err, boom) {
		t.Fatalf("Validate() error = %v, want %v", err, boom)
	}
}

// TestPlanValidateRejectsUnmergeableNixConfig exercises Validate against
// the real action.CreateOrMergeNixConfig nested in a composite tree,
// proving that the planner-level wiring (not just a direct a.Plan()
// call) rejects a conflicting, non-mergeable setting before Execute ever
// runs and mutates the file.
func TestPlanValidateRejectsUnmergeableNixConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nix.conf")
	original := "build-users-group = someoneelse\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	cfg := &action.CreateOrMergeNixConfig{Path: path, Settings: map[string]string{"build-users-group": "nixbld"}}
	seq := newTestComposite(&testLeaf{Name: "unrelated"}, cfg)
	p := &Plan{PlannerTag: "test", Root: seq}

	err := p.Validate()
	if _, ok := ierr.IsExpectedPlanningError(err); !ok {
		t.Fatalf("Validate() error = %v, want an Expected PlanningError", err)
	}

	// Validate must run, and its error must be checked, before Run: Run
	// itself has no conflict detection and will happily clobber the file.
	data, err2 := os.ReadFile(path)
	if err2 != nil {
		t.Fatalf("os.ReadFile() error = %v", err2)
	}
	if string(data) != original {
		t.Errorf("nix.conf was modified by Validate(), which must only inspect: got %q, want %q", data, original)
	}
}

func TestCheckCompatibleNoExistingReceipt(t *testing.T) {
	p := &Plan{PlannerTag: "linux-multi"}
	resume, err := p.CheckCompatible(nil)
	if err != nil {
		t.Fatalf("CheckCompatible() error = %v", err)
	}
	if resume != p {
		t.Error("CheckCompatible(nil) did not return the fresh plan")
	}
}

func TestCheckCompatiblePlannerMismatch(t *testing.T) {
	existing := &Plan{PlannerTag: "darwin-multi", Root: &testLeaf{}}
	fresh := &Plan{PlannerTag: "linux-multi", Root: &testLeaf{}}

	_, err := fresh.CheckCompatible(existing)
	if _, ok := ierr.IsExpectedPlanningError(err); !ok {
		t.Fatalf("CheckCompatible() error = %v, want an Expected PlanningError", err)
	}
}

func TestCheckCompatibleSettingsMismatch(t *testing.T) {
	existing := &Plan{PlannerTag: "linux-multi", PlannerSettings: json.RawMessage(`{"a":1}`), Root: &testLeaf{}}
	fresh := &Plan{PlannerTag: "linux-multi", PlannerSettings: json.RawMessage(`{"a":2}`), Root: &testLeaf{}}

	_, err := fresh.CheckCompatible(existing)
	if _, ok := ierr.IsExpectedPlanningError(err); !ok {
		t.Fatalf("CheckCompatible() error = %v, want an Expected PlanningError", err)
	}
}

func TestCheckCompatibleAlreadyCompleted(t *testing.T) {
	completedLeaf := &testLeaf{Name: "done"}
	completedLeaf.SetState(action.Completed)
	existing := &Plan{PlannerTag: "linux-multi", Root: completedLeaf}
	fresh := &Plan{PlannerTag: "linux-multi", Root: &testLeaf{}}

	_, err := fresh.CheckCompatible(existing)
	if _, ok := ierr.IsExpectedPlanningError(err); !ok {
		t.Fatalf("CheckCompatible() error = %v, want an Expected PlanningError", err)
	}
}

func TestCheckCompatibleResumesExistingRoot(t *testing.T) {
	existing := &Plan{PlannerTag: "linux-multi", Root: &testLeaf{Name: "existing"}}
	fresh := &Plan{PlannerTag: "linux-multi", Root: &testLeaf{Name: "fresh"}}

	resume, err := fresh.CheckCompatible(existing)
	if err != nil {
		t.Fatalf("CheckCompatible() error = %v", err)
	}
	if resume != existing {
		t.Error("CheckCompatible() did not return the existing plan to resume from")
	}
}
