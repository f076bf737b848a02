package action

import (
	"context"
	"errors"
	"testing"

	"github.com/nixcore/installer/internal/ierr"
)

func newOrderTrackingFake(name string, executed, reverted *[]string) *fakeAction {
	return &fakeAction{Name: name, executed: executed, reverted: reverted}
}

func TestSequentialExecuteRunsChildrenInOrder(t *testing.T) {
	var executed []string
	s := NewSequential(
		newOrderTrackingFake("a", &executed, nil),
		newOrderTrackingFake("b", &executed, nil),
		newOrderTrackingFake("c", &executed, nil),
	)

	if err := s.Execute(context.Background(), "seq"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if !equalStrings(executed, want) {
		t.Errorf("execution order = %v, want %v", executed, want)
	}
	if got := s.State(); got != Completed {
		t.Errorf("State() = %q, want %q", got, Completed)
	}
}

func TestSequentialRevertRunsChildrenInReverseOrder(t *testing.T) {
	var reverted []string
	s := NewSequential(
		newOrderTrackingFake("a", nil, &reverted),
		newOrderTrackingFake("b", nil, &reverted),
		newOrderTrackingFake("c", nil, &reverted),
	)
	for _, c := range s.children {
		c.SetState(Completed)
	}

	if err := s.Revert(context.Background(), "seq"); err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	want := []string{"c", "b", "a"}
	if !equalStrings(reverted, want) {
		t.Errorf("revert order = %v, want %v", reverted, want)
	}
	if got := s.State(); got != Uncompleted {
		t.Errorf("State() = %q, want %q", got, Uncompleted)
	}
}

func TestSequentialExecuteStopsAtFirstFailure(t *testing.T) {
	var executed []string
	failing := newOrderTrackingFake("b", &executed, nil)
	failing.ExecuteErr = errors.New("boom")
	s := NewSequential(
		newOrderTrackingFake("a", &executed, nil),
		failing,
		newOrderTrackingFake("c", &executed, nil),
	)

	err := s.Execute(context.Background(), "seq")
	if err == nil {
		t.Fatal("Execute() error = nil, want non-nil")
	}
	want := []string{"a", "b"}
	if !equalStrings(executed, want) {
		t.Errorf("execution order = %v, want %v (should stop before c)", executed, want)
	}
}

func TestSequentialExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSequential(newOrderTrackingFake("a", nil, nil))
	err := s.Execute(ctx, "seq")
	if err == nil {
		t.Fatal("Execute() with a cancelled context returned nil error")
	}
	var ae *ierr.ActionError
	if !errors.As(err, &ae) || ae.Kind != ierr.ActionErrorCancelled {
		t.Errorf("Execute() error = %v, want an ActionErrorCancelled", err)
	}
}

func TestParallelExecuteRunsAllChildren(t *testing.T) {
	var executed []string
	p := NewParallel(
		newOrderTrackingFake("a", &executed, nil),
		newOrderTrackingFake("b", &executed, nil),
		newOrderTrackingFake("c", &executed, nil),
	)

	if err := p.Execute(context.Background(), "par"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(executed) != 3 {
		t.Errorf("executed %d children, want 3", len(executed))
	}
	if got := p.State(); got != Completed {
		t.Errorf("State() = %q, want %q", got, Completed)
	}
}

func TestParallelExecuteAggregatesFailures(t *testing.T) {
	failA := &fakeAction{Name: "a", ExecuteErr: errors.New("fail a")}
	failB := &fakeAction{Name: "b", ExecuteErr: errors.New("fail b")}
	ok := &fakeAction{Name: "c"}
	p := NewParallel(failA, failB, ok)

	err := p.Execute(context.Background(), "par")
	if err == nil {
		t.Fatal("Execute() error = nil, want non-nil")
	}
	var ae *ierr.ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("Execute() error = %v, want an *ierr.ActionError", err)
	}
	if ae.Kind != ierr.ActionErrorChildren {
		t.Errorf("ActionError.Kind = %v, want ActionErrorChildren", ae.Kind)
	}
	if len(ae.Children) != 2 {
		t.Errorf("len(Children) = %d, want 2", len(ae.Children))
	}
}

func TestMarshalChildrenRoundTrip(t *testing.T) {
	children := []Action{
		&fakeAction{Name: "a"},
		&fakeAction{Name: "b"},
	}
	raw, err := marshalChildren(children)
	if err != nil {
		t.Fatalf("marshalChildren() error = %v", err)
	}
	got, err := unmarshalChildren(raw)
	if err != nil {
		t.Fatalf("unmarshalChildren() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unmarshalChildren() returned %d actions, want 2", len(got))
	}
	fa0, ok := got[0].(*fakeAction)
	if !ok || fa0.Name != "a" {
		t.Errorf("children[0] = %+v, want Name %q", got[0], "a")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
