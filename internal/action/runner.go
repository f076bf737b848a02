package action

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner abstracts subprocess execution so leaf actions that shell out
// (groupadd, useradd, dscl, diskutil, systemctl, launchctl) can be
// exercised in tests without invoking real privileged commands, hiding
// exec.Command behind a narrow interface rather than calling os/exec
// directly from business logic.
type Runner interface {
	// Run executes name with args, returning combined stdout+stderr and
	// an error wrapping the command's exit status on non-zero exit.
	Run(ctx context.Context, name string, args ...string) (output string, err error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// Run implements Runner using os/exec.CommandContext.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return out.String(), fmt.Errorf("%s: %w", name, err)
	}
	return out.String(), nil
}

// DefaultRunner is the Runner leaf actions use unless overridden, e.g.
// in tests by assigning a FakeRunner to it.
var DefaultRunner Runner = ExecRunner{}

// FakeCall records one invocation made against a FakeRunner.
type FakeCall struct {
	Name string
	Args []string
}

// FakeRunner is a test double for Runner: it records every invocation and
// returns scripted responses keyed by the joined command line, falling
// back to a configurable default when no response was scripted.
type FakeRunner struct {
	Calls []FakeCall

	// Responses maps "name arg1 arg2..." to a canned (output, err) pair.
	Responses map[string]FakeResponse

	// Default is returned when no Responses entry matches.
	Default FakeResponse
}

// FakeResponse is a scripted (output, error) pair for FakeRunner.
type FakeResponse struct {
	Output string
	Err    error
}

// NewFakeRunner returns an empty FakeRunner that succeeds with no output
// for any unscripted command.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: make(map[string]FakeResponse)}
}

// Script registers a canned response for the exact command line
// "name arg1 arg2...".
func (f *FakeRunner) Script(output string, err error, name string, args ...string) {
	f.Responses[commandKey(name, args)] = FakeResponse{Output: output, Err: err}
}

// Run implements Runner by recording the call and returning the scripted
// response, if any, or Default otherwise.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.Calls = append(f.Calls, FakeCall{Name: name, Args: args})
	if resp, ok := f.Responses[commandKey(name, args)]; ok {
		return resp.Output, resp.Err
	}
	return f.Default.Output, f.Default.Err
}

func commandKey(name string, args []string) string {
	key := name
	for _, a := range args {
		key += " " + a
	}
	return key
}
