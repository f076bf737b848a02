package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/nixcore/installer/internal/config"
)

func TestConfirmNoConfirmSkipsPrompt(t *testing.T) {
	s := config.Settings{NoConfirm: true}
	if !confirm(s, "proceed?") {
		t.Error("confirm() = false, want true when NoConfirm is set")
	}
}

func TestConfirmNonTerminalStdinDefaultsTrue(t *testing.T) {
	// os.Stdin in a `go test` run is never a terminal, so confirm should
	// take the non-interactive default-to-proceed branch without reading
	// anything from it.
	s := config.Settings{}
	if !confirm(s, "proceed?") {
		t.Error("confirm() = false, want true when stdin isn't a terminal")
	}
}

func TestPrintJSON(t *testing.T) {
	out := captureStdout(t, func() {
		printJSON(map[string]string{"hello": "world"})
	})

	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("printJSON() output did not parse as JSON: %v\noutput: %s", err, out)
	}
	if got["hello"] != "world" {
		t.Errorf("printJSON() output = %v, want hello=world", got)
	}
}

func TestPrintErrorWritesToStderr(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	printError(errTest("boom"))
	w.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !strings.Contains(string(data), "boom") {
		t.Errorf("printError() output = %q, want it to contain %q", data, "boom")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatalf("io.Copy() error = %v", err)
	}
	return buf.String()
}
