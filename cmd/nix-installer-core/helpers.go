package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/errmsg"
	"github.com/nixcore/installer/internal/userconfig"
)

// loadSettings builds the effective Settings for this run: environment
// defaults, then any on-disk /etc/nix-installer-core.toml overrides.
func loadSettings() config.Settings {
	s, err := userconfig.Load(config.DefaultSettings())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return s
}

// requireRoot exits with ExitRootRequired unless running as euid 0, since
// every action this installer performs needs root.
func requireRoot() {
	if unix.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "Error: nix-installer-core must be run as root")
		exitWithCode(ExitRootRequired)
	}
}

// confirm prompts the user to proceed unless NoConfirm is set or stdin
// isn't a terminal, so scripted/CI invocations default to proceeding.
func confirm(s config.Settings, prompt string) bool {
	if s.NoConfirm {
		return true
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// printJSON marshals v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		exitWithCode(ExitGeneral)
	}
}

// printError formats err through internal/errmsg and writes it to stderr.
func printError(err error) {
	fmt.Fprintln(os.Stderr, errmsg.Format(err, nil))
}
