package main

import "os"

// Exit codes let scripts distinguish failure modes without scraping stderr.
const (
	ExitSuccess = 0
	ExitGeneral = 1
	ExitUsage   = 2
	// ExitPlanningFailed is used for an Expected PlanningError:
	// a clean, no-stack-trace refusal such as "NixOS already manages Nix".
	ExitPlanningFailed = 3
	// ExitRootRequired indicates the binary was invoked without root privileges.
	ExitRootRequired = 4
	// ExitNotInstalled indicates uninstall/repair found no receipt to act on.
	ExitNotInstalled = 5
	// ExitCancelled indicates the run was interrupted by SIGINT/SIGTERM.
	ExitCancelled = 6
)

func exitWithCode(code int) {
	os.Exit(code)
}
