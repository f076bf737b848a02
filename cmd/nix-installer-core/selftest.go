package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/planner"
	"github.com/nixcore/installer/internal/platform"
	"github.com/nixcore/installer/internal/release"
)

var selfTestCmd = &cobra.Command{
	Use:   "self-test",
	Short: "Check whether this host can run an install, without mutating it",
	Long: `Self-test runs the same read-only host probing install does —
detecting the platform, selecting a Planner, resolving the latest Nix
release — and reports pass/fail for each, without creating a plan or
touching the filesystem beyond what the probes themselves read.`,
	Run: runSelfTest,
}

type selfTestCheck struct {
	name string
	err  error
}

func runSelfTest(cmd *cobra.Command, args []string) {
	s := loadSettings()
	var checks []selfTestCheck

	checks = append(checks, selfTestCheck{"running as root", requireRootCheck()})

	target, err := platform.DetectTarget()
	checks = append(checks, selfTestCheck{"detect host platform", err})

	var p planner.Planner
	if err == nil {
		p, err = planner.Select(globalCtx, target, s)
		checks = append(checks, selfTestCheck{"select planner", err})
	}

	if err == nil {
		_, relErr := resolveReleaseCheck(s, target.Platform)
		checks = append(checks, selfTestCheck{"resolve Nix release", relErr})
	}

	failed := false
	for _, c := range checks {
		status := "ok"
		if c.err != nil {
			status = "FAIL: " + c.err.Error()
			failed = true
		}
		fmt.Printf("  [%s] %s\n", status, c.name)
	}
	if p != nil {
		fmt.Printf("  planner: %s\n", p.Tag())
	}

	if failed {
		exitWithCode(ExitGeneral)
	}
	fmt.Println("All checks passed.")
}

func requireRootCheck() error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("not running as root (euid %d)", unix.Geteuid())
	}
	return nil
}

// resolveReleaseCheck exercises the same release resolution install would
// use when no ReleaseURL is pinned, without unpacking anything.
func resolveReleaseCheck(s config.Settings, platformStr string) (string, error) {
	if s.ReleaseURL != "" {
		return s.ReleaseURL, nil
	}
	resolver := release.NewResolver()
	asset, err := resolver.LatestTarball(globalCtx, s.ReleaseRepoOwner, s.ReleaseRepoName, platformStr)
	if err != nil {
		return "", err
	}
	return asset.URL, nil
}
