package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/planner"
	"github.com/nixcore/installer/internal/platform"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a multi-user Nix store",
	Long: `Install lays down a multi-user Nix store: build users and group,
the Nix store itself, daemon configuration, and the host's service
manager registration.

If a receipt from a previous, interrupted install is found at
/nix/receipt.json, install resumes it rather than starting over, as long
as the host still resolves to the same planner and settings.`,
	Run: runInstall,
}

func runInstall(cmd *cobra.Command, args []string) {
	requireRoot()
	s := loadSettings()

	target, err := platform.DetectTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to detect host platform: %v\n", err)
		exitWithCode(ExitGeneral)
	}

	p, err := planner.Select(globalCtx, target, s)
	if err != nil {
		reportPlanningError(err)
	}

	plan, err := p.Plan(globalCtx, s)
	if err != nil {
		reportPlanningError(err)
	}

	existing, err := executor.ReadReceipt(config.ReceiptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read existing receipt: %v\n", err)
		exitWithCode(ExitGeneral)
	}

	toRun, err := plan.CheckCompatible(existing)
	if err != nil {
		reportPlanningError(err)
	}

	if err := toRun.Validate(); err != nil {
		reportPlanningError(err)
	}

	descs := toRun.Describe()
	if len(descs) == 0 {
		fmt.Println("Nothing to do: Nix is already installed.")
		return
	}
	fmt.Println("The following steps will run:")
	for _, d := range descs {
		fmt.Printf("  - %s\n", d.Synopsis)
		if s.Explain {
			for _, r := range d.Rationale {
				fmt.Printf("      %s\n", r)
			}
		}
	}
	if !confirm(s, "Proceed with installation?") {
		fmt.Println("Aborted.")
		exitWithCode(ExitGeneral)
	}

	runErr := toRun.Run(globalCtx, func() {
		if err := executor.WriteReceipt(config.ReceiptPath, toRun); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to persist receipt: %v\n", err)
		}
	})
	if runErr != nil {
		printError(runErr)
		exitWithCode(ExitGeneral)
	}
	fmt.Println("Nix installed successfully.")
}

// reportPlanningError prints a planning-phase failure and exits with the
// appropriate code: Expected errors print cleanly with no rationale block,
// everything else goes through errmsg's full formatting.
func reportPlanningError(err error) {
	if pe, ok := ierr.IsExpectedPlanningError(err); ok {
		fmt.Fprintln(os.Stderr, "Error:", pe.Message)
		exitWithCode(ExitPlanningFailed)
	}
	printError(err)
	exitWithCode(ExitGeneral)
}
