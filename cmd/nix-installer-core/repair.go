package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/planner"
	"github.com/nixcore/installer/internal/platform"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Resume an interrupted or partially-failed installation",
	Long: `Repair re-resolves this host's Planner, checks it against the
existing receipt, and drives forward any actions left Uncompleted or
stuck in Progress.`,
	Run: runRepair,
}

func runRepair(cmd *cobra.Command, args []string) {
	requireRoot()
	s := loadSettings()

	existing, err := executor.ReadReceipt(config.ReceiptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read receipt: %v\n", err)
		exitWithCode(ExitGeneral)
	}
	if existing == nil {
		fmt.Fprintln(os.Stderr, "Error: no installation receipt found at", config.ReceiptPath)
		exitWithCode(ExitNotInstalled)
	}

	target, err := platform.DetectTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to detect host platform: %v\n", err)
		exitWithCode(ExitGeneral)
	}

	p, err := planner.Select(globalCtx, target, s)
	if err != nil {
		reportPlanningError(err)
	}

	freshPlan, err := p.Plan(globalCtx, s)
	if err != nil {
		reportPlanningError(err)
	}

	toRun, err := freshPlan.CheckCompatible(existing)
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
	}
	if !confirm(s, "Proceed with repair?") {
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
	fmt.Println("Repair completed successfully.")
}
