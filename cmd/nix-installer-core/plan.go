package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/planner"
	"github.com/nixcore/installer/internal/platform"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the installation plan for this host without running it",
	Long: `Plan probes the host, resolves the matching Planner variant, and
prints the resulting action list. It never mutates the system.`,
	Run: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the raw action tree as JSON")
}

func runPlan(cmd *cobra.Command, args []string) {
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

	if err := plan.Validate(); err != nil {
		reportPlanningError(err)
	}

	if planJSON {
		raw, err := action.Marshal(plan.Root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to serialize plan: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		os.Stdout.Write(raw)
		fmt.Println()
		return
	}

	fmt.Printf("Planner: %s\n", p.Tag())
	fmt.Println("Steps:")
	for _, d := range plan.Describe() {
		fmt.Printf("  - %s\n", d.Synopsis)
		for _, r := range d.Rationale {
			fmt.Printf("      %s\n", r)
		}
	}
}
