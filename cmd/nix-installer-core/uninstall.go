package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixcore/installer/internal/config"
	"github.com/nixcore/installer/internal/executor"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove a previously installed Nix store",
	Long: `Uninstall drives the receipt at /nix/receipt.json backward,
undoing every completed action in strict reverse order.`,
	Run: runUninstall,
}

func runUninstall(cmd *cobra.Command, args []string) {
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

	descs := existing.Root.DescribeRevert()
	if len(descs) == 0 {
		fmt.Println("Nothing to do: Nix is not installed.")
		return
	}
	fmt.Println("The following steps will run:")
	for _, d := range descs {
		fmt.Printf("  - %s\n", d.Synopsis)
	}
	if !confirm(s, "Proceed with uninstallation?") {
		fmt.Println("Aborted.")
		exitWithCode(ExitGeneral)
	}

	err = existing.Root.Revert(globalCtx)
	if werr := executor.WriteReceipt(config.ReceiptPath, existing); werr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to persist receipt: %v\n", werr)
	}
	if err != nil {
		printError(err)
		exitWithCode(ExitGeneral)
	}
	if remErr := os.Remove(config.ReceiptPath); remErr != nil && !os.IsNotExist(remErr) {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove receipt: %v\n", remErr)
	}
	fmt.Println("Nix uninstalled successfully.")
}
