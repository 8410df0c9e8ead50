package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bootCompleteCmd = &cobra.Command{
	Use:   "boot-complete",
	Short: "Mark the next-boot deployment as booted",
	Long:  "Run once the system has started: the deployment at index 0 becomes the booted one and the previous one its rollback.",
	Args:  cobra.NoArgs,
	RunE:  runBootComplete,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Boot the previous deployment next",
	Args:  cobra.NoArgs,
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(bootCompleteCmd, rollbackCmd)
}

func runBootComplete(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, sys, err := e.openSysroot(cmd.Context())
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	return withLock(cmd.Context(), sys, func() error {
		d, err := sys.CompleteBoot(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Booted deployment %s (%s).\n", d.ID, d.Commit)
		return nil
	})
}

func runRollback(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, sys, err := e.openSysroot(cmd.Context())
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	return withLock(cmd.Context(), sys, func() error {
		d, err := sys.Rollback(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to %s. It will boot on next restart.\n", d.Commit)
		return nil
	})
}
