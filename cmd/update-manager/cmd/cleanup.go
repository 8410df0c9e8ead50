package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old deployments and unreferenced objects",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) (err error) {
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
		result, err := sys.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d deployments.\n", len(result.Removed))
		fmt.Printf("Pruned %d of %d objects, freed %d bytes.\n",
			result.Prune.Deleted, result.Prune.Total, result.Prune.FreedBytes)
		return nil
	})
}
