package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls <rev> [path]",
	Short: "List a directory of a commit",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <rev> <path>",
	Short: "Print a file of a commit",
	Args:  cobra.ExactArgs(2),
	RunE:  runCat,
}

func init() {
	rootCmd.AddCommand(lsCmd, catCmd)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	dir := "."
	if len(args) == 2 {
		dir = args[1]
	}

	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	commit, err := r.ResolveRev(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	snap, err := r.Snapshot(cmd.Context(), commit)
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(snap, dir)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", info.Mode(), info.Size(), entry.Name())
	}
	return w.Flush()
}

func runCat(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	commit, err := r.ResolveRev(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	snap, err := r.Snapshot(cmd.Context(), commit)
	if err != nil {
		return err
	}
	data, err := fs.ReadFile(snap, args[1])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
