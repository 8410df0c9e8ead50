package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/pull"
	"github.com/Tech-Reformist/update-manager/internal/remote"
)

var pullCmd = &cobra.Command{
	Use:   "pull [remote] [refs...]",
	Short: "Pull refs from a remote",
	Long:  "Fetch the missing objects of one or more refs from a configured remote. Without arguments the configured remote and ref are pulled.",
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.log.Sync()

	remoteName := e.cfg.Remote.Name
	refs := []string{e.cfg.Ref}
	if len(args) > 0 {
		remoteName = args[0]
	}
	if len(args) > 1 {
		refs = args[1:]
	}

	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	rem, err := r.Remote(remoteName)
	if err != nil {
		return err
	}
	tr, err := remote.Open(rem,
		remote.WithConcurrency(e.cfg.Concurrency),
		remote.WithLogger(e.log),
		remote.WithFs(e.fs))
	if err != nil {
		return err
	}
	defer closeWith(&err, tr)

	fmt.Fprintf(os.Stderr, "Pulling %v from %s...\n", refs, remoteName)

	result, err := pull.Pull(cmd.Context(), r, tr, remoteName, refs,
		pull.WithConcurrency(e.cfg.Concurrency),
		pull.WithDepth(e.cfg.Depth),
		pull.WithLogger(e.log))
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	for _, ref := range result.UpToDate {
		fmt.Printf("%s:%s\tup to date\n", remoteName, ref)
	}
	for ref, u := range result.Updated {
		fmt.Printf("%s:%s\t%s\n", remoteName, ref, u.New)
	}
	fmt.Fprintf(os.Stderr, "Done. Fetched %d objects.\n", len(result.Fetched))
	return nil
}
