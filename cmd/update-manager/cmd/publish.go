package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/remote"
)

var publishCmd = &cobra.Command{
	Use:   "publish <remote> <ref> [rev]",
	Short: "Publish a commit to a remote",
	Long:  "Upload a commit and every object it references to a remote and point ref at it. rev defaults to the local branch named ref.",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	remoteName, ref := args[0], args[1]
	rev := ref
	if len(args) == 3 {
		rev = args[2]
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.log.Sync()

	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	commit, err := r.ResolveRev(ctx, rev)
	if err != nil {
		return err
	}
	objects, err := r.Closure(ctx, commit)
	if err != nil {
		return err
	}

	rem, err := r.Remote(remoteName)
	if err != nil {
		return err
	}
	pub, err := remote.Open(rem,
		remote.WithConcurrency(e.cfg.Concurrency),
		remote.WithLogger(e.log),
		remote.WithFs(e.fs))
	if err != nil {
		return err
	}
	defer closeWith(&err, pub)

	fmt.Fprintf(os.Stderr, "Publishing %s (%d objects) to %s:%s...\n", commit, len(objects), remoteName, ref)

	if err := pub.Publish(ctx, ref, commit, objects); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done.\n")
	return nil
}
