package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tech-Reformist/update-manager/internal/repo"
)

var commitCmd = &cobra.Command{
	Use:   "commit <dir>",
	Short: "Commit a directory tree",
	Long:  "Store a directory tree in the repository as a new commit on a branch. The branch's current commit becomes the parent.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommit,
}

var commitOpts struct {
	branch  string
	subject string
	body    string
	version string
}

func init() {
	f := commitCmd.Flags()
	f.StringVarP(&commitOpts.branch, "branch", "b", "", "branch to commit on (default: configured ref)")
	f.StringVarP(&commitOpts.subject, "subject", "s", "", "one-line description")
	f.StringVar(&commitOpts.body, "body", "", "full description")
	f.StringVar(&commitOpts.version, "add-version", "", "version recorded in the commit")

	rootCmd.AddCommand(commitCmd)
}

func runCommit(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	r, err := e.openRepo()
	if err != nil {
		return err
	}
	defer closeWith(&err, r)

	branch := commitOpts.branch
	if branch == "" {
		branch = e.cfg.Ref
	}

	d, err := r.CommitDir(cmd.Context(), e.fs, args[0], repo.CommitOptions{
		Branch:  branch,
		Subject: commitOpts.subject,
		Body:    commitOpts.body,
		Version: commitOpts.version,
	})
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	fmt.Printf("%s\t%s\n", branch, d)
	return nil
}
