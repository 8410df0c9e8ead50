package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	updatemanager "github.com/Tech-Reformist/update-manager"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull the configured ref and deploy it",
	Long: `Register the remote if needed, pull the ref, stage and activate the new
commit as the next boot target, then clean up old deployments.

Each failing step exits with its own status:
  2 open repository, 3 remote, 4 pull, 5 resolve, 6 load sysroot,
  7 stage, 8 activate, 9 sysroot locked.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)

	f := updateCmd.Flags()
	f.String("os", "", "os name of the deployment")
	f.String("remote-name", "", "remote to pull from")
	f.String("remote-url", "", "remote url, used when the remote is not configured yet")
	f.Bool("insecure", false, "allow plain http registries")
	f.String("ref", "", "ref to deploy")
	f.Int("concurrency", 0, "parallel object transfers")
	f.Int("depth", 0, "ancestors of the commit to pull (-1 for all)")
	f.Uint64("min-free-space", 0, "bytes that must be free before staging")

	viper.BindPFlag("osname", f.Lookup("os"))
	viper.BindPFlag("remote.name", f.Lookup("remote-name"))
	viper.BindPFlag("remote.url", f.Lookup("remote-url"))
	viper.BindPFlag("remote.insecure", f.Lookup("insecure"))
	viper.BindPFlag("ref", f.Lookup("ref"))
	viper.BindPFlag("concurrency", f.Lookup("concurrency"))
	viper.BindPFlag("depth", f.Lookup("depth"))
	viper.BindPFlag("min_free_space", f.Lookup("min-free-space"))
}

func runUpdate(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.log.Sync()
	cfg := e.cfg

	req := updatemanager.Request{
		Sysroot:    cfg.Sysroot,
		Repo:       cfg.Repo,
		OSName:     cfg.OSName,
		RemoteName: cfg.Remote.Name,
		RemoteURL:  cfg.Remote.URL,
		Insecure:   cfg.Remote.Insecure,
		Ref:        cfg.Ref,
	}

	fmt.Fprintf(os.Stderr, "Updating %s from %s...\n", cfg.OSName, req.Origin())

	result, err := updatemanager.Update(cmd.Context(), req,
		updatemanager.WithFs(e.fs),
		updatemanager.WithLogger(e.log),
		updatemanager.WithConcurrency(cfg.Concurrency),
		updatemanager.WithDepth(cfg.Depth),
		updatemanager.WithCacheSize(cfg.CacheSize),
		updatemanager.WithCompression(cfg.Compression.Level, cfg.Compression.Enabled),
		updatemanager.WithMinFreeSpace(cfg.MinFreeSpace))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		var step *updatemanager.StepError
		if errors.As(err, &step) {
			return &exitError{code: step.ExitCode(), err: err}
		}
		return &exitError{code: 1, err: err}
	}

	if !result.RemoteAdded {
		fmt.Fprintf(os.Stderr, "Remote '%s' already exists.\n", cfg.Remote.Name)
	}
	fmt.Fprintf(os.Stderr, "Fetched %d objects.\n", len(result.Pull.Fetched))
	fmt.Printf("Deployed new commit %s. It will boot on next restart.\n", result.Commit)
	if result.CleanupErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: cleanup failed, will retry next time: %v\n", result.CleanupErr)
	}
	fmt.Println("All operations completed successfully.")
	return nil
}
