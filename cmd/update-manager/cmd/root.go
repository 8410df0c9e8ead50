package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/config"
	"github.com/Tech-Reformist/update-manager/internal/logger"
	"github.com/Tech-Reformist/update-manager/internal/repo"
	"github.com/Tech-Reformist/update-manager/internal/sysroot"
)

var rootCmd = &cobra.Command{
	Use:           "update-manager",
	Short:         "Atomic OS updates from a content-addressed repository",
	Long:          "Pull OS commits from a remote and deploy them as the next boot target, keeping the running system as rollback.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit status out of a command that already
// reported the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/update-manager/config.yaml)")
	rootCmd.PersistentFlags().String("sysroot", "", "sysroot directory (default: /sysroot)")
	rootCmd.PersistentFlags().String("repo", "", "repository directory (default: <sysroot>/ostree/repo)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error or none")

	viper.BindPFlag("sysroot", rootCmd.PersistentFlags().Lookup("sysroot"))
	viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.AddConfigPath("/etc/update-manager")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "update-manager")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "update-manager")
	}
	return ".update-manager"
}

// env is what every command works with.
type env struct {
	cfg *config.Config
	log *zap.Logger
	fs  afero.Fs
}

func setup() (*env, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, fs: afero.NewOsFs()}, nil
}

func (e *env) openRepo() (*repo.Repository, error) {
	return repo.Open(e.fs, e.cfg.Repo,
		repo.WithCacheSize(e.cfg.CacheSize),
		repo.WithCompression(e.cfg.Compression.Level, e.cfg.Compression.Enabled),
		repo.WithLogger(e.log))
}

// openSysroot opens the repository and the sysroot and loads the
// deployment record.
func (e *env) openSysroot(ctx context.Context) (*repo.Repository, *sysroot.Sysroot, error) {
	r, err := e.openRepo()
	if err != nil {
		return nil, nil, err
	}
	opts := []sysroot.Option{sysroot.WithLogger(e.log)}
	if e.cfg.MinFreeSpace > 0 {
		opts = append(opts, sysroot.WithMinFreeSpace(e.cfg.MinFreeSpace, e.cfg.Sysroot))
	}
	sys, err := sysroot.Open(e.fs, e.cfg.Sysroot, r, opts...)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	if err := sys.Load(ctx); err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("load sysroot: %w", err)
	}
	return r, sys, nil
}

// withLock runs fn while holding the sysroot lock, with the record reloaded
// under the lock.
func withLock(ctx context.Context, sys *sysroot.Sysroot, fn func() error) (err error) {
	lock, err := sys.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	if err := sys.Load(ctx); err != nil {
		return err
	}
	return fn()
}

func closeWith(err *error, c interface{ Close() error }) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
