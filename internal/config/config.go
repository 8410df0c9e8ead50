// Package config loads the update-manager settings from a viper instance
// that the CLI has already bound to flags, environment and config file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable the CLI reads.
const EnvPrefix = "UPDATE_MANAGER"

const (
	DefaultSysroot     = "/sysroot"
	DefaultOSName      = "myos"
	DefaultRemoteName  = "linuxmint"
	DefaultRemoteURL   = "https://updates.myserver.com/ostreerepo"
	DefaultRef         = "myOS/amd64/stable"
	DefaultConcurrency = 4
	DefaultCacheSize   = 1024
)

type Remote struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Insecure bool   `mapstructure:"insecure"`
}

type Compression struct {
	Enabled bool `mapstructure:"enabled"`
	Level   int  `mapstructure:"level"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Config is the full set of settings.
type Config struct {
	Sysroot      string      `mapstructure:"sysroot"`
	Repo         string      `mapstructure:"repo"`
	OSName       string      `mapstructure:"osname"`
	Remote       Remote      `mapstructure:"remote"`
	Ref          string      `mapstructure:"ref"`
	Concurrency  int         `mapstructure:"concurrency"`
	Depth        int         `mapstructure:"depth"`
	MinFreeSpace uint64      `mapstructure:"min_free_space"`
	CacheSize    int         `mapstructure:"cache_size"`
	Compression  Compression `mapstructure:"compression"`
	Log          Log         `mapstructure:"log"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sysroot", DefaultSysroot)
	v.SetDefault("repo", "")
	v.SetDefault("osname", DefaultOSName)
	v.SetDefault("remote.name", DefaultRemoteName)
	v.SetDefault("remote.url", DefaultRemoteURL)
	v.SetDefault("remote.insecure", false)
	v.SetDefault("ref", DefaultRef)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("depth", -1)
	v.SetDefault("min_free_space", 0)
	v.SetDefault("cache_size", DefaultCacheSize)
	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.level", 2)
	v.SetDefault("log.level", "info")
}

// Load applies defaults to v and decodes it. The repository path defaults
// to ostree/repo under the sysroot.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Repo == "" {
		cfg.Repo = filepath.Join(cfg.Sysroot, "ostree", "repo")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would only fail later and less clearly.
func (c *Config) Validate() error {
	var errs []error
	if c.Sysroot == "" {
		errs = append(errs, errors.New("sysroot must be set"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache_size must not be negative, got %d", c.CacheSize))
	}
	if c.Compression.Level < 1 || c.Compression.Level > 4 {
		errs = append(errs, fmt.Errorf("compression.level must be between 1 and 4, got %d", c.Compression.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
