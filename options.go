package updatemanager

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/remote"
	"github.com/Tech-Reformist/update-manager/internal/sysroot"
)

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// Bootloader is told about every new boot order.
type Bootloader = sysroot.Bootloader

// Options configures Update.
type Options struct {
	Fs           afero.Fs
	Logger       *zap.Logger
	Auth         Authenticator
	Bootloader   Bootloader
	Concurrency  int
	Depth        int
	CacheSize    int
	Compression  bool
	Level        int
	MinFreeSpace uint64
}

// Option is a functional option for configuring Update.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Fs:          afero.NewOsFs(),
		Logger:      zap.NewNop(),
		Bootloader:  sysroot.NopBootloader{},
		Concurrency: remote.DefaultConcurrency,
		Depth:       -1,
		CacheSize:   1024,
		Compression: true,
		Level:       2,
	}
}

// WithFs sets the filesystem holding the sysroot.
func WithFs(fs afero.Fs) Option {
	return func(o *Options) { o.Fs = fs }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithBootloader sets the bootloader committed to on activation.
func WithBootloader(b Bootloader) Option {
	return func(o *Options) {
		if b != nil {
			o.Bootloader = b
		}
	}
}

// WithConcurrency sets the number of parallel object transfers.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithDepth limits the pulled history to n ancestors of the target commit.
func WithDepth(n int) Option {
	return func(o *Options) { o.Depth = n }
}

// WithCacheSize sets the number of objects kept in memory.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithCompression sets zstd compression of stored objects.
func WithCompression(level int, enabled bool) Option {
	return func(o *Options) {
		o.Level = level
		o.Compression = enabled
	}
}

// WithMinFreeSpace refuses to stage when fewer bytes are free on the
// sysroot filesystem.
func WithMinFreeSpace(bytes uint64) Option {
	return func(o *Options) { o.MinFreeSpace = bytes }
}
