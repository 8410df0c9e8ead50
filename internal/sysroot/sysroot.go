// Package sysroot manages the deployments of a device: bootable checkouts of
// commits, their boot order, and the single record the bootloader reads.
//
// Every change to the boot order is written as a complete new record that is
// renamed over the previous one. A crash at any point leaves either the old or
// the new record on disk, never a mix.
package sysroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/repo"
)

const (
	ostreeDir  = "ostree"
	recordFile = "deployments.json"
	lockFile   = "lock"
	deployDir  = "deploy"
)

// Bootloader commits a new boot order to whatever reads it at boot.
type Bootloader interface {
	CommitBootIndex(ctx context.Context, index int) error
}

// NopBootloader accepts every boot order. The record itself is what the
// boot side consumes.
type NopBootloader struct{}

func (NopBootloader) CommitBootIndex(context.Context, int) error { return nil }

// Options configures a Sysroot.
type Options struct {
	Bootloader Bootloader
	Logger     *zap.Logger

	// MinFreeSpace is the number of free bytes Stage requires on the
	// filesystem holding DiskPath. Zero disables the check.
	MinFreeSpace uint64
	DiskPath     string

	freeSpace func(ctx context.Context, path string) (uint64, error)
	pidAlive  func(pid int) bool
}

// Option configures a Sysroot.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Bootloader: NopBootloader{},
		Logger:     zap.NewNop(),
		freeSpace:  diskFree,
		pidAlive:   pidExists,
	}
}

// WithBootloader sets the bootloader notified on every activation.
func WithBootloader(b Bootloader) Option {
	return func(o *Options) {
		if b != nil {
			o.Bootloader = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMinFreeSpace requires bytes of free space under path before staging.
func WithMinFreeSpace(bytes uint64, path string) Option {
	return func(o *Options) {
		o.MinFreeSpace = bytes
		o.DiskPath = path
	}
}

func withFreeSpace(f func(ctx context.Context, path string) (uint64, error)) Option {
	return func(o *Options) { o.freeSpace = f }
}

func withPidCheck(f func(pid int) bool) Option {
	return func(o *Options) { o.pidAlive = f }
}

// Sysroot is the deployment state of one device rooted at a directory that
// contains ostree/repo.
type Sysroot struct {
	fs   afero.Fs
	root string
	repo *repo.Repository
	opts *Options
	log  *zap.Logger

	mu  sync.Mutex
	rec *record
}

// Open returns the sysroot at root backed by r. Nothing is read until Load.
func Open(fs afero.Fs, root string, r *repo.Repository, opts ...Option) (*Sysroot, error) {
	if r == nil {
		return nil, errors.New("sysroot: nil repository")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.DiskPath == "" {
		o.DiskPath = root
	}

	if err := fs.MkdirAll(filepath.Join(root, ostreeDir, deployDir), 0755); err != nil {
		return nil, fmt.Errorf("create sysroot: %w", err)
	}

	return &Sysroot{
		fs:   fs,
		root: root,
		repo: r,
		opts: o,
		log:  o.Logger.Named("sysroot"),
	}, nil
}

func (s *Sysroot) Path() string           { return s.root }
func (s *Sysroot) Repo() *repo.Repository { return s.repo }
func (s *Sysroot) RecordPath() string     { return filepath.Join(s.root, ostreeDir, recordFile) }
func (s *Sysroot) LockPath() string       { return filepath.Join(s.root, ostreeDir, lockFile) }

func (s *Sysroot) DeployRoot(osName string) string {
	return filepath.Join(s.root, ostreeDir, deployDir, osName, deployDir)
}

// DeploymentPath returns the checkout directory of d.
func (s *Sysroot) DeploymentPath(d *Deployment) string {
	return filepath.Join(s.DeployRoot(d.OSName), d.ID)
}

// Load reads the deployment record from disk, replacing whatever was loaded
// before. A missing record is an empty sysroot.
func (s *Sysroot) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := readRecord(s.fs, s.RecordPath())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	s.log.Debug("loaded deployments",
		zap.Uint64("generation", rec.Generation),
		zap.Int("deployments", len(rec.Deployments)),
		zap.Int("staged", len(rec.Staged)))
	return nil
}

// Generation is the record generation seen by the last Load or write.
func (s *Sysroot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return 0
	}
	return s.rec.Generation
}

// Deployments returns the activated deployments in boot order.
func (s *Sysroot) Deployments() []*Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	return cloneAll(s.rec.Deployments)
}

// Staged returns the deployments written but not yet activated.
func (s *Sysroot) Staged() []*Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	return cloneAll(s.rec.Staged)
}

func (s *Sysroot) Booted() *Deployment             { return s.pick((*record).booted) }
func (s *Sysroot) Pending() *Deployment            { return s.pick((*record).pending) }
func (s *Sysroot) RollbackDeployment() *Deployment { return s.pick((*record).rollback) }

func (s *Sysroot) pick(f func(*record) *Deployment) *Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	if d := f(s.rec); d != nil {
		return d.clone()
	}
	return nil
}

func cloneAll(ds []*Deployment) []*Deployment {
	out := make([]*Deployment, len(ds))
	for i, d := range ds {
		out[i] = d.clone()
	}
	return out
}

// current returns the loaded record and checks that nobody replaced it on
// disk since. Callers hold s.mu.
func (s *Sysroot) current() (*record, error) {
	if s.rec == nil {
		return nil, errors.New("sysroot: not loaded")
	}
	onDisk, err := readRecord(s.fs, s.RecordPath())
	if err != nil {
		return nil, err
	}
	if onDisk.Generation != s.rec.Generation {
		return nil, fmt.Errorf("%w: loaded generation %d, on disk %d",
			errdefs.ErrStaleSysroot, s.rec.Generation, onDisk.Generation)
	}
	return s.rec, nil
}

// commit writes next as the new record and makes it current. Callers hold
// s.mu. Once the rename has happened the record is committed, even if its
// directory could not be flushed.
func (s *Sysroot) commit(next *record) error {
	next.Generation++
	next.derive()
	err := next.write(s.fs, s.RecordPath())
	if errors.Is(err, fsutil.ErrDirNotSynced) {
		s.log.Warn("deployment record written but not synced", zap.Error(err))
		err = nil
	}
	if err != nil {
		return err
	}
	s.rec = next
	return nil
}

// commitSet returns the commits of every deployment in ds.
func commitSet(ds ...[]*Deployment) map[digest.Digest]struct{} {
	out := make(map[digest.Digest]struct{})
	for _, list := range ds {
		for _, d := range list {
			out[d.Commit] = struct{}{}
		}
	}
	return out
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
