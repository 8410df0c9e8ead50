// Package repo ties the object store, the ref table and the remote
// configuration of one repository together.
//
// On-disk layout:
//
//	<path>/
//	  config.yaml   remotes, replaced atomically
//	  objects/      see store.LocalStore
//	  refs/heads/   local refs
//	  refs/remotes/ one namespace per remote
package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/refs"
	"github.com/Tech-Reformist/update-manager/internal/store"
)

const (
	objectsDir = "objects"
	refsDir    = "refs"
	configFile = "config.yaml"
)

// Options configures Open.
type Options struct {
	CacheSize          int
	CompressionLevel   int
	CompressionEnabled bool
	Logger             *zap.Logger
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheSize:          store.DefaultCacheSize,
		CompressionLevel:   2,
		CompressionEnabled: true,
		Logger:             zap.NewNop(),
	}
}

// WithCacheSize sets how many verified objects are kept in memory.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithCompression configures at-rest compression of new objects. Objects
// already stored are readable either way.
func WithCompression(level int, enabled bool) Option {
	return func(o *Options) {
		o.CompressionLevel = level
		o.CompressionEnabled = enabled
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

// Repository owns the object store, the ref table and the set of remotes.
// A Repository assumes a single writer; readers are always safe.
type Repository struct {
	fs   afero.Fs
	path string
	log  *zap.Logger

	store *store.LocalStore
	refs  *refs.Table

	mu      sync.Mutex // guards config
	config  *config
	closeMu sync.Once
}

// Open opens the repository at path, initializing the layout when it does
// not exist yet.
func Open(fs afero.Fs, path string, opts ...Option) (*Repository, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if err := fs.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create repository %s: %w", path, err)
	}

	s, err := store.NewLocalStore(fs, filepath.Join(path, objectsDir),
		options.CacheSize, options.CompressionLevel, options.CompressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	table, err := refs.New(fs, filepath.Join(path, refsDir))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open ref table: %w", err)
	}

	cfg, err := loadConfig(fs, filepath.Join(path, configFile))
	if err != nil {
		s.Close()
		return nil, err
	}

	r := &Repository{
		fs:     fs,
		path:   path,
		log:    options.Logger.With(zap.String("repo", path)),
		store:  s,
		refs:   table,
		config: cfg,
	}

	if n, err := s.CleanTemp(context.Background()); err != nil {
		r.log.Warn("failed to remove interrupted writes", zap.Error(err))
	} else if n > 0 {
		r.log.Info("removed interrupted writes", zap.Int("count", n))
	}

	return r, nil
}

// Close releases the resources held by the repository. It is safe to call
// more than once.
func (r *Repository) Close() error {
	var err error
	r.closeMu.Do(func() {
		err = r.store.Close()
	})
	return err
}

func (r *Repository) Path() string        { return r.path }
func (r *Repository) Fs() afero.Fs        { return r.fs }
func (r *Repository) Store() store.Store  { return r.store }
func (r *Repository) Refs() *refs.Table   { return r.refs }
func (r *Repository) Logger() *zap.Logger { return r.log }
func (r *Repository) ObjectsDir() string  { return filepath.Join(r.path, objectsDir) }
func (r *Repository) ConfigPath() string  { return filepath.Join(r.path, configFile) }

// HasObject reports whether an object is stored.
func (r *Repository) HasObject(ctx context.Context, d digest.Digest) (bool, error) {
	return r.store.Has(ctx, d)
}

// PutObject serializes and stores an object.
func (r *Repository) PutObject(ctx context.Context, o object.Object) (digest.Digest, error) {
	data, err := object.Encode(o)
	if err != nil {
		return "", err
	}
	return r.store.Put(ctx, data)
}

// GetObject reads, verifies and decodes an object.
func (r *Repository) GetObject(ctx context.Context, d digest.Digest) (object.Object, error) {
	data, err := r.store.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	o, err := object.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", d, err)
	}
	return o, nil
}

// GetCommit reads a commit object.
func (r *Repository) GetCommit(ctx context.Context, d digest.Digest) (*object.Commit, error) {
	o, err := r.GetObject(ctx, d)
	if err != nil {
		return nil, err
	}
	c, ok := o.(*object.Commit)
	if !ok {
		return nil, fmt.Errorf("object %s is a %s, not a commit: %w", d, o.Kind(), errdefs.ErrCorrupt)
	}
	return c, nil
}

// GetTree reads a tree object.
func (r *Repository) GetTree(ctx context.Context, d digest.Digest) (*object.Tree, error) {
	o, err := r.GetObject(ctx, d)
	if err != nil {
		return nil, err
	}
	t, ok := o.(*object.Tree)
	if !ok {
		return nil, fmt.Errorf("object %s is a %s, not a tree: %w", d, o.Kind(), errdefs.ErrCorrupt)
	}
	return t, nil
}

// ResolveRev resolves a revision to a commit digest.
//
// Accepted forms:
//   - "remote:name" looks only in that remote's namespace
//   - "name" looks in the local namespace first, then in every remote
//     namespace; a name present in more than one remote is ambiguous
//   - a full digest ("sha256:..." or bare hex) of a stored commit
func (r *Repository) ResolveRev(ctx context.Context, rev string) (digest.Digest, error) {
	if d, ok := r.asStoredDigest(ctx, rev); ok {
		return d, nil
	}

	ns, name := refs.ParseRefspec(rev)
	if ns != refs.Local {
		return r.refs.Resolve(ns, name)
	}

	d, err := r.refs.Resolve(refs.Local, name)
	if err == nil || !errors.Is(err, errdefs.ErrUnknownRef) {
		return d, err
	}

	namespaces, err := r.refs.Namespaces()
	if err != nil {
		return "", err
	}
	var (
		found   digest.Digest
		matches []string
	)
	for _, remote := range namespaces {
		d, err := r.refs.Resolve(remote, name)
		if errors.Is(err, errdefs.ErrUnknownRef) {
			continue
		}
		if err != nil {
			return "", err
		}
		found = d
		matches = append(matches, refs.Refspec(remote, name))
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s: %w", rev, errdefs.ErrUnknownRef)
	case 1:
		return found, nil
	default:
		return "", fmt.Errorf("ref %q is ambiguous (%s): %w", rev, strings.Join(matches, ", "), errdefs.ErrUnknownRef)
	}
}

func (r *Repository) asStoredDigest(ctx context.Context, rev string) (digest.Digest, bool) {
	if !strings.HasPrefix(rev, string(digest.SHA256)+":") && len(rev) != digest.SHA256.Size()*2 {
		return "", false
	}
	d, err := object.ParseDigest(rev)
	if err != nil {
		return "", false
	}
	ok, err := r.store.Has(ctx, d)
	if err != nil || !ok {
		return "", false
	}
	return d, true
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
