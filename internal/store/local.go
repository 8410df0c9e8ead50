package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/Tech-Reformist/update-manager/internal/compression"
	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

// LocalStore implements Store on an afero filesystem.
//
// Storage layout:
//
//	dir/
//	  ab/cd123...  (sha256 hex, git-style sharding)
//	  ab/.tmp-*    (in-flight writes, removed by CleanTemp)
type LocalStore struct {
	fs         afero.Fs
	dir        string
	cache      Cache
	compressor *compression.Compressor
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(fs afero.Fs, dir string, cacheSize int, compressionLevel int, compressionEnabled bool) (*LocalStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	compressor, err := compression.NewCompressor(compressionLevel, compressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	cache, err := NewLRUCache(cacheSize)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &LocalStore{
		fs:         fs,
		dir:        dir,
		cache:      cache,
		compressor: compressor,
	}, nil
}

// Put stores an object and returns its digest. The write is durable before
// Put returns.
func (s *LocalStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d := digest.FromBytes(data)
	path := s.objectPath(d)
	if _, err := s.fs.Stat(path); err == nil {
		return d, nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.fs, path, s.compressor.Compress(data), 0644); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", d, err)
	}

	return d, nil
}

// Get retrieves an object by digest, verifying the stored content.
func (s *LocalStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, err)
	}

	raw, err := afero.ReadFile(s.fs, s.objectPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.cache.Remove(d)
			return nil, fmt.Errorf("object %s: %w", d, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", d, err)
	}

	// The cache saves decompression and hashing, never the read: a record
	// changed on disk since it was verified is verified again.
	if e, ok := s.cache.Get(d); ok && bytes.Equal(e.Raw, raw) {
		return e.Data, nil
	}

	data, err := s.compressor.Decompress(raw)
	if err != nil {
		s.cache.Remove(d)
		return nil, fmt.Errorf("object %s: %w: %v", d, errdefs.ErrCorrupt, err)
	}
	if !object.Verify(d, data) {
		s.cache.Remove(d)
		return nil, fmt.Errorf("object %s: %w: content digest is %s", d, errdefs.ErrCorrupt, digest.FromBytes(data))
	}

	s.cache.Add(d, Entry{Raw: raw, Data: data})
	return data, nil
}

// Has checks if an object exists on disk.
func (s *LocalStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if d.Validate() != nil {
		return false, nil
	}

	_, err := s.fs.Stat(s.objectPath(d))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) Stat(ctx context.Context, d digest.Digest) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, fmt.Errorf("invalid digest %q: %w", d, err)
	}
	info, err := s.fs.Stat(s.objectPath(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("object %s: %w", d, errdefs.ErrNotFound)
		}
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes an object from disk and cache. Deleting an absent object
// is not an error.
func (s *LocalStore) Delete(ctx context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", d, err)
	}
	s.cache.Remove(d)
	if err := s.fs.Remove(s.objectPath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove object %s: %w", d, err)
	}
	return nil
}

// Walk visits every stored object. Files that do not name a valid digest
// are skipped.
func (s *LocalStore) Walk(ctx context.Context, fn func(digest.Digest) error) error {
	return afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || fsutil.IsTemp(info.Name()) {
			return nil
		}
		shard := filepath.Base(filepath.Dir(path))
		d := digest.NewDigestFromEncoded(digest.SHA256, shard+info.Name())
		if d.Validate() != nil {
			return nil
		}
		return fn(d)
	})
}

// CleanTemp removes leftovers of writes interrupted by a crash and returns
// how many were removed.
func (s *LocalStore) CleanTemp(ctx context.Context) (int, error) {
	var stale []string
	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && fsutil.IsTemp(info.Name()) {
			stale = append(stale, path)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	for _, path := range stale {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return len(stale), nil
}

// Evict removes an object from cache only.
func (s *LocalStore) Evict(d digest.Digest) {
	s.cache.Remove(d)
}

func (s *LocalStore) Close() error {
	s.cache.Clear()
	return s.compressor.Close()
}

// objectPath returns the filesystem path for an object digest.
// Git-style sharding: ab/cd123...
func (s *LocalStore) objectPath(d digest.Digest) string {
	hash := d.Encoded()
	if len(hash) < 4 {
		return filepath.Join(s.dir, hash)
	}
	return filepath.Join(s.dir, hash[:2], hash[2:])
}

// ObjectPath exposes the on-disk location of an object.
func (s *LocalStore) ObjectPath(d digest.Digest) string {
	return s.objectPath(d)
}
