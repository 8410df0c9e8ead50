package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Tech-Reformist/update-manager/internal/object"
)

// Snapshot is a read-only view of the tree of one commit. It implements
// fs.FS together with fs.ReadFileFS, fs.ReadDirFS and fs.StatFS, so commits
// can be browsed without checking them out.
type Snapshot struct {
	repo    *Repository
	ctx     context.Context
	commit  digest.Digest
	root    digest.Digest
	modTime time.Time

	mu    sync.RWMutex
	trees map[digest.Digest]*object.Tree
}

// Snapshot returns a view of commit. Reads through it use ctx.
func (r *Repository) Snapshot(ctx context.Context, commit digest.Digest) (*Snapshot, error) {
	c, err := r.GetCommit(ctx, commit)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		repo:    r,
		ctx:     ctx,
		commit:  commit,
		root:    c.Tree,
		modTime: c.Timestamp,
		trees:   make(map[digest.Digest]*object.Tree),
	}, nil
}

func (s *Snapshot) Commit() digest.Digest { return s.commit }
func (s *Snapshot) Root() digest.Digest   { return s.root }

func (s *Snapshot) Open(name string) (fs.File, error) {
	entry, err := s.lookup("open", name)
	if err != nil {
		return nil, err
	}
	info, err := s.info(entry)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	if entry.IsTree() {
		entries, err := s.readDir(entry.Digest)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &snapshotDir{info: info, path: name, entries: entries}, nil
	}

	blob, err := s.blob(entry.Digest)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &snapshotFile{info: info, Reader: bytes.NewReader(blob.Content)}, nil
}

func (s *Snapshot) ReadFile(name string) ([]byte, error) {
	entry, err := s.lookup("readfile", name)
	if err != nil {
		return nil, err
	}
	if entry.IsTree() {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fmt.Errorf("is a directory")}
	}
	blob, err := s.blob(entry.Digest)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return append([]byte(nil), blob.Content...), nil
}

func (s *Snapshot) ReadDir(name string) ([]fs.DirEntry, error) {
	entry, err := s.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !entry.IsTree() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fmt.Errorf("not a directory")}
	}
	entries, err := s.readDir(entry.Digest)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return entries, nil
}

func (s *Snapshot) Stat(name string) (fs.FileInfo, error) {
	entry, err := s.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	info, err := s.info(entry)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return info, nil
}

// lookup walks name from the root tree.
func (s *Snapshot) lookup(op, name string) (object.TreeEntry, error) {
	if !fs.ValidPath(name) {
		return object.TreeEntry{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	current := object.TreeEntry{Name: ".", Mode: fs.ModeDir | 0755, Digest: s.root}
	if name == "." {
		return current, nil
	}

	for _, part := range strings.Split(name, "/") {
		if !current.IsTree() {
			return object.TreeEntry{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		}
		tree, err := s.tree(current.Digest)
		if err != nil {
			return object.TreeEntry{}, &fs.PathError{Op: op, Path: name, Err: err}
		}
		child, ok := tree.Lookup(part)
		if !ok {
			return object.TreeEntry{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		}
		current = child
	}
	return current, nil
}

func (s *Snapshot) tree(d digest.Digest) (*object.Tree, error) {
	s.mu.RLock()
	t, ok := s.trees[d]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := s.repo.GetTree(s.ctx, d)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.trees[d] = t
	s.mu.Unlock()
	return t, nil
}

func (s *Snapshot) blob(d digest.Digest) (*object.Blob, error) {
	return s.repo.getBlob(s.ctx, d)
}

func (s *Snapshot) info(entry object.TreeEntry) (*snapshotInfo, error) {
	info := &snapshotInfo{name: path.Base(entry.Name), mode: entry.Mode, modTime: s.modTime}
	if !entry.IsTree() {
		blob, err := s.blob(entry.Digest)
		if err != nil {
			return nil, err
		}
		info.size = int64(len(blob.Content))
	}
	return info, nil
}

func (s *Snapshot) readDir(d digest.Digest) ([]fs.DirEntry, error) {
	tree, err := s.tree(d)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		info, err := s.info(e)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	return entries, nil
}

type snapshotInfo struct {
	name    string
	mode    fs.FileMode
	size    int64
	modTime time.Time
}

func (i *snapshotInfo) Name() string       { return i.name }
func (i *snapshotInfo) Size() int64        { return i.size }
func (i *snapshotInfo) Mode() fs.FileMode  { return i.mode }
func (i *snapshotInfo) ModTime() time.Time { return i.modTime }
func (i *snapshotInfo) IsDir() bool        { return i.mode.IsDir() }
func (i *snapshotInfo) Sys() any           { return nil }

type snapshotFile struct {
	*bytes.Reader
	info *snapshotInfo
}

func (f *snapshotFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *snapshotFile) Close() error               { return nil }

type snapshotDir struct {
	info    *snapshotInfo
	path    string
	entries []fs.DirEntry
	offset  int
}

func (d *snapshotDir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *snapshotDir) Close() error               { return nil }

func (d *snapshotDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.path, Err: fmt.Errorf("is a directory")}
}

func (d *snapshotDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.offset += n
	return rest[:n], nil
}
