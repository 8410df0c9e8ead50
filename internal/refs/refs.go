// Package refs implements the mutable name -> commit digest table of a
// repository.
//
// Refs are namespaced: the local namespace lives under heads/, each remote
// gets its own namespace under remotes/<remote>/. Ref names may contain
// slashes ("os/amd64/stable") and map onto nested directories. Every ref is
// one file holding the digest and a newline, replaced atomically on update,
// so a concurrent reader sees the old or the new value and never a torn one.
package refs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

// Local is the namespace of refs created on this machine.
const Local = ""

const (
	headsDir   = "heads"
	remotesDir = "remotes"
)

// Table is a durable, namespaced ref map rooted at a directory.
type Table struct {
	fs  afero.Fs
	dir string

	// mu serializes writers inside one process. Readers rely on atomic
	// replacement and never block.
	mu sync.Mutex
}

// New opens the ref table at dir, creating the layout when missing.
func New(fs afero.Fs, dir string) (*Table, error) {
	for _, sub := range []string{headsDir, remotesDir} {
		if err := fs.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create refs dir: %w", err)
		}
	}
	return &Table{fs: fs, dir: dir}, nil
}

// Resolve returns the digest a ref points at.
func (t *Table) Resolve(ns, name string) (digest.Digest, error) {
	path, err := t.path(ns, name)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(t.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", Refspec(ns, name), errdefs.ErrUnknownRef)
		}
		return "", fmt.Errorf("read ref %s: %w", Refspec(ns, name), err)
	}
	d, err := object.ParseDigest(string(data))
	if err != nil {
		return "", fmt.Errorf("ref %s: %w: %v", Refspec(ns, name), errdefs.ErrCorrupt, err)
	}
	return d, nil
}

// Update points a ref at d, replacing any previous value.
func (t *Table) Update(ns, name string, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("ref %s: invalid digest %q: %w", Refspec(ns, name), d, err)
	}
	path, err := t.path(ns, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create ref dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(t.fs, path, []byte(d.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("write ref %s: %w", Refspec(ns, name), err)
	}
	return nil
}

// Delete removes a ref. Deleting an unknown ref returns ErrUnknownRef.
func (t *Table) Delete(ns, name string) error {
	path, err := t.path(ns, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", Refspec(ns, name), errdefs.ErrUnknownRef)
		}
		return fmt.Errorf("remove ref %s: %w", Refspec(ns, name), err)
	}
	t.removeEmptyParents(filepath.Dir(path), t.nsDir(ns))
	return nil
}

// DeleteNamespace drops every ref of a remote namespace.
func (t *Table) DeleteNamespace(ns string) error {
	if ns == Local {
		return fmt.Errorf("%w: cannot drop the local namespace", errdefs.ErrInvalidName)
	}
	if !validComponent(ns) {
		return fmt.Errorf("%w: namespace %q", errdefs.ErrInvalidName, ns)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.RemoveAll(t.nsDir(ns)); err != nil {
		return fmt.Errorf("remove namespace %s: %w", ns, err)
	}
	return nil
}

// List returns every ref of a namespace. An empty namespace yields an empty
// map.
func (t *Table) List(ns string) (map[string]digest.Digest, error) {
	if ns != Local && !validComponent(ns) {
		return nil, fmt.Errorf("%w: namespace %q", errdefs.ErrInvalidName, ns)
	}
	root := t.nsDir(ns)
	result := make(map[string]digest.Digest)
	if ok, err := afero.DirExists(t.fs, root); err != nil || !ok {
		return result, err
	}

	err := afero.Walk(t.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || fsutil.IsTemp(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		d, err := t.Resolve(ns, name)
		if err != nil {
			return err
		}
		result[name] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Namespaces returns the remote namespaces that hold at least one ref,
// sorted by name.
func (t *Table) Namespaces() ([]string, error) {
	entries, err := afero.ReadDir(t.fs, filepath.Join(t.dir, remotesDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validComponent(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Refspec formats a namespaced ref as "remote:name", or just "name" for the
// local namespace.
func Refspec(ns, name string) string {
	if ns == Local {
		return name
	}
	return ns + ":" + name
}

// ParseRefspec splits "remote:name". A refspec without a colon names a local
// ref.
func ParseRefspec(s string) (ns, name string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return Local, s
}

// ValidName reports whether name may be used as a ref name.
func ValidName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if !validComponent(part) {
			return false
		}
	}
	return true
}

func validComponent(s string) bool {
	return object.ValidName(s) && !fsutil.IsTemp(s) && !strings.ContainsAny(s, ":\\")
}

func (t *Table) nsDir(ns string) string {
	if ns == Local {
		return filepath.Join(t.dir, headsDir)
	}
	return filepath.Join(t.dir, remotesDir, ns)
}

func (t *Table) path(ns, name string) (string, error) {
	if ns != Local && !validComponent(ns) {
		return "", fmt.Errorf("%w: namespace %q", errdefs.ErrInvalidName, ns)
	}
	if !ValidName(name) {
		return "", fmt.Errorf("%w: ref %q", errdefs.ErrInvalidName, name)
	}
	return filepath.Join(t.nsDir(ns), filepath.FromSlash(name)), nil
}

// removeEmptyParents removes now-empty directories between dir and stop,
// exclusive of stop.
func (t *Table) removeEmptyParents(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		entries, err := afero.ReadDir(t.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := t.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
