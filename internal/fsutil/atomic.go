// Package fsutil holds filesystem helpers shared by the store, the ref table
// and the sysroot.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrDirNotSynced is returned by WriteFileAtomic when path was replaced but
// its directory could not be flushed. The new content is in place and
// visible; only its durability across a crash is unconfirmed.
var ErrDirNotSynced = errors.New("directory not synced")

// WriteFileAtomic writes data to path atomically: tempfile -> fsync -> rename.
// The tempfile is created in the same directory as path so the rename stays on
// one filesystem. On any error the tempfile is removed and the previous
// content of path, if any, is untouched.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	f, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	defer func() {
		if err != nil {
			fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = fs.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	if serr := SyncDir(fs, dir); serr != nil {
		return fmt.Errorf("%w: %w", ErrDirNotSynced, serr)
	}
	return nil
}

// WriteFileSync writes data to path and flushes it to stable storage before
// returning. Unlike WriteFileAtomic it writes in place, for files in a
// directory that is itself moved into place afterwards.
func WriteFileSync(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return f.Close()
}

// SyncDir flushes a directory so that entries renamed into it survive a
// crash.
func SyncDir(fs afero.Fs, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for fsync: %w", err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("fsync dir: %w", err)
	}
	return d.Close()
}

// IsTemp reports whether name was produced by WriteFileAtomic and left
// behind by a crash.
func IsTemp(name string) bool {
	return len(name) > 5 && name[:5] == ".tmp-"
}
