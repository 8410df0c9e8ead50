package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_OS(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	path := filepath.Join(dir, "record.json")

	require.NoError(t, WriteFileAtomic(fs, path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(fs, path, []byte("second"), 0600))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

type failRenameFs struct {
	afero.Fs
}

func (f failRenameFs) Rename(oldname, newname string) error {
	return errors.New("disk full")
}

func TestWriteFileAtomic_FailureKeepsOriginal(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll("/s", 0755))
	require.NoError(t, WriteFileAtomic(mem, "/s/record", []byte("original"), 0644))

	err := WriteFileAtomic(failRenameFs{mem}, "/s/record", []byte("replacement"), 0644)
	require.Error(t, err)

	got, err := afero.ReadFile(mem, "/s/record")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	entries, err := afero.ReadDir(mem, "/s")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, IsTemp(e.Name()), "temp file %s left behind", e.Name())
	}
}

// failDirSyncFs fails the fsync of every directory.
type failDirSyncFs struct {
	afero.Fs
}

func (f failDirSyncFs) Open(name string) (afero.File, error) {
	file, err := f.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return failSyncFile{file}, nil
}

type failSyncFile struct {
	afero.File
}

func (failSyncFile) Sync() error { return errors.New("fsync: input/output error") }

func TestWriteFileAtomic_DirSyncFailureAfterRename(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll("/s", 0755))
	require.NoError(t, WriteFileAtomic(mem, "/s/record", []byte("original"), 0644))

	err := WriteFileAtomic(failDirSyncFs{mem}, "/s/record", []byte("replacement"), 0644)
	require.ErrorIs(t, err, ErrDirNotSynced)

	got, err := afero.ReadFile(mem, "/s/record")
	require.NoError(t, err)
	assert.Equal(t, "replacement", string(got), "the rename already happened")
}

func TestWriteFileSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin", "sh")
	fs := afero.NewOsFs()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))

	require.NoError(t, WriteFileSync(fs, path, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, WriteFileSync(fs, path, []byte("short"), 0755))
	require.NoError(t, SyncDir(fs, filepath.Dir(path)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))
}

func TestWriteFileAtomic_MissingDir(t *testing.T) {
	mem := afero.NewMemMapFs()
	err := WriteFileAtomic(afero.NewReadOnlyFs(mem), "/nodir/file", []byte("x"), 0644)
	assert.Error(t, err)
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp(".tmp-12345"))
	assert.False(t, IsTemp("record.json"))
	assert.False(t, IsTemp(".tmp-"))
}
