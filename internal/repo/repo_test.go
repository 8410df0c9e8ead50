package repo

import (
	"context"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/refs"
)

func openTestRepo(t *testing.T, fs afero.Fs) *Repository {
	t.Helper()
	r, err := Open(fs, "/sysroot/ostree/repo", WithCacheSize(8))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func writeTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := root + "/" + name
		require.NoError(t, fs.MkdirAll(parentDir(p), 0755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0644))
	}
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

func TestOpen_InitializesLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	for _, dir := range []string{"objects", "refs/heads", "refs/remotes"} {
		ok, err := afero.DirExists(fs, r.Path()+"/"+dir)
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}
	assert.Empty(t, r.Remotes())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestRemotes_PersistAcrossOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	origin := Remote{Name: "origin", URL: "oci://registry.example.com/os/image"}
	require.NoError(t, r.AddRemote(origin))
	require.NoError(t, r.AddRemote(Remote{Name: "local", URL: "file:///srv/repo"}))

	err := r.AddRemote(Remote{Name: "origin", URL: "oci://elsewhere/x"})
	assert.ErrorIs(t, err, errdefs.ErrRemoteExists)

	assert.ErrorIs(t, r.AddRemote(Remote{Name: "bad/name", URL: "oci://x/y"}), errdefs.ErrInvalidName)
	assert.Error(t, r.AddRemote(Remote{Name: "noscheme", URL: "registry/x"}))

	reopened := openTestRepo(t, fs)
	got, err := reopened.Remote("origin")
	require.NoError(t, err)
	assert.Equal(t, origin, got)

	names := []string{}
	for _, remote := range reopened.Remotes() {
		names = append(names, remote.Name)
	}
	assert.Equal(t, []string{"local", "origin"}, names)

	require.NoError(t, reopened.Refs().Update("origin", "os/amd64/stable", digest.FromString("c")))
	require.NoError(t, reopened.RemoveRemote("origin"))
	_, err = reopened.Remote("origin")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = reopened.Refs().Resolve("origin", "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
	assert.ErrorIs(t, reopened.RemoveRemote("origin"), errdefs.ErrNotFound)
}

func TestCommitDir_CheckoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	writeTree(t, fs, "/src", map[string]string{
		"etc/os-release":  "NAME=myos\n",
		"usr/bin/tool":    "#!/bin/sh\n",
		"usr/lib/libx.so": "elf",
	})

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c1, err := r.CommitDir(ctx, fs, "/src", CommitOptions{Branch: "os/amd64/stable", Subject: "v1", Version: "1", Timestamp: ts})
	require.NoError(t, err)

	head, err := r.Refs().Resolve(refs.Local, "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, c1, head)
	require.NoError(t, r.CheckCommit(ctx, c1))

	// Same content, same timestamp, same parent gives the same commit.
	again, err := r.CommitDir(ctx, fs, "/src", CommitOptions{Subject: "v1", Version: "1", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, c1, again)

	writeTree(t, fs, "/src", map[string]string{"etc/os-release": "NAME=myos\nVERSION=2\n"})
	c2, err := r.CommitDir(ctx, fs, "/src", CommitOptions{Branch: "os/amd64/stable", Subject: "v2", Version: "2"})
	require.NoError(t, err)

	commit, err := r.GetCommit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, c1, commit.Parent)

	require.NoError(t, r.Checkout(ctx, c2, fs, "/deploy"))
	data, err := afero.ReadFile(fs, "/deploy/etc/os-release")
	require.NoError(t, err)
	assert.Equal(t, "NAME=myos\nVERSION=2\n", string(data))
	data, err = afero.ReadFile(fs, "/deploy/usr/lib/libx.so")
	require.NoError(t, err)
	assert.Equal(t, "elf", string(data))

	assert.Error(t, r.Checkout(ctx, c2, fs, "/deploy"), "checkout into an existing directory")
}

func TestCheckCommit_Incomplete(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	blob, err := r.PutObject(ctx, &object.Blob{Content: []byte("kernel")})
	require.NoError(t, err)
	missing, _, err := object.DigestOf(&object.Blob{Content: []byte("never stored")})
	require.NoError(t, err)

	tree, err := r.PutObject(ctx, &object.Tree{Entries: []object.TreeEntry{
		{Name: "vmlinuz", Mode: 0644, Digest: blob},
		{Name: "initrd", Mode: 0644, Digest: missing},
	}})
	require.NoError(t, err)
	commit, err := r.PutObject(ctx, &object.Commit{Tree: tree, Subject: "broken", Timestamp: time.Unix(0, 0)})
	require.NoError(t, err)

	assert.ErrorIs(t, r.CheckCommit(ctx, commit), errdefs.ErrIncompleteCommit)

	absent := digest.FromString("no such commit")
	err = r.CheckCommit(ctx, absent)
	assert.ErrorIs(t, err, errdefs.ErrIncompleteCommit)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestCheckCommit_DamagedBlob(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r, err := Open(fs, "/repo", WithCompression(0, false))
	require.NoError(t, err)
	defer r.Close()

	writeTree(t, fs, "/src", map[string]string{"a": "alpha", "b": "beta"})
	c, err := r.CommitDir(ctx, fs, "/src", CommitOptions{Subject: "s"})
	require.NoError(t, err)

	blob, _, err := object.DigestOf(&object.Blob{Content: []byte("alpha")})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, r.store.ObjectPath(blob), []byte("blob 5\x00ALPHA"), 0644))

	err = r.CheckCommit(ctx, c)
	assert.ErrorIs(t, err, errdefs.ErrIncompleteCommit)
	assert.ErrorIs(t, err, errdefs.ErrCorrupt)
}

func TestPrune_KeepsOnlyReachable(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	writeTree(t, fs, "/v1", map[string]string{"shared": "same", "old": "only in v1"})
	writeTree(t, fs, "/v2", map[string]string{"shared": "same", "new": "only in v2"})

	c1, err := r.CommitDir(ctx, fs, "/v1", CommitOptions{Branch: "main", Subject: "v1"})
	require.NoError(t, err)
	c2, err := r.CommitDir(ctx, fs, "/v2", CommitOptions{Branch: "main", Subject: "v2"})
	require.NoError(t, err)

	result, err := r.Prune(ctx, []digest.Digest{c2})
	require.NoError(t, err)
	// c1, its tree and its private blob.
	assert.Equal(t, 3, result.Deleted)
	assert.Positive(t, result.FreedBytes)

	require.NoError(t, r.CheckCommit(ctx, c2))
	ok, err := r.HasObject(ctx, c1)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second prune with the same roots is a no-op.
	result, err = r.Prune(ctx, []digest.Digest{c2})
	require.NoError(t, err)
	assert.Zero(t, result.Deleted)
}

// cancelFs cancels a context once a number of files have been removed
// through it.
type cancelFs struct {
	afero.Fs
	after  int
	cancel context.CancelFunc
}

func (f *cancelFs) Remove(name string) error {
	err := f.Fs.Remove(name)
	if f.cancel != nil {
		f.after--
		if f.after == 0 {
			f.cancel()
		}
	}
	return err
}

// assertNoDanglingObjects fails when a stored commit or tree references an
// object that is not stored.
func assertNoDanglingObjects(t *testing.T, r *Repository) {
	t.Helper()
	ctx := context.Background()
	err := r.Store().Walk(ctx, func(d digest.Digest) error {
		o, err := r.GetObject(ctx, d)
		require.NoError(t, err)
		for _, child := range object.References(o) {
			ok, err := r.HasObject(ctx, child)
			require.NoError(t, err)
			assert.True(t, ok, "%s %s references missing %s", o.Kind(), d, child)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPrune_InterruptedLeavesNoDanglingObjects(t *testing.T) {
	v1 := map[string]string{
		"bin/sh":             "shell",
		"bin/ls":             "list",
		"usr/lib/os/release": "1",
		"usr/share/doc/a":    "docs",
		"etc/hostname":       "device",
	}
	v2 := map[string]string{"etc/hostname": "device", "usr/lib/os/release": "2"}

	setup := func(t *testing.T) (*cancelFs, *Repository, digest.Digest, int) {
		fs := &cancelFs{Fs: afero.NewMemMapFs()}
		r := openTestRepo(t, fs)
		writeTree(t, fs, "/v1", v1)
		writeTree(t, fs, "/v2", v2)
		ctx := context.Background()
		_, err := r.CommitDir(ctx, fs, "/v1", CommitOptions{Branch: "main", Subject: "v1"})
		require.NoError(t, err)
		c2, err := r.CommitDir(ctx, fs, "/v2", CommitOptions{Branch: "main", Subject: "v2"})
		require.NoError(t, err)

		live, err := r.Reachable(ctx, []digest.Digest{c2})
		require.NoError(t, err)
		var total int
		require.NoError(t, r.Store().Walk(ctx, func(digest.Digest) error {
			total++
			return nil
		}))
		return fs, r, c2, total - len(live)
	}

	_, _, _, dead := setup(t)
	require.Greater(t, dead, 4)

	for cut := 1; cut < dead; cut++ {
		fs, r, c2, _ := setup(t)
		ctx, cancel := context.WithCancel(context.Background())
		fs.after, fs.cancel = cut, cancel

		result, err := r.Prune(ctx, []digest.Digest{c2})
		cancel()
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, cut, result.Deleted)

		assertNoDanglingObjects(t, r)
		require.NoError(t, r.CheckCommit(context.Background(), c2))
	}
}

func TestResolveRev(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r := openTestRepo(t, fs)

	writeTree(t, fs, "/src", map[string]string{"f": "x"})
	c, err := r.CommitDir(ctx, fs, "/src", CommitOptions{Branch: "devel", Subject: "s"})
	require.NoError(t, err)

	a := digest.FromString("a")
	b := digest.FromString("b")
	require.NoError(t, r.Refs().Update("origin", "os/amd64/stable", a))
	require.NoError(t, r.Refs().Update("origin", "shared", a))
	require.NoError(t, r.Refs().Update("mirror", "shared", b))

	got, err := r.ResolveRev(ctx, "devel")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	got, err = r.ResolveRev(ctx, "origin:os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = r.ResolveRev(ctx, "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = r.ResolveRev(ctx, "mirror:shared")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = r.ResolveRev(ctx, "shared")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
	assert.Contains(t, err.Error(), "ambiguous")

	got, err = r.ResolveRev(ctx, c.String())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	got, err = r.ResolveRev(ctx, c.Encoded())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = r.ResolveRev(ctx, "nope")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
}
