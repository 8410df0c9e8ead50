package remote

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/repo"
)

// sampleCommit builds a small commit in a fresh repository and returns its
// closure.
func sampleCommit(t *testing.T) (digest.Digest, map[digest.Digest][]byte) {
	t.Helper()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	r, err := repo.Open(fs, "/build")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, fs.MkdirAll("/src/etc", 0755))
	require.NoError(t, afero.WriteFile(fs, "/src/etc/os-release", []byte("NAME=myos\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/vmlinuz", []byte("kernel image"), 0644))

	c, err := r.CommitDir(ctx, fs, "/src", repo.CommitOptions{Subject: "v1", Timestamp: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	objects, err := r.Closure(ctx, c)
	require.NoError(t, err)
	return c, objects
}

func TestTagFor(t *testing.T) {
	assert.Equal(t, "os_amd64_stable", TagFor("os/amd64/stable"))
	assert.Equal(t, "main", TagFor("main"))
}

func TestOpen_DispatchesOnScheme(t *testing.T) {
	fs := afero.NewMemMapFs()

	tr, err := Open(repo.Remote{Name: "origin", URL: "oci://registry.example.com/os/image"})
	require.NoError(t, err)
	oci, ok := tr.(*OCIRemote)
	require.True(t, ok)
	assert.Equal(t, "registry.example.com/os/image", oci.String())

	tr, err = Open(repo.Remote{Name: "hub", URL: "docker://registry.example.com/os/image"})
	require.NoError(t, err)
	assert.IsType(t, &OCIRemote{}, tr)

	tr, err = Open(repo.Remote{Name: "linuxmint", URL: "https://updates.myserver.com/ostreerepo"})
	require.NoError(t, err)
	assert.Equal(t, "updates.myserver.com/ostreerepo", tr.(*OCIRemote).String())

	tr, err = Open(repo.Remote{Name: "mirror", URL: "file:///srv/mirror"}, WithFs(fs))
	require.NoError(t, err)
	assert.IsType(t, &LocalRemote{}, tr)
	require.NoError(t, tr.Close())

	_, err = Open(repo.Remote{Name: "web", URL: "ftp://example.com/repo"})
	assert.Error(t, err)
}

func TestLocalRemote_PublishResolveFetch(t *testing.T) {
	ctx := context.Background()
	commit, objects := sampleCommit(t)

	fs := afero.NewMemMapFs()
	remote, err := NewLocalRemote(fs, "/srv/mirror", nil)
	require.NoError(t, err)
	defer remote.Close()

	_, err = remote.ResolveRef(ctx, "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, remote.Publish(ctx, "os/amd64/stable", commit, objects))

	got, err := remote.ResolveRef(ctx, "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, commit, got)

	for d, want := range objects {
		data, err := remote.FetchObject(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}

	_, err = remote.FetchObject(ctx, digest.FromString("absent"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestLocalRemote_PublishRejectsBadObjects(t *testing.T) {
	ctx := context.Background()
	commit, objects := sampleCommit(t)

	remote, err := NewLocalRemote(afero.NewMemMapFs(), "/srv/mirror", nil)
	require.NoError(t, err)
	defer remote.Close()

	err = remote.Publish(ctx, "main", digest.FromString("not included"), objects)
	assert.Error(t, err)

	tampered := make(map[digest.Digest][]byte, len(objects))
	for d, data := range objects {
		tampered[d] = data
	}
	for d := range tampered {
		if d != commit {
			tampered[d] = []byte("blob 3\x00bad")
			break
		}
	}
	assert.ErrorIs(t, remote.Publish(ctx, "main", commit, tampered), errdefs.ErrIntegrity)

	_, err = remote.ResolveRef(ctx, "main")
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "ref is not advanced by a failed publish")
}

func newRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestOCIRemote_PublishResolveFetch(t *testing.T) {
	ctx := context.Background()
	commit, objects := sampleCommit(t)
	host := newRegistry(t)

	remote, err := NewOCIRemote(host+"/os/image", true, StaticAuthenticator{}, 2, nil)
	require.NoError(t, err)

	_, err = remote.ResolveRef(ctx, "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, remote.Publish(ctx, "os/amd64/stable", commit, objects))

	got, err := remote.ResolveRef(ctx, "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, commit, got)

	for d, want := range objects {
		data, err := remote.FetchObject(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, want, data)
		assert.True(t, object.Verify(d, data))
	}

	_, err = remote.FetchObject(ctx, digest.FromString("absent"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestOCIRemote_Republish(t *testing.T) {
	ctx := context.Background()
	commit, objects := sampleCommit(t)
	host := newRegistry(t)

	remote, err := NewOCIRemote(host+"/os/image", true, nil, 0, nil)
	require.NoError(t, err)

	require.NoError(t, remote.Publish(ctx, "stable", commit, objects))
	require.NoError(t, remote.Publish(ctx, "stable", commit, objects))
	require.NoError(t, remote.Publish(ctx, "testing", commit, objects))

	for _, ref := range []string{"stable", "testing"} {
		got, err := remote.ResolveRef(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, commit, got)
	}
}

func TestRetry_StopsOnNotFound(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), 3, func() (int, error) {
		calls++
		return 0, errdefs.ErrNotFound
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, 1, calls)

	calls = 0
	got, err := retry(context.Background(), 3, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errdefs.ErrTransport
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetry_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := retry(ctx, 3, func() (int, error) {
		calls++
		return 0, errdefs.ErrTransport
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
