package store

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

func newTestStore(t *testing.T, fs afero.Fs, compress bool) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(fs, "/repo/objects", 16, 2, compress)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func encodeBlob(t *testing.T, content []byte) []byte {
	t.Helper()
	data, err := object.Encode(&object.Blob{Content: content})
	require.NoError(t, err)
	return data
}

func TestLocalStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, compress := range []bool{false, true} {
		s := newTestStore(t, afero.NewMemMapFs(), compress)

		small := encodeBlob(t, []byte("hello"))
		large := encodeBlob(t, bytes.Repeat([]byte("0123456789"), 1000))

		for _, data := range [][]byte{small, large} {
			d, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, digest.FromBytes(data), d)

			got, err := s.Get(ctx, d)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := s.Has(ctx, d)
			require.NoError(t, err)
			assert.True(t, ok)
		}
	}
}

func TestLocalStore_PutIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, false)

	data := encodeBlob(t, []byte("same content"))
	d1, err := s.Put(ctx, data)
	require.NoError(t, err)
	size1, err := s.Stat(ctx, d1)
	require.NoError(t, err)

	d2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	size2, err := s.Stat(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, size1, size2)

	var count int
	require.NoError(t, s.Walk(ctx, func(digest.Digest) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestLocalStore_GetMissing(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), false)
	_, err := s.Get(context.Background(), digest.FromString("absent"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	ok, err := s.Has(context.Background(), digest.FromString("absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_DetectsOutOfBandMutation(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, false)

	d, err := s.Put(ctx, encodeBlob(t, []byte("pristine")))
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, s.ObjectPath(d), encodeBlob(t, []byte("tampered")), 0644))

	_, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, errdefs.ErrCorrupt)
}

func TestLocalStore_CachedObjectMutatedOnDisk(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, false)

	d, err := s.Put(ctx, encodeBlob(t, []byte("pristine")))
	require.NoError(t, err)

	// Verified once, so the object is cached.
	_, err = s.Get(ctx, d)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, s.ObjectPath(d), encodeBlob(t, []byte("tampered")), 0644))
	_, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, errdefs.ErrCorrupt)

	require.NoError(t, fs.Remove(s.ObjectPath(d)))
	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestLocalStore_CachedObjectSurvivesRewrite(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, false)

	blob := encodeBlob(t, []byte("same bytes"))
	d, err := s.Put(ctx, blob)
	require.NoError(t, err)
	_, err = s.Get(ctx, d)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, s.ObjectPath(d), blob, 0644))
	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestLocalStore_DetectsDamagedCompressedRecord(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, true)

	d, err := s.Put(ctx, encodeBlob(t, bytes.Repeat([]byte("x"), 8192)))
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, s.ObjectPath(d))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, s.ObjectPath(d), raw[:len(raw)/2], 0644))

	_, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, errdefs.ErrCorrupt)
}

func TestLocalStore_DeleteAndWalk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, afero.NewMemMapFs(), false)

	var want []string
	for _, c := range []string{"a", "b", "c"} {
		d, err := s.Put(ctx, encodeBlob(t, []byte(c)))
		require.NoError(t, err)
		want = append(want, d.String())
	}

	var got []string
	require.NoError(t, s.Walk(ctx, func(d digest.Digest) error {
		got = append(got, d.String())
		return nil
	}))
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)

	victim := digest.Digest(want[0])
	_, err := s.Get(ctx, victim)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, victim))
	require.NoError(t, s.Delete(ctx, victim))

	_, err = s.Get(ctx, victim)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestLocalStore_CleanTemp(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, false)

	d, err := s.Put(ctx, encodeBlob(t, []byte("kept")))
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("/repo/objects/ab", 0755))
	require.NoError(t, afero.WriteFile(fs, "/repo/objects/ab/.tmp-123", []byte("partial"), 0644))

	n, err := s.CleanTemp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStore_OSBacked(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(afero.NewBasePathFs(afero.NewOsFs(), dir), "/objects", 0, 2, true)
	require.NoError(t, err)
	defer s.Close()

	data := encodeBlob(t, []byte("on disk"))
	d, err := s.Put(ctx, data)
	require.NoError(t, err)

	reopened, err := NewLocalStore(afero.NewBasePathFs(afero.NewOsFs(), dir), "/objects", 0, 2, true)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
