package refs

import (
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

func newTable(t *testing.T) (*Table, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	table, err := New(fs, "/repo/refs")
	require.NoError(t, err)
	return table, fs
}

func TestTable_ResolveUnknown(t *testing.T) {
	table, _ := newTable(t)
	_, err := table.Resolve(Local, "main")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)

	_, err = table.Resolve("origin", "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
}

func TestTable_UpdateOverwrites(t *testing.T) {
	table, fs := newTable(t)
	c1 := digest.FromString("c1")
	c2 := digest.FromString("c2")

	require.NoError(t, table.Update("origin", "os/amd64/stable", c1))
	got, err := table.Resolve("origin", "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, c1, got)

	require.NoError(t, table.Update("origin", "os/amd64/stable", c2))
	got, err = table.Resolve("origin", "os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, c2, got)

	raw, err := afero.ReadFile(fs, "/repo/refs/remotes/origin/os/amd64/stable")
	require.NoError(t, err)
	assert.Equal(t, c2.String()+"\n", string(raw))

	// Namespaces are independent.
	_, err = table.Resolve(Local, "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
}

func TestTable_RejectsInvalidNames(t *testing.T) {
	table, _ := newTable(t)
	d := digest.FromString("x")

	for _, name := range []string{"", "/abs", "trailing/", "a//b", "../escape", "a/./b", "has:colon", ".tmp-x"} {
		err := table.Update(Local, name, d)
		assert.ErrorIs(t, err, errdefs.ErrInvalidName, "name %q", name)
	}
	assert.ErrorIs(t, table.Update("bad/ns", "main", d), errdefs.ErrInvalidName)
	assert.Error(t, table.Update(Local, "main", "sha256:short"))
}

func TestTable_ListAndNamespaces(t *testing.T) {
	table, _ := newTable(t)
	a := digest.FromString("a")
	b := digest.FromString("b")

	require.NoError(t, table.Update("origin", "os/amd64/stable", a))
	require.NoError(t, table.Update("origin", "os/arm64/stable", b))
	require.NoError(t, table.Update("mirror", "os/amd64/stable", a))
	require.NoError(t, table.Update(Local, "devel", b))

	refs, err := table.List("origin")
	require.NoError(t, err)
	assert.Equal(t, map[string]digest.Digest{
		"os/amd64/stable": a,
		"os/arm64/stable": b,
	}, refs)

	local, err := table.List(Local)
	require.NoError(t, err)
	assert.Equal(t, map[string]digest.Digest{"devel": b}, local)

	empty, err := table.List("nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	ns, err := table.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"mirror", "origin"}, ns)
}

func TestTable_Delete(t *testing.T) {
	table, fs := newTable(t)
	d := digest.FromString("d")

	require.NoError(t, table.Update("origin", "os/amd64/stable", d))
	require.NoError(t, table.Delete("origin", "os/amd64/stable"))

	_, err := table.Resolve("origin", "os/amd64/stable")
	assert.ErrorIs(t, err, errdefs.ErrUnknownRef)
	assert.ErrorIs(t, table.Delete("origin", "os/amd64/stable"), errdefs.ErrUnknownRef)

	exists, err := afero.DirExists(fs, "/repo/refs/remotes/origin/os")
	require.NoError(t, err)
	assert.False(t, exists, "empty parent directories are removed")

	require.NoError(t, table.Update("origin", "x", d))
	require.NoError(t, table.DeleteNamespace("origin"))
	ns, err := table.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, ns)

	assert.ErrorIs(t, table.DeleteNamespace(Local), errdefs.ErrInvalidName)
}

func TestTable_ConcurrentReadersSeeWholeValues(t *testing.T) {
	table, _ := newTable(t)
	values := []digest.Digest{digest.FromString("one"), digest.FromString("two")}
	require.NoError(t, table.Update(Local, "main", values[0]))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, table.Update(Local, "main", values[i%2]))
		}
	}()

	for i := 0; i < 100; i++ {
		got, err := table.Resolve(Local, "main")
		require.NoError(t, err)
		assert.Contains(t, values, got)
	}
	wg.Wait()
}

func TestRefspec(t *testing.T) {
	assert.Equal(t, "origin:os/amd64/stable", Refspec("origin", "os/amd64/stable"))
	assert.Equal(t, "devel", Refspec(Local, "devel"))

	ns, name := ParseRefspec("origin:os/amd64/stable")
	assert.Equal(t, "origin", ns)
	assert.Equal(t, "os/amd64/stable", name)

	ns, name = ParseRefspec("devel")
	assert.Equal(t, Local, ns)
	assert.Equal(t, "devel", name)
}
