package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tech-Reformist/update-manager/internal/repo"
	"github.com/Tech-Reformist/update-manager/internal/sysroot"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--log-level", "none"}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func TestCLI_CommitUpdateBoot(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "os-release"), []byte("VERSION_ID=1\n"), 0644))

	server := filepath.Join(t.TempDir(), "server")
	device := t.TempDir()
	const ref = "os/amd64/stable"

	require.NoError(t, run(t, "--repo", server, "commit", src, "--branch", ref, "--subject", "v1"))

	update := []string{"--repo=", "--sysroot", device, "update",
		"--os", "myos",
		"--remote-name", "origin",
		"--remote-url", "file://" + server,
		"--ref", ref,
	}
	require.NoError(t, run(t, update...))

	r, err := repo.Open(afero.NewOsFs(), filepath.Join(device, "ostree", "repo"))
	require.NoError(t, err)
	defer r.Close()
	sys, err := sysroot.Open(afero.NewOsFs(), device, r)
	require.NoError(t, err)
	require.NoError(t, sys.Load(context.Background()))
	pending := sys.Pending()
	require.NotNil(t, pending)
	assert.Equal(t, "origin:"+ref, pending.Origin.Refspec())

	data, err := os.ReadFile(filepath.Join(sys.DeploymentPath(pending), "etc", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "VERSION_ID=1\n", string(data))

	require.NoError(t, run(t, "--repo=", "--sysroot", device, "boot-complete"))
	require.NoError(t, sys.Load(context.Background()))
	require.NotNil(t, sys.Booted())
	assert.Equal(t, pending.ID, sys.Booted().ID)

	for _, args := range [][]string{
		{"status"},
		{"refs"},
		{"refs", "origin"},
		{"remote", "list"},
		{"ls", "origin:" + ref},
		{"ls", "origin:" + ref, "etc"},
		{"cat", "origin:" + ref, "etc/os-release"},
		{"cleanup"},
	} {
		require.NoError(t, run(t, append([]string{"--repo=", "--sysroot", device}, args...)...), args)
	}
}

func TestCLI_UpdateExitCodes(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	server := filepath.Join(t.TempDir(), "server")
	device := t.TempDir()

	err := run(t, "--repo=", "--sysroot", device, "update",
		"--os", "myos",
		"--remote-name", "origin",
		"--remote-url", "file://"+server,
		"--ref", "os/amd64/missing")
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 4, exit.code)
}

func TestCLI_Remotes(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	device := t.TempDir()
	base := []string{"--repo=", "--sysroot", device}

	require.NoError(t, run(t, append(base, "remote", "add", "mirror", "oci://registry.example.com/os")...))
	assert.Error(t, run(t, append(base, "remote", "add", "mirror", "oci://registry.example.com/os")...))

	r, err := repo.Open(afero.NewOsFs(), filepath.Join(device, "ostree", "repo"))
	require.NoError(t, err)
	rem, err := r.Remote("mirror")
	require.NoError(t, err)
	assert.Equal(t, "oci://registry.example.com/os", rem.URL)
	require.NoError(t, r.Close())

	require.NoError(t, run(t, append(base, "remote", "remove", "mirror")...))
	r, err = repo.Open(afero.NewOsFs(), filepath.Join(device, "ostree", "repo"))
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.Remotes())
}
