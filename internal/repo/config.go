package repo

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/refs"
)

const configVersion = 1

// Remote is a named remote endpoint.
type Remote struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Insecure allows plain HTTP and unverified TLS for registry remotes.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Validate checks the remote name and URL.
func (r Remote) Validate() error {
	if !refs.ValidName(r.Name) || strings.Contains(r.Name, "/") {
		return fmt.Errorf("%w: remote %q", errdefs.ErrInvalidName, r.Name)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("remote %s: invalid url %q: %w", r.Name, r.URL, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("remote %s: url %q has no scheme", r.Name, r.URL)
	}
	return nil
}

type config struct {
	Version int      `yaml:"version"`
	Remotes []Remote `yaml:"remotes,omitempty"`
}

func loadConfig(fs afero.Fs, path string) (*config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if isNotExist(err) {
			return &config{Version: configVersion}, nil
		}
		return nil, fmt.Errorf("read repository config: %w", err)
	}

	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse repository config %s: %w", path, err)
	}
	if cfg.Version > configVersion {
		return nil, fmt.Errorf("repository config version %d is newer than supported version %d", cfg.Version, configVersion)
	}
	cfg.Version = configVersion
	return &cfg, nil
}

func (c *config) save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal repository config: %w", err)
	}
	return fsutil.WriteFileAtomic(fs, path, data, 0644)
}

// AddRemote registers a remote. Registering a name twice fails with
// ErrRemoteExists.
func (r *Repository) AddRemote(remote Remote) error {
	if err := remote.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.config.Remotes {
		if existing.Name == remote.Name {
			return fmt.Errorf("remote %q: %w", remote.Name, errdefs.ErrRemoteExists)
		}
	}

	next := *r.config
	next.Remotes = append(append([]Remote(nil), r.config.Remotes...), remote)
	sort.Slice(next.Remotes, func(i, j int) bool { return next.Remotes[i].Name < next.Remotes[j].Name })

	if err := next.save(r.fs, r.ConfigPath()); err != nil {
		return fmt.Errorf("add remote %s: %w", remote.Name, err)
	}
	r.config = &next
	return nil
}

// Remote returns a registered remote by name.
func (r *Repository) Remote(name string) (Remote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, remote := range r.config.Remotes {
		if remote.Name == name {
			return remote, nil
		}
	}
	return Remote{}, fmt.Errorf("remote %q: %w", name, errdefs.ErrNotFound)
}

// Remotes returns every registered remote sorted by name.
func (r *Repository) Remotes() []Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Remote(nil), r.config.Remotes...)
}

// RemoveRemote unregisters a remote and drops its ref namespace. Objects
// fetched from it stay until the next prune.
func (r *Repository) RemoveRemote(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *r.config
	next.Remotes = nil
	found := false
	for _, remote := range r.config.Remotes {
		if remote.Name == name {
			found = true
			continue
		}
		next.Remotes = append(next.Remotes, remote)
	}
	if !found {
		return fmt.Errorf("remote %q: %w", name, errdefs.ErrNotFound)
	}

	if err := next.save(r.fs, r.ConfigPath()); err != nil {
		return fmt.Errorf("remove remote %s: %w", name, err)
	}
	r.config = &next

	if err := r.refs.DeleteNamespace(name); err != nil {
		return fmt.Errorf("remove refs of remote %s: %w", name, err)
	}
	return nil
}
