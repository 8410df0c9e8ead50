// Package remote implements the transports a repository pulls from and
// publishes to.
//
// Two transports are provided:
//   - oci:// (or docker://, https://, http://) stores every object as a registry blob addressed
//     by its own digest; a ref is an image tag whose config carries the
//     commit digest in a label
//   - file:// reads and writes another repository on a local filesystem
//
// Transports own their retry policy. Errors wrap errdefs.ErrNotFound when the
// remote does not have the ref or object, and errdefs.ErrTransport for
// everything else.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/repo"
)

const DefaultConcurrency = 4

// Transport resolves refs and fetches objects from a remote.
type Transport interface {
	// ResolveRef returns the commit digest a remote ref points at.
	ResolveRef(ctx context.Context, ref string) (digest.Digest, error)

	// FetchObject returns the serialized bytes of an object. The caller
	// verifies them against d.
	FetchObject(ctx context.Context, d digest.Digest) ([]byte, error)
}

// Publisher uploads a commit and the objects it references, then points
// ref at it.
type Publisher interface {
	Publish(ctx context.Context, ref string, commit digest.Digest, objects map[digest.Digest][]byte) error
}

// Options configures Open.
type Options struct {
	Auth        Authenticator
	Concurrency int
	Logger      *zap.Logger
	// Fs backs file:// remotes.
	Fs afero.Fs
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Concurrency: DefaultConcurrency,
		Logger:      zap.NewNop(),
		Fs:          afero.NewOsFs(),
	}
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithConcurrency sets the number of parallel uploads when publishing.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithFs sets the filesystem used by file:// remotes.
func WithFs(fs afero.Fs) Option {
	return func(o *Options) {
		if fs != nil {
			o.Fs = fs
		}
	}
}

// Remote is a Transport that can also publish.
type Remote interface {
	Transport
	Publisher
	Close() error
}

// Open returns the transport for a configured remote, chosen by URL scheme.
func Open(r repo.Remote, opts ...Option) (Remote, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("remote %s: invalid url %q: %w", r.Name, r.URL, err)
	}

	log := options.Logger.With(zap.String("remote", r.Name))
	switch u.Scheme {
	case "oci", "docker", "https", "http":
		repository := strings.TrimPrefix(u.Host+u.Path, "/")
		insecure := r.Insecure || u.Scheme == "http"
		return NewOCIRemote(repository, insecure, options.Auth, options.Concurrency, log)
	case "file":
		return NewLocalRemote(options.Fs, path.Clean(u.Path), log)
	default:
		return nil, fmt.Errorf("remote %s: unsupported url scheme %q", r.Name, u.Scheme)
	}
}

// TagFor maps a ref name onto an image tag. Slashes are not valid in tags
// and become underscores, so "a/b" and "a_b" share a tag.
func TagFor(ref string) string {
	return strings.ReplaceAll(ref, "/", "_")
}
