package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

const (
	// LabelCommit holds the commit digest a published tag points at.
	LabelCommit = "dev.updatemanager.commit"
	// LabelRef holds the ref name the tag was published for.
	LabelRef = "dev.updatemanager.ref"

	// ObjectMediaType is the layer media type of a serialized object.
	ObjectMediaType types.MediaType = "application/vnd.updatemanager.object.v1"

	maxAttempts = 3
)

// OCIRemote is a Transport and Publisher backed by an OCI registry
// repository.
type OCIRemote struct {
	repo        name.Repository
	auth        Authenticator
	concurrency int
	log         *zap.Logger

	mu     sync.Mutex
	client *http.Client // authorized for pulls, built on first fetch
}

var _ Remote = (*OCIRemote)(nil)

// NewOCIRemote creates a remote for a registry repository
// (e.g., "registry.example.com/os/image").
func NewOCIRemote(repository string, insecure bool, auth Authenticator, concurrency int, log *zap.Logger) (*OCIRemote, error) {
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(repository, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repository, err)
	}
	if auth == nil {
		auth = NewDefaultAuthenticator()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OCIRemote{repo: repo, auth: auth, concurrency: concurrency, log: log}, nil
}

func (r *OCIRemote) String() string   { return r.repo.String() }
func (r *OCIRemote) Registry() string { return r.repo.RegistryStr() }

func (r *OCIRemote) Close() error { return nil }

func (r *OCIRemote) tag(ref string) (name.Tag, error) {
	tag := r.repo.Tag(TagFor(ref))
	if _, err := name.NewTag(tag.String(), name.StrictValidation); err != nil {
		return name.Tag{}, fmt.Errorf("ref %q cannot be used as a tag: %w", ref, err)
	}
	return tag, nil
}

// ResolveRef reads the commit label of the image tagged for ref.
func (r *OCIRemote) ResolveRef(ctx context.Context, ref string) (digest.Digest, error) {
	tag, err := r.tag(ref)
	if err != nil {
		return "", err
	}

	cfg, err := retry(ctx, maxAttempts, func() (*v1.ConfigFile, error) {
		img, err := remote.Image(tag, r.remoteOptions(ctx)...)
		if err != nil {
			return nil, classify(err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, classify(err)
		}
		return cfg, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", tag, err)
	}

	value := cfg.Config.Labels[LabelCommit]
	if value == "" {
		return "", fmt.Errorf("resolve %s: missing %s label: %w", tag, LabelCommit, errdefs.ErrNotFound)
	}
	d, err := digest.Parse(value)
	if err != nil {
		return "", fmt.Errorf("resolve %s: invalid %s label %q: %w", tag, LabelCommit, value, errdefs.ErrTransport)
	}
	return d, nil
}

// FetchObject downloads the registry blob named by d. The blob is returned
// as stored; the caller verifies it.
func (r *OCIRemote) FetchObject(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("fetch %q: %w", d, err)
	}
	data, err := retry(ctx, maxAttempts, func() ([]byte, error) {
		return r.fetchBlob(ctx, d)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d, err)
	}
	return data, nil
}

func (r *OCIRemote) fetchBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	client, err := r.pullClient(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", r.repo.Scheme(), r.repo.RegistryStr(), r.repo.RepositoryStr(), d)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if err := transport.CheckError(resp, http.StatusOK); err != nil {
		return nil, classify(err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// pullClient returns an HTTP client holding a pull token for the
// repository. A failed handshake is retried on the next call.
func (r *OCIRemote) pullClient(ctx context.Context) (*http.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	reg := r.repo.Registry
	rt, err := transport.NewWithContext(ctx, reg, resolveAuth(r.auth, reg), remote.DefaultTransport,
		[]string{r.repo.Scope(transport.PullScope)})
	if err != nil {
		return nil, classify(err)
	}
	r.client = &http.Client{Transport: rt}
	return r.client, nil
}

// objectLayer implements v1.Layer for a serialized object. The layer is
// stored uncompressed so that its registry digest is the object digest.
type objectLayer struct {
	digest v1.Hash
	data   []byte
}

func newObjectLayer(d digest.Digest, data []byte) (*objectLayer, error) {
	h, err := v1.NewHash(d.String())
	if err != nil {
		return nil, err
	}
	return &objectLayer{digest: h, data: data}, nil
}

func (l *objectLayer) Digest() (v1.Hash, error) { return l.digest, nil }
func (l *objectLayer) DiffID() (v1.Hash, error) { return l.digest, nil }

func (l *objectLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}
func (l *objectLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}
func (l *objectLayer) Size() (int64, error)                { return int64(len(l.data)), nil }
func (l *objectLayer) MediaType() (types.MediaType, error) { return ObjectMediaType, nil }

// Publish uploads every object as a blob and tags an image that lists them
// as layers. Blobs the registry already has are skipped by remote.Write.
func (r *OCIRemote) Publish(ctx context.Context, ref string, commit digest.Digest, objects map[digest.Digest][]byte) error {
	if _, ok := objects[commit]; !ok {
		return fmt.Errorf("publish %s: commit %s is not among the objects", ref, commit)
	}
	tag, err := r.tag(ref)
	if err != nil {
		return err
	}

	digests := make([]digest.Digest, 0, len(objects))
	var total int64
	for d, data := range objects {
		digests = append(digests, d)
		total += int64(len(data))
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	layers := make([]v1.Layer, 0, len(digests))
	for _, d := range digests {
		layer, err := newObjectLayer(d, objects[d])
		if err != nil {
			return fmt.Errorf("publish %s: %w", ref, err)
		}
		layers = append(layers, layer)
	}

	img, err := r.buildImage(layers, ref, commit)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	r.log.Info("publishing",
		zap.String("tag", tag.String()),
		zap.String("commit", commit.String()),
		zap.Int("objects", len(layers)),
		zap.Int64("bytes", total))

	if err := r.pushImage(ctx, tag, img); err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, ref string, commit digest.Digest) (v1.Image, error) {
	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Created = v1.Time{Time: time.Unix(0, 0).UTC()}
	cfg.Config.Labels = map[string]string{
		LabelCommit: commit.String(),
		LabelRef:    ref,
	}

	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, tag name.Tag, img v1.Image) error {
	options := r.remoteOptions(ctx)
	options = append(options, remote.WithJobs(r.concurrency))
	_, err := retry(ctx, maxAttempts, func() (struct{}, error) {
		if err := remote.Write(tag, img, options...); err != nil {
			return struct{}{}, classify(err)
		}
		return struct{}{}, nil
	})
	return err
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(resolveAuth(r.auth, r.repo.Registry)),
	}
}

// classify wraps a registry error with ErrNotFound or ErrTransport.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		if terr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
		}
		for _, diag := range terr.Errors {
			switch diag.Code {
			case transport.ManifestUnknownErrorCode, transport.BlobUnknownErrorCode, transport.NameUnknownErrorCode:
				return fmt.Errorf("%w: %v", errdefs.ErrNotFound, err)
			}
		}
	}
	return fmt.Errorf("%w: %v", errdefs.ErrTransport, err)
}

// retry runs fn with exponential backoff. Not-found answers and
// cancellation are final.
func retry[T any](ctx context.Context, attempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, errdefs.ErrNotFound) || ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
