package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/refs"
	"github.com/Tech-Reformist/update-manager/internal/repo"
)

// LocalRemote is a Transport and Publisher backed by another repository on
// a local filesystem. Remote refs are that repository's local heads.
type LocalRemote struct {
	source *repo.Repository
	log    *zap.Logger
}

var _ Remote = (*LocalRemote)(nil)

// NewLocalRemote opens the repository at path. A missing repository is
// initialized so it can be published to.
func NewLocalRemote(fs afero.Fs, path string, log *zap.Logger) (*LocalRemote, error) {
	if log == nil {
		log = zap.NewNop()
	}
	source, err := repo.Open(fs, path, repo.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", path, errdefs.ErrTransport, err)
	}
	return &LocalRemote{source: source, log: log}, nil
}

func (r *LocalRemote) Close() error { return r.source.Close() }

// ResolveRef returns the target of the source repository's local ref.
func (r *LocalRemote) ResolveRef(ctx context.Context, ref string) (digest.Digest, error) {
	d, err := r.source.Refs().Resolve(refs.Local, ref)
	if errors.Is(err, errdefs.ErrUnknownRef) {
		return "", fmt.Errorf("resolve %s: %w", ref, errdefs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w: %v", ref, errdefs.ErrTransport, err)
	}
	return d, nil
}

// FetchObject reads an object from the source repository.
func (r *LocalRemote) FetchObject(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := r.source.Store().Get(ctx, d)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, errdefs.ErrNotFound):
		return nil, fmt.Errorf("fetch %s: %w", d, err)
	case errors.Is(err, errdefs.ErrCorrupt):
		return nil, fmt.Errorf("fetch %s: %w: %v", d, errdefs.ErrIntegrity, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, fmt.Errorf("fetch %s: %w: %v", d, errdefs.ErrTransport, err)
	}
}

// Publish stores the objects in the source repository, children before
// parents, and then advances its local ref.
func (r *LocalRemote) Publish(ctx context.Context, ref string, commit digest.Digest, objects map[digest.Digest][]byte) error {
	if _, ok := objects[commit]; !ok {
		return fmt.Errorf("publish %s: commit %s is not among the objects", ref, commit)
	}

	// Blobs first, then trees, then commits.
	digests := make([]digest.Digest, 0, len(objects))
	rank := make(map[digest.Digest]object.Kind, len(objects))
	for d, data := range objects {
		if !object.Verify(d, data) {
			return fmt.Errorf("publish %s: object %s: %w", ref, d, errdefs.ErrIntegrity)
		}
		kind, err := object.KindOf(data)
		if err != nil {
			return fmt.Errorf("publish %s: object %s: %w", ref, d, err)
		}
		rank[d] = kind
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool {
		if rank[digests[i]] != rank[digests[j]] {
			return rank[digests[i]] < rank[digests[j]]
		}
		return digests[i] < digests[j]
	})

	// Trees must follow their sub-trees.
	trees := make(map[digest.Digest]*object.Tree)
	for _, d := range digests {
		if rank[d] != object.KindTree {
			continue
		}
		o, err := object.Decode(objects[d])
		if err != nil {
			return fmt.Errorf("publish %s: object %s: %w", ref, d, err)
		}
		trees[d] = o.(*object.Tree)
	}

	written := make(map[digest.Digest]bool, len(objects))
	var put func(d digest.Digest) error
	put = func(d digest.Digest) error {
		if written[d] {
			return nil
		}
		if tree, ok := trees[d]; ok {
			for _, e := range tree.Entries {
				if _, ok := trees[e.Digest]; ok {
					if err := put(e.Digest); err != nil {
						return err
					}
				}
			}
		}
		if _, err := r.source.Store().Put(ctx, objects[d]); err != nil {
			return err
		}
		written[d] = true
		return nil
	}
	for _, d := range digests {
		if err := put(d); err != nil {
			return fmt.Errorf("publish %s: %w", ref, err)
		}
	}

	if err := r.source.Refs().Update(refs.Local, ref, commit); err != nil {
		return fmt.Errorf("publish %s: %w", ref, err)
	}
	r.log.Info("published",
		zap.String("repo", r.source.Path()),
		zap.String("ref", ref),
		zap.String("commit", commit.String()),
		zap.Int("objects", len(objects)))
	return nil
}
