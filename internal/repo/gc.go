package repo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

// CheckCommit verifies that a commit and everything its root tree references
// are stored and intact. Any missing or damaged object yields an error
// wrapping ErrIncompleteCommit.
func (r *Repository) CheckCommit(ctx context.Context, d digest.Digest) error {
	c, err := r.GetCommit(ctx, d)
	if err != nil {
		return fmt.Errorf("commit %s: %w: %w", d, errdefs.ErrIncompleteCommit, err)
	}

	seen := make(map[digest.Digest]struct{})
	if err := r.checkTree(ctx, c.Tree, seen); err != nil {
		return fmt.Errorf("commit %s: %w: %w", d, errdefs.ErrIncompleteCommit, err)
	}
	return nil
}

func (r *Repository) checkTree(ctx context.Context, d digest.Digest, seen map[digest.Digest]struct{}) error {
	if _, ok := seen[d]; ok {
		return nil
	}
	tree, err := r.GetTree(ctx, d)
	if err != nil {
		return err
	}
	for _, entry := range tree.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsTree() {
			if err := r.checkTree(ctx, entry.Digest, seen); err != nil {
				return fmt.Errorf("%s/: %w", entry.Name, err)
			}
			continue
		}
		if _, ok := seen[entry.Digest]; ok {
			continue
		}
		data, err := r.store.Get(ctx, entry.Digest)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name, err)
		}
		if kind, err := object.KindOf(data); err != nil || kind != object.KindBlob {
			return fmt.Errorf("%s: object %s is not a blob: %w", entry.Name, entry.Digest, errdefs.ErrCorrupt)
		}
		seen[entry.Digest] = struct{}{}
	}
	seen[d] = struct{}{}
	return nil
}

// Reachable returns every stored digest reachable from the given commits
// through commit -> tree -> blob links. Parent commits are not followed.
// Objects that are referenced but absent are left out.
func (r *Repository) Reachable(ctx context.Context, roots []digest.Digest) (map[digest.Digest]struct{}, error) {
	live := make(map[digest.Digest]struct{})
	for _, root := range roots {
		if _, ok := live[root]; ok {
			continue
		}
		c, err := r.GetCommit(ctx, root)
		if errors.Is(err, errdefs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
		live[root] = struct{}{}
		if err := r.markTree(ctx, c.Tree, live); err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
	}
	return live, nil
}

func (r *Repository) markTree(ctx context.Context, d digest.Digest, live map[digest.Digest]struct{}) error {
	if _, ok := live[d]; ok {
		return nil
	}
	tree, err := r.GetTree(ctx, d)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	live[d] = struct{}{}

	for _, entry := range tree.Entries {
		if entry.IsTree() {
			if err := r.markTree(ctx, entry.Digest, live); err != nil {
				return err
			}
			continue
		}
		live[entry.Digest] = struct{}{}
	}
	return ctx.Err()
}

// Closure returns the serialized commit and every object its root tree
// references, keyed by digest. The commit must be complete.
func (r *Repository) Closure(ctx context.Context, commit digest.Digest) (map[digest.Digest][]byte, error) {
	if err := r.CheckCommit(ctx, commit); err != nil {
		return nil, err
	}
	live, err := r.Reachable(ctx, []digest.Digest{commit})
	if err != nil {
		return nil, err
	}
	objects := make(map[digest.Digest][]byte, len(live))
	for d := range live {
		data, err := r.store.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		objects[d] = data
	}
	return objects, nil
}

// PruneResult summarizes a Prune run.
type PruneResult struct {
	Total      int
	Deleted    int
	FreedBytes int64
}

// Prune deletes every stored object not reachable from roots. It is the
// only caller of Store.Delete.
//
// Objects go in the reverse of the order pull writes them: commits, then
// trees from the top down, then blobs. A prune that stops early never
// leaves a stored tree or commit whose children are gone.
func (r *Repository) Prune(ctx context.Context, roots []digest.Digest) (*PruneResult, error) {
	live, err := r.Reachable(ctx, roots)
	if err != nil {
		return nil, fmt.Errorf("compute reachable objects: %w", err)
	}

	var (
		result PruneResult
		dead   []digest.Digest
	)
	err = r.store.Walk(ctx, func(d digest.Digest) error {
		result.Total++
		if _, ok := live[d]; !ok {
			dead = append(dead, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk objects: %w", err)
	}

	order, err := r.deleteOrder(ctx, dead)
	if err != nil {
		return &result, err
	}
	for _, d := range order {
		if err := ctx.Err(); err != nil {
			return &result, err
		}
		size, err := r.store.Stat(ctx, d)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return &result, err
		}
		if err := r.store.Delete(ctx, d); err != nil {
			return &result, err
		}
		result.Deleted++
		result.FreedBytes += size
	}

	if _, err := r.store.CleanTemp(ctx); err != nil {
		r.log.Warn("failed to remove interrupted writes", zap.Error(err))
	}

	r.log.Info("pruned repository",
		zap.Int("objects", result.Total),
		zap.Int("deleted", result.Deleted),
		zap.Int64("freed_bytes", result.FreedBytes))
	return &result, nil
}

// deleteOrder sorts dead objects into commits, trees parents first, and
// blobs. Unreadable objects go first.
func (r *Repository) deleteOrder(ctx context.Context, dead []digest.Digest) ([]digest.Digest, error) {
	var (
		broken, commits, blobs []digest.Digest
		trees                  = make(map[digest.Digest]*object.Tree)
	)
	for _, d := range dead {
		data, err := r.store.Get(ctx, d)
		if errors.Is(err, errdefs.ErrNotFound) {
			continue
		}
		if errors.Is(err, errdefs.ErrCorrupt) {
			broken = append(broken, d)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", d, err)
		}
		o, err := object.Decode(data)
		if err != nil {
			broken = append(broken, d)
			continue
		}
		switch o := o.(type) {
		case *object.Commit:
			commits = append(commits, d)
		case *object.Tree:
			trees[d] = o
		default:
			blobs = append(blobs, d)
		}
	}

	order := append(broken, commits...)
	order = append(order, topDown(trees)...)
	return append(order, blobs...), nil
}

// topDown orders trees so that each comes before every tree it contains.
func topDown(trees map[digest.Digest]*object.Tree) []digest.Digest {
	keys := make([]digest.Digest, 0, len(trees))
	for d := range trees {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	visited := make(map[digest.Digest]bool, len(trees))
	post := make([]digest.Digest, 0, len(trees))
	var visit func(d digest.Digest)
	visit = func(d digest.Digest) {
		if visited[d] {
			return
		}
		visited[d] = true
		for _, e := range trees[d].Entries {
			if _, ok := trees[e.Digest]; ok && e.IsTree() {
				visit(e.Digest)
			}
		}
		post = append(post, d)
	}
	for _, d := range keys {
		visit(d)
	}

	slices.Reverse(post)
	return post
}
