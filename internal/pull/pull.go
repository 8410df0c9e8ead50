// Package pull synchronizes refs of a remote into a local repository.
//
// A pull runs in four phases:
//
//  1. resolve every requested ref on the remote
//  2. walk each target commit's parents back to the first commit already
//     stored locally
//  3. fetch the missing trees and blobs level by level, in parallel,
//     verifying every object against the digest it was requested by; blobs
//     are stored as they arrive, trees are held back
//  4. store trees children-first and commits oldest-first, then advance the
//     refs of the remote's namespace
//
// Refs move only after every object of every requested ref is stored, so a
// failed or cancelled pull leaves all refs where they were. Objects stored
// before the failure stay and are skipped by the next attempt.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/remote"
	"github.com/Tech-Reformist/update-manager/internal/repo"
)

// Options configures Pull.
type Options struct {
	// Concurrency bounds the number of objects fetched at once.
	Concurrency int
	// Depth limits how many ancestors of a target commit are fetched.
	// Negative means the whole missing history.
	Depth  int
	Logger *zap.Logger
}

// Option is a functional option for configuring Pull.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Concurrency: remote.DefaultConcurrency,
		Depth:       -1,
		Logger:      zap.NewNop(),
	}
}

// WithConcurrency sets the number of parallel object fetches.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithDepth limits the fetched history to n ancestors of each target.
func WithDepth(n int) Option {
	return func(o *Options) { o.Depth = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// RefUpdate records how a ref moved. Old is empty for a new ref.
type RefUpdate struct {
	Old digest.Digest
	New digest.Digest
}

// Result describes a completed pull.
type Result struct {
	// Fetched lists every object transferred from the remote.
	Fetched []digest.Digest
	// Updated maps each advanced ref to its move.
	Updated map[string]RefUpdate
	// UpToDate lists refs whose local value already matched the remote.
	UpToDate []string
}

type target struct {
	ref    string
	old    digest.Digest
	commit digest.Digest
}

type puller struct {
	repo   *repo.Repository
	tr     remote.Transport
	opts   *Options
	log    *zap.Logger
	result *Result

	mu      sync.Mutex
	fetched map[digest.Digest]struct{}
}

// Pull fetches refs from t into the namespace remoteName of r.
func Pull(ctx context.Context, r *repo.Repository, t remote.Transport, remoteName string, refs []string, opts ...Option) (*Result, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	p := &puller{
		repo:    r,
		tr:      t,
		opts:    options,
		log:     options.Logger.With(zap.String("remote", remoteName)),
		result:  &Result{Updated: make(map[string]RefUpdate)},
		fetched: make(map[digest.Digest]struct{}),
	}

	targets, err := p.resolve(ctx, remoteName, refs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return p.result, nil
	}

	// One chain of missing commits per target, newest first. A later chain
	// stops at commits already collected by an earlier one.
	var chains [][]*fetchedCommit
	seen := make(map[digest.Digest]struct{})
	for _, tg := range targets {
		chain, err := p.walkCommits(ctx, tg.commit, seen)
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", tg.ref, err)
		}
		chains = append(chains, chain)
	}

	var roots []digest.Digest
	for _, chain := range chains {
		for _, c := range chain {
			roots = append(roots, c.commit.Tree)
		}
	}
	if err := p.fetchTrees(ctx, roots, false); err != nil {
		return nil, err
	}
	// Oldest first, so a fetched parent is always stored before its child.
	for _, chain := range chains {
		for i := len(chain) - 1; i >= 0; i-- {
			if _, err := p.repo.Store().Put(ctx, chain[i].data); err != nil {
				return nil, fmt.Errorf("store commit %s: %w", chain[i].digest, err)
			}
		}
	}

	if err := p.complete(ctx, targets); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, tg := range targets {
		if err := p.repo.Refs().Update(remoteName, tg.ref, tg.commit); err != nil {
			return nil, fmt.Errorf("update ref %s: %w", tg.ref, err)
		}
		p.result.Updated[tg.ref] = RefUpdate{Old: tg.old, New: tg.commit}
		p.log.Info("updated ref",
			zap.String("ref", tg.ref),
			zap.String("old", tg.old.String()),
			zap.String("commit", tg.commit.String()))
	}

	sort.Slice(p.result.Fetched, func(i, j int) bool { return p.result.Fetched[i] < p.result.Fetched[j] })
	p.log.Info("pull complete",
		zap.Int("fetched", len(p.result.Fetched)),
		zap.Int("updated", len(p.result.Updated)),
		zap.Int("up_to_date", len(p.result.UpToDate)))
	return p.result, nil
}

// resolve looks up every ref on the remote and drops those already current.
func (p *puller) resolve(ctx context.Context, remoteName string, refs []string) ([]target, error) {
	var targets []target
	done := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if done[ref] {
			continue
		}
		done[ref] = true

		commit, err := p.tr.ResolveRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve remote ref %s: %w", ref, err)
		}

		old, err := p.repo.Refs().Resolve(remoteName, ref)
		if err != nil && !errors.Is(err, errdefs.ErrUnknownRef) {
			return nil, err
		}
		if old == commit {
			err := p.repo.CheckCommit(ctx, commit)
			if err == nil {
				p.result.UpToDate = append(p.result.UpToDate, ref)
				p.log.Debug("ref is up to date", zap.String("ref", ref), zap.String("commit", commit.String()))
				continue
			}
			if !errors.Is(err, errdefs.ErrIncompleteCommit) {
				return nil, err
			}
			p.log.Warn("local commit is incomplete, fetching missing objects",
				zap.String("ref", ref),
				zap.String("commit", commit.String()),
				zap.Error(err))
		}
		targets = append(targets, target{ref: ref, old: old, commit: commit})
	}
	return targets, nil
}

type fetchedCommit struct {
	digest digest.Digest
	data   []byte
	commit *object.Commit
}

// walkCommits follows parent links from head and returns the commits that
// are not stored locally, newest first. The walk stops at the first stored
// commit, at the depth limit, or at an ancestor the remote does not have.
func (p *puller) walkCommits(ctx context.Context, head digest.Digest, seen map[digest.Digest]struct{}) ([]*fetchedCommit, error) {
	var chain []*fetchedCommit
	d := head
	for depth := 0; d != ""; depth++ {
		if _, ok := seen[d]; ok {
			break
		}
		has, err := p.repo.HasObject(ctx, d)
		if err != nil {
			return nil, err
		}
		if has {
			break
		}

		data, err := p.fetch(ctx, d)
		if err != nil {
			if d != head && errors.Is(err, errdefs.ErrNotFound) {
				p.log.Debug("history ends on remote", zap.String("commit", d.String()))
				break
			}
			return nil, err
		}
		o, err := object.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", d, err)
		}
		c, ok := o.(*object.Commit)
		if !ok {
			return nil, fmt.Errorf("object %s is a %s, not a commit: %w", d, o.Kind(), errdefs.ErrCorrupt)
		}

		seen[d] = struct{}{}
		chain = append(chain, &fetchedCommit{digest: d, data: data, commit: c})

		if p.opts.Depth >= 0 && depth >= p.opts.Depth {
			break
		}
		d = c.Parent
	}
	return chain, nil
}

// fetchTrees fetches and stores everything missing under roots.
func (p *puller) fetchTrees(ctx context.Context, roots []digest.Digest, deep bool) error {
	trees, err := p.fetchContent(ctx, roots, deep)
	if err != nil {
		return err
	}
	return p.storeTrees(ctx, trees)
}

// complete checks that every target commit is fully stored before any ref
// moves. A stored tree can be missing children when a prune was cut short,
// so incomplete targets get one deep pass that descends into stored trees.
func (p *puller) complete(ctx context.Context, targets []target) error {
	var repair []digest.Digest
	for _, tg := range targets {
		err := p.repo.CheckCommit(ctx, tg.commit)
		if err == nil {
			continue
		}
		if !errors.Is(err, errdefs.ErrIncompleteCommit) {
			return err
		}
		c, cerr := p.repo.GetCommit(ctx, tg.commit)
		if cerr != nil {
			return fmt.Errorf("pull %s: %w", tg.ref, err)
		}
		p.log.Debug("commit has missing objects", zap.String("ref", tg.ref), zap.Error(err))
		repair = append(repair, c.Tree)
	}
	if len(repair) == 0 {
		return nil
	}

	if err := p.fetchTrees(ctx, repair, true); err != nil {
		return err
	}
	for _, tg := range targets {
		if err := p.repo.CheckCommit(ctx, tg.commit); err != nil {
			return fmt.Errorf("pull %s: %w", tg.ref, err)
		}
	}
	return nil
}

// fetchContent fetches every missing object reachable from roots, one tree
// level at a time. Blobs are stored on arrival; trees are returned for
// ordered storage. A stored tree normally ends the descent. With deep set,
// its entries are checked as well.
func (p *puller) fetchContent(ctx context.Context, roots []digest.Digest, deep bool) (map[digest.Digest]*pendingTree, error) {
	trees := make(map[digest.Digest]*pendingTree)
	queued := make(map[digest.Digest]struct{})

	var level []wanted
	var enqueue func(d digest.Digest, kind object.Kind) error
	enqueue = func(d digest.Digest, kind object.Kind) error {
		if _, ok := queued[d]; ok {
			return nil
		}
		queued[d] = struct{}{}
		has, err := p.repo.HasObject(ctx, d)
		if err != nil {
			return err
		}
		if !has {
			level = append(level, wanted{digest: d, kind: kind})
			return nil
		}
		if !deep || kind != object.KindTree {
			return nil
		}
		t, err := p.repo.GetTree(ctx, d)
		if err != nil {
			return fmt.Errorf("tree %s: %w", d, err)
		}
		for _, e := range t.Entries {
			if err := enqueue(e.Digest, entryKind(e)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, d := range roots {
		if err := enqueue(d, object.KindTree); err != nil {
			return nil, err
		}
	}

	for len(level) > 0 {
		current := level
		level = nil

		fetchedTrees, err := p.fetchLevel(ctx, current)
		if err != nil {
			return nil, err
		}

		// Children are enqueued in a stable order.
		sort.Slice(fetchedTrees, func(i, j int) bool { return fetchedTrees[i].digest < fetchedTrees[j].digest })
		for _, t := range fetchedTrees {
			trees[t.digest] = t
			for _, e := range t.tree.Entries {
				if err := enqueue(e.Digest, entryKind(e)); err != nil {
					return nil, err
				}
			}
		}
	}
	return trees, nil
}

func entryKind(e object.TreeEntry) object.Kind {
	if e.IsTree() {
		return object.KindTree
	}
	return object.KindBlob
}

type wanted struct {
	digest digest.Digest
	kind   object.Kind
}

type pendingTree struct {
	digest digest.Digest
	data   []byte
	tree   *object.Tree
}

func (p *puller) fetchLevel(ctx context.Context, level []wanted) ([]*pendingTree, error) {
	var (
		mu    sync.Mutex
		trees []*pendingTree
	)

	wp := pool.New().WithMaxGoroutines(p.opts.Concurrency).WithContext(ctx).WithCancelOnError()
	for _, w := range level {
		w := w
		wp.Go(func(ctx context.Context) error {
			data, err := p.fetch(ctx, w.digest)
			if err != nil {
				return err
			}
			kind, err := object.KindOf(data)
			if err != nil {
				return fmt.Errorf("object %s: %w", w.digest, err)
			}
			if kind != w.kind {
				return fmt.Errorf("object %s is a %s, expected a %s: %w", w.digest, kind, w.kind, errdefs.ErrCorrupt)
			}

			if kind == object.KindBlob {
				if _, err := p.repo.Store().Put(ctx, data); err != nil {
					return fmt.Errorf("store blob %s: %w", w.digest, err)
				}
				return nil
			}

			o, err := object.Decode(data)
			if err != nil {
				return fmt.Errorf("tree %s: %w", w.digest, err)
			}
			mu.Lock()
			trees = append(trees, &pendingTree{digest: w.digest, data: data, tree: o.(*object.Tree)})
			mu.Unlock()
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}
	return trees, nil
}

// fetch downloads one object and verifies it against d.
func (p *puller) fetch(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := p.tr.FetchObject(ctx, d)
	if err != nil {
		return nil, err
	}
	if !object.Verify(d, data) {
		return nil, fmt.Errorf("object %s: %w: received content hashes to %s", d, errdefs.ErrIntegrity, digest.FromBytes(data))
	}

	p.mu.Lock()
	if _, ok := p.fetched[d]; !ok {
		p.fetched[d] = struct{}{}
		p.result.Fetched = append(p.result.Fetched, d)
	}
	p.mu.Unlock()
	return data, nil
}

// storeTrees writes fetched trees so that every sub-tree is stored before
// the tree that references it.
func (p *puller) storeTrees(ctx context.Context, trees map[digest.Digest]*pendingTree) error {
	stored := make(map[digest.Digest]bool, len(trees))
	var store func(d digest.Digest) error
	store = func(d digest.Digest) error {
		t, ok := trees[d]
		if !ok || stored[d] {
			return nil
		}
		for _, e := range t.tree.Entries {
			if e.IsTree() {
				if err := store(e.Digest); err != nil {
					return err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.repo.Store().Put(ctx, t.data); err != nil {
			return fmt.Errorf("store tree %s: %w", d, err)
		}
		stored[d] = true
		return nil
	}

	keys := make([]digest.Digest, 0, len(trees))
	for d := range trees {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, d := range keys {
		if err := store(d); err != nil {
			return err
		}
	}
	return nil
}
