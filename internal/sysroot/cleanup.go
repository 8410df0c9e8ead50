package sysroot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/refs"
	"github.com/Tech-Reformist/update-manager/internal/repo"
)

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	Removed   []*Deployment
	Checkouts int
	Prune     *repo.PruneResult
}

// Cleanup keeps the booted deployment, the pending one and the most recent
// rollback. Everything else, staged entries included, is dropped from the
// record and its checkout deleted. Objects reachable from neither a kept
// deployment nor a ref are then pruned from the repository.
func (s *Sysroot) Cleanup(ctx context.Context) (*CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.current()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, d := range []*Deployment{rec.booted(), rec.pending(), rec.rollback()} {
		if d != nil {
			keep[d.ID] = true
		}
	}

	next := rec.clone()
	var kept, removed []*Deployment
	for _, d := range next.Deployments {
		if keep[d.ID] {
			kept = append(kept, d)
		} else {
			removed = append(removed, d)
		}
	}
	removed = append(removed, next.Staged...)
	next.Deployments = kept
	next.Staged = nil

	if len(removed) > 0 {
		if err := s.commit(next); err != nil {
			return nil, fmt.Errorf("write deployment record: %w", err)
		}
		for _, d := range removed {
			s.log.Info("dropped deployment",
				zap.String("id", d.ID),
				zap.String("state", string(d.State)),
				zap.Stringer("commit", d.Commit))
		}
	}

	result := &CleanupResult{Removed: cloneAll(removed)}
	result.Checkouts, err = s.removeCheckouts(ctx, keep)
	if err != nil {
		return result, err
	}

	roots, err := s.roots(s.rec.Deployments)
	if err != nil {
		return result, err
	}
	result.Prune, err = s.repo.Prune(ctx, roots)
	if err != nil {
		return result, fmt.Errorf("prune repository: %w", err)
	}
	return result, nil
}

// removeCheckouts deletes every checkout, origin file and interrupted
// staging directory that does not belong to a kept deployment.
func (s *Sysroot) removeCheckouts(ctx context.Context, keep map[string]bool) (int, error) {
	base := filepath.Join(s.root, ostreeDir, deployDir)
	osDirs, err := afero.ReadDir(s.fs, base)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, osDir := range osDirs {
		if !osDir.IsDir() {
			continue
		}
		dir := s.DeployRoot(osDir.Name())
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			id := strings.TrimSuffix(e.Name(), ".origin")
			if keep[id] && !fsutil.IsTemp(e.Name()) {
				continue
			}
			if err := s.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
			}
			if e.IsDir() {
				removed++
			}
		}
	}
	return removed, nil
}

// roots returns the commits of ds plus the target of every ref.
func (s *Sysroot) roots(ds []*Deployment) ([]digest.Digest, error) {
	set := commitSet(ds)

	table := s.repo.Refs()
	namespaces, err := table.Namespaces()
	if err != nil {
		return nil, err
	}
	for _, ns := range append([]string{refs.Local}, namespaces...) {
		listed, err := table.List(ns)
		if err != nil {
			return nil, err
		}
		for _, d := range listed {
			set[d] = struct{}{}
		}
	}

	out := make([]digest.Digest, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out, nil
}
