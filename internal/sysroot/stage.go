package sysroot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

// Stage checks out commit as a new deployment of osName and records it as
// staged. The commit's full closure must be in the repository. A staged
// deployment never boots until it is activated.
func (s *Sysroot) Stage(ctx context.Context, osName string, commit digest.Digest, origin Origin) (*Deployment, error) {
	if !object.ValidName(osName) {
		return nil, fmt.Errorf("os name %q: %w", osName, errdefs.ErrInvalidName)
	}
	if err := s.repo.CheckCommit(ctx, commit); err != nil {
		return nil, err
	}
	if err := s.checkSpace(ctx); err != nil {
		return nil, err
	}

	d := &Deployment{
		ID:        uuid.NewString(),
		OSName:    osName,
		Commit:    commit,
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
	}

	root := s.DeployRoot(osName)
	if err := s.fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create deploy dir: %w", err)
	}
	tmp := filepath.Join(root, ".tmp-"+d.ID)
	final := s.DeploymentPath(d)

	if err := s.repo.Checkout(ctx, commit, s.fs, tmp); err != nil {
		s.fs.RemoveAll(tmp)
		return nil, fmt.Errorf("checkout %s: %w", commit, err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		s.fs.RemoveAll(tmp)
		return nil, fmt.Errorf("move checkout into place: %w", err)
	}
	// The record must never name a checkout that a crash could lose.
	if err := s.syncDeployDirs(root); err != nil {
		s.removeCheckout(final)
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(s.fs, originPath(final), originFile(origin), 0644); err != nil {
		s.removeCheckout(final)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.current()
	if err != nil {
		s.removeCheckout(final)
		return nil, err
	}
	next := rec.clone()
	next.Staged = append(next.Staged, d)
	if err := s.commit(next); err != nil {
		s.removeCheckout(final)
		return nil, err
	}

	s.log.Info("staged deployment",
		zap.String("id", d.ID),
		zap.String("osname", osName),
		zap.Stringer("commit", commit),
		zap.String("origin", origin.Refspec()))

	return s.rec.Staged[len(s.rec.Staged)-1].clone(), nil
}

// syncDeployDirs flushes dir and each of its parents below the sysroot, so
// the checkout's name and the directories created for it persist.
func (s *Sysroot) syncDeployDirs(dir string) error {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return err
	}
	for ; rel != "." && rel != ".."; rel = filepath.Dir(rel) {
		p := filepath.Join(s.root, rel)
		if err := fsutil.SyncDir(s.fs, p); err != nil {
			return fmt.Errorf("sync %s: %w", p, err)
		}
	}
	return nil
}

func (s *Sysroot) checkSpace(ctx context.Context) error {
	if s.opts.MinFreeSpace == 0 {
		return nil
	}
	free, err := s.opts.freeSpace(ctx, s.opts.DiskPath)
	if err != nil {
		return fmt.Errorf("check free space on %s: %w", s.opts.DiskPath, err)
	}
	if free < s.opts.MinFreeSpace {
		return fmt.Errorf("%w: %d bytes free on %s, need %d",
			errdefs.ErrInsufficientSpace, free, s.opts.DiskPath, s.opts.MinFreeSpace)
	}
	return nil
}

func (s *Sysroot) removeCheckout(dir string) {
	if err := s.fs.RemoveAll(dir); err != nil {
		s.log.Warn("failed to remove checkout", zap.String("path", dir), zap.Error(err))
	}
	s.fs.Remove(originPath(dir))
}

func originPath(deployment string) string { return deployment + ".origin" }

// originFile renders the keyfile kept next to each checkout so the running
// system can tell where it came from without the record.
func originFile(o Origin) []byte {
	return []byte("[origin]\nrefspec=" + o.Refspec() + "\n")
}
