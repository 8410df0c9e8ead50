package sysroot

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

// Activate makes a staged deployment the next one to boot. The new record
// is written beside the old one and renamed over it, then the bootloader is
// told. If the bootloader refuses, the previous record is put back.
//
// Every failure wraps errdefs.ErrSwapFailure, and the previous record is
// intact whenever an error is returned.
func (s *Sysroot) Activate(ctx context.Context, d *Deployment) error {
	if d == nil {
		return swapFailure(errdefs.ErrNotStaged)
	}
	if err := ctx.Err(); err != nil {
		return swapFailure(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.current()
	if err != nil {
		return swapFailure(err)
	}

	idx := -1
	for i, st := range rec.Staged {
		if st.ID == d.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return swapFailure(fmt.Errorf("deployment %s: %w", d.ID, errdefs.ErrNotStaged))
	}
	if ok, err := afero.DirExists(s.fs, s.DeploymentPath(rec.Staged[idx])); err != nil || !ok {
		return swapFailure(fmt.Errorf("deployment %s has no checkout: %w", d.ID, errdefs.ErrNotStaged))
	}

	next := rec.clone()
	promoted := next.Staged[idx]
	next.Staged = append(next.Staged[:idx], next.Staged[idx+1:]...)
	promoted.BootSerial = next.NextBootSerial
	next.NextBootSerial++
	next.Deployments = append(next.Deployments, promoted)

	if err := s.swap(ctx, rec, next); err != nil {
		return err
	}

	s.log.Info("activated deployment",
		zap.String("id", promoted.ID),
		zap.Stringer("commit", promoted.Commit),
		zap.Uint64("boot_serial", promoted.BootSerial),
		zap.Uint64("generation", s.rec.Generation))
	return nil
}

// Rollback makes the most recent rollback deployment the next one to boot.
func (s *Sysroot) Rollback(ctx context.Context) (*Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, swapFailure(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.current()
	if err != nil {
		return nil, swapFailure(err)
	}
	rb := rec.rollback()
	if rb == nil {
		return nil, fmt.Errorf("no rollback deployment: %w", errdefs.ErrNotFound)
	}

	next := rec.clone()
	target := next.find(rb.ID)
	target.BootSerial = next.NextBootSerial
	next.NextBootSerial++

	if err := s.swap(ctx, rec, next); err != nil {
		return nil, err
	}

	s.log.Info("rolled back", zap.String("id", target.ID), zap.Stringer("commit", target.Commit))
	return s.rec.find(target.ID).clone(), nil
}

// CompleteBoot records that the deployment at index 0 has booted. It is what
// the boot side does after a restart.
func (s *Sysroot) CompleteBoot(ctx context.Context) (*Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.current()
	if err != nil {
		return nil, err
	}
	if len(rec.Deployments) == 0 {
		return nil, fmt.Errorf("no deployment to boot: %w", errdefs.ErrNotFound)
	}
	first := rec.Deployments[0]
	if rec.Booted == first.ID {
		return first.clone(), nil
	}

	next := rec.clone()
	next.Booted = first.ID
	if err := s.commit(next); err != nil {
		return nil, err
	}

	s.log.Info("booted deployment", zap.String("id", first.ID), zap.Stringer("commit", first.Commit))
	return s.rec.find(first.ID).clone(), nil
}

// swap writes next over prev and commits the boot order. Callers hold s.mu.
func (s *Sysroot) swap(ctx context.Context, prev, next *record) error {
	if err := s.commit(next); err != nil {
		return swapFailure(err)
	}

	if err := s.opts.Bootloader.CommitBootIndex(ctx, 0); err != nil {
		restored := prev.clone()
		restored.Generation = s.rec.Generation
		if rerr := s.commit(restored); rerr != nil {
			s.log.Error("failed to restore deployment record", zap.Error(rerr))
			return fmt.Errorf("%w: bootloader: %w (restore: %v)", errdefs.ErrSwapFailure, err, rerr)
		}
		return fmt.Errorf("%w: bootloader: %w", errdefs.ErrSwapFailure, err)
	}
	return nil
}

func swapFailure(err error) error {
	if errors.Is(err, errdefs.ErrSwapFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", errdefs.ErrSwapFailure, err)
}
