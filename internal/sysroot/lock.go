package sysroot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

// lockGrace is how long a lock file without a readable pid is assumed to
// be in the middle of being written by its creator.
const lockGrace = 30 * time.Second

// Lock is an advisory lock on a sysroot, held by one process at a time.
type Lock struct {
	fs   afero.Fs
	path string
}

// Lock takes the sysroot lock. A lock left by a process that no longer runs
// is taken over.
//
// Takeovers are serialized through a second lock file. Only its holder
// removes a stale lock, after checking again that it is still stale.
func (s *Sysroot) Lock() (*Lock, error) {
	path := s.LockPath()
	l, err := s.createLock(path)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return l, err
	}

	pid, alive := s.holder(path)
	if alive {
		return nil, fmt.Errorf("%w: held by pid %d", errdefs.ErrLocked, pid)
	}
	if err := s.takeOver(path); err != nil {
		return nil, err
	}
	l, err = s.createLock(path)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: taken by another process", errdefs.ErrLocked)
	}
	return l, err
}

// takeOver removes the stale lock at path while holding the takeover lock.
func (s *Sysroot) takeOver(path string) error {
	guard, err := s.createLock(path + ".takeover")
	if errors.Is(err, fs.ErrExist) {
		if _, alive := s.holder(path + ".takeover"); alive {
			return fmt.Errorf("%w: another process is taking over the lock", errdefs.ErrLocked)
		}
		// Left by a process that died while taking over.
		if err := s.fs.Remove(path + ".takeover"); err != nil && !isNotExist(err) {
			return fmt.Errorf("remove stale takeover lock: %w", err)
		}
		guard, err = s.createLock(path + ".takeover")
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: another process is taking over the lock", errdefs.ErrLocked)
		}
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Unlock(); err != nil {
			s.log.Warn("failed to release takeover lock", zap.Error(err))
		}
	}()

	pid, alive := s.holder(path)
	if alive {
		return fmt.Errorf("%w: held by pid %d", errdefs.ErrLocked, pid)
	}
	s.log.Warn("removing stale sysroot lock", zap.Int("pid", pid))
	if err := s.fs.Remove(path); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// createLock creates path exclusively and writes this process's pid to it.
// An existing file yields an error wrapping fs.ErrExist.
func (s *Sysroot) createLock(path string) (*Lock, error) {
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.fs.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", werr)
	}
	return &Lock{fs: s.fs, path: path}, nil
}

// holder reports the pid in the lock file and whether it still runs. A lock
// file without a pid is held while it is younger than lockGrace, since its
// creator may not have written the pid yet. A missing file is not held.
func (s *Sysroot) holder(path string) (int, bool) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, false
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, time.Since(info.ModTime()) < lockGrace
	}
	return pid, s.opts.pidAlive(pid)
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := l.fs.Remove(l.path); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
