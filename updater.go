package updatemanager

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/pull"
	"github.com/Tech-Reformist/update-manager/internal/refs"
	"github.com/Tech-Reformist/update-manager/internal/remote"
	"github.com/Tech-Reformist/update-manager/internal/repo"
	"github.com/Tech-Reformist/update-manager/internal/sysroot"
)

type (
	Deployment    = sysroot.Deployment
	Origin        = sysroot.Origin
	CleanupResult = sysroot.CleanupResult
	PullResult    = pull.Result
)

// Request describes one update of a device.
type Request struct {
	// Sysroot is the root of the device, holding ostree/repo and
	// ostree/deploy.
	Sysroot string
	// Repo overrides the repository location, <Sysroot>/ostree/repo by
	// default.
	Repo string

	OSName     string
	RemoteName string
	RemoteURL  string
	Insecure   bool
	Ref        string
}

// RepoPath returns the repository location of the request.
func (r Request) RepoPath() string {
	if r.Repo != "" {
		return r.Repo
	}
	return filepath.Join(r.Sysroot, "ostree", "repo")
}

// Origin returns the origin recorded for deployments made by the request.
func (r Request) Origin() Origin {
	return sysroot.NewOrigin(r.RemoteName, r.Ref)
}

// Result reports what an Update did.
type Result struct {
	// RemoteAdded is false when the remote was already configured.
	RemoteAdded bool
	Pull        *PullResult
	Commit      digest.Digest
	Deployment  *Deployment

	// Cleanup failures do not fail the update. They are reported here and
	// retried by the next cleanup.
	Cleanup    *CleanupResult
	CleanupErr error
}

// Update pulls req.Ref from the remote and deploys it as the next boot
// target, then cleans up old deployments and objects.
//
// Steps run in order and the first failure stops the update with a
// *StepError. What earlier steps made durable, such as pulled objects,
// stays for the next attempt to reuse.
func Update(ctx context.Context, req Request, opts ...Option) (*Result, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	log := options.Logger

	r, err := repo.Open(options.Fs, req.RepoPath(),
		repo.WithCacheSize(options.CacheSize),
		repo.WithCompression(options.Level, options.Compression),
		repo.WithLogger(log))
	if err != nil {
		return nil, &StepError{Step: StepOpenRepo, Err: err}
	}
	defer r.Close()

	result := &Result{}

	rem, added, err := ensureRemote(r, repo.Remote{Name: req.RemoteName, URL: req.RemoteURL, Insecure: req.Insecure}, log)
	if err != nil {
		return nil, &StepError{Step: StepRemote, Err: err}
	}
	result.RemoteAdded = added

	tr, err := remote.Open(rem,
		remote.WithAuth(options.Auth),
		remote.WithConcurrency(options.Concurrency),
		remote.WithLogger(log),
		remote.WithFs(options.Fs))
	if err != nil {
		return nil, &StepError{Step: StepRemote, Err: err}
	}
	defer tr.Close()

	result.Pull, err = pull.Pull(ctx, r, tr, rem.Name, []string{req.Ref},
		pull.WithConcurrency(options.Concurrency),
		pull.WithDepth(options.Depth),
		pull.WithLogger(log))
	if err != nil {
		return nil, &StepError{Step: StepPull, Err: err}
	}

	result.Commit, err = r.ResolveRev(ctx, refs.Refspec(rem.Name, req.Ref))
	if err != nil {
		return nil, &StepError{Step: StepResolve, Err: err}
	}
	log.Info("resolved commit",
		zap.String("remote", rem.Name),
		zap.String("ref", req.Ref),
		zap.Stringer("commit", result.Commit))

	sysOpts := []sysroot.Option{
		sysroot.WithBootloader(options.Bootloader),
		sysroot.WithLogger(log),
	}
	if options.MinFreeSpace > 0 {
		sysOpts = append(sysOpts, sysroot.WithMinFreeSpace(options.MinFreeSpace, req.Sysroot))
	}
	sys, err := sysroot.Open(options.Fs, req.Sysroot, r, sysOpts...)
	if err != nil {
		return nil, &StepError{Step: StepLoadSysroot, Err: err}
	}

	lock, err := sys.Lock()
	if err != nil {
		return nil, &StepError{Step: StepLock, Err: err}
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release sysroot lock", zap.Error(err))
		}
	}()

	if err := sys.Load(ctx); err != nil {
		return nil, &StepError{Step: StepLoadSysroot, Err: err}
	}

	d, err := sys.Stage(ctx, req.OSName, result.Commit, req.Origin())
	if err != nil {
		return nil, &StepError{Step: StepStage, Err: err}
	}
	if err := sys.Activate(ctx, d); err != nil {
		return nil, &StepError{Step: StepActivate, Err: err}
	}
	result.Deployment = sys.Pending()
	log.Info("deployed new commit, it will boot on next restart",
		zap.Stringer("commit", result.Commit),
		zap.String("deployment", d.ID))

	result.Cleanup, result.CleanupErr = sys.Cleanup(ctx)
	if result.CleanupErr != nil {
		log.Warn("cleanup failed", zap.Error(result.CleanupErr))
	}
	return result, nil
}

// ensureRemote adds want unless a remote of that name is configured. An
// existing remote is used as configured.
func ensureRemote(r *repo.Repository, want repo.Remote, log *zap.Logger) (repo.Remote, bool, error) {
	err := r.AddRemote(want)
	switch {
	case err == nil:
		log.Info("added remote", zap.String("remote", want.Name), zap.String("url", want.URL))
		return want, true, nil
	case errors.Is(err, errdefs.ErrRemoteExists):
		existing, err := r.Remote(want.Name)
		if err != nil {
			return repo.Remote{}, false, err
		}
		log.Info("remote already exists", zap.String("remote", existing.Name), zap.String("url", existing.URL))
		return existing, false, nil
	default:
		return repo.Remote{}, false, err
	}
}
