package updatemanager

import (
	"context"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/Tech-Reformist/update-manager/internal/repo"
)

// CommitOptions describes a new commit.
type CommitOptions = repo.CommitOptions

// Commit stores the tree under dir as a new commit in the repository at
// repoPath, creating the repository if needed. With opts.Branch set the
// branch's current commit becomes the parent and the branch moves to the new
// commit.
func Commit(ctx context.Context, fs afero.Fs, repoPath, dir string, opts CommitOptions) (digest.Digest, error) {
	r, err := repo.Open(fs, repoPath)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return r.CommitDir(ctx, fs, dir, opts)
}
