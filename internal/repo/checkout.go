package repo

import (
	"context"
	"fmt"
	"io/fs"
	"path"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/Tech-Reformist/update-manager/internal/fsutil"
	"github.com/Tech-Reformist/update-manager/internal/object"
)

// Checkout materializes the root tree of a commit into dir of dst. dir must
// not exist yet; callers stage into a scratch directory and rename it into
// place. Every file and directory is synced before Checkout returns.
func (r *Repository) Checkout(ctx context.Context, commit digest.Digest, dst afero.Fs, dir string) error {
	c, err := r.GetCommit(ctx, commit)
	if err != nil {
		return err
	}
	if err := dst.Mkdir(dir, 0755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	return r.checkoutTree(ctx, c.Tree, dst, dir)
}

func (r *Repository) checkoutTree(ctx context.Context, d digest.Digest, dst afero.Fs, dir string) error {
	tree, err := r.GetTree(ctx, d)
	if err != nil {
		return err
	}

	for _, entry := range tree.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, entry.Name)

		if entry.IsTree() {
			if err := dst.Mkdir(p, entry.Mode.Perm()|0700); err != nil {
				return fmt.Errorf("mkdir %s: %w", p, err)
			}
			if err := r.checkoutTree(ctx, entry.Digest, dst, p); err != nil {
				return err
			}
			if err := dst.Chmod(p, entry.Mode&^fs.ModeDir); err != nil {
				return fmt.Errorf("chmod %s: %w", p, err)
			}
			continue
		}

		blob, err := r.getBlob(ctx, entry.Digest)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}

		if entry.Mode&fs.ModeSymlink != 0 {
			linker, ok := dst.(afero.Linker)
			if !ok {
				return fmt.Errorf("symlink %s: %w", p, afero.ErrNoSymlink)
			}
			if err := linker.SymlinkIfPossible(string(blob.Content), p); err != nil {
				return fmt.Errorf("symlink %s: %w", p, err)
			}
			continue
		}

		if err := fsutil.WriteFileSync(dst, p, blob.Content, entry.Mode.Perm()); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		if entry.Mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != 0 {
			if err := dst.Chmod(p, entry.Mode); err != nil {
				return fmt.Errorf("chmod %s: %w", p, err)
			}
		}
	}
	// Entries are durable before the directory is renamed or chmodded.
	return fsutil.SyncDir(dst, dir)
}

func (r *Repository) getBlob(ctx context.Context, d digest.Digest) (*object.Blob, error) {
	o, err := r.GetObject(ctx, d)
	if err != nil {
		return nil, err
	}
	b, ok := o.(*object.Blob)
	if !ok {
		return nil, fmt.Errorf("object %s is a %s, not a blob", d, o.Kind())
	}
	return b, nil
}
