package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/object"
	"github.com/Tech-Reformist/update-manager/internal/refs"
)

// modeMask keeps the bits of a file mode that are recorded in trees.
const modeMask = fs.ModeDir | fs.ModeSymlink | fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// CommitOptions describes a commit created by CommitDir.
type CommitOptions struct {
	// Branch is the local ref to advance. The commit's parent is the
	// branch's current target. Empty means a detached commit.
	Branch    string
	Subject   string
	Body      string
	Version   string
	Metadata  map[string]string
	Timestamp time.Time
}

// CommitDir imports the directory dir of src as a new commit. Every blob
// and sub-tree is stored before the tree that references it, and the
// commit is stored last, so an interrupted import never leaves a dangling
// reference.
func (r *Repository) CommitDir(ctx context.Context, src afero.Fs, dir string, opts CommitOptions) (digest.Digest, error) {
	info, err := src.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("commit %s: not a directory", dir)
	}

	root, err := r.writeTree(ctx, src, dir)
	if err != nil {
		return "", err
	}

	var parent digest.Digest
	if opts.Branch != "" {
		parent, err = r.refs.Resolve(refs.Local, opts.Branch)
		if err != nil && !errors.Is(err, errdefs.ErrUnknownRef) {
			return "", err
		}
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d, err := r.PutObject(ctx, &object.Commit{
		Tree:      root,
		Parent:    parent,
		Timestamp: ts,
		Subject:   opts.Subject,
		Body:      opts.Body,
		Version:   opts.Version,
		Metadata:  opts.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("store commit: %w", err)
	}

	if opts.Branch != "" {
		if err := r.refs.Update(refs.Local, opts.Branch, d); err != nil {
			return "", err
		}
	}

	r.log.Info("created commit",
		zap.String("commit", d.String()),
		zap.String("tree", root.String()),
		zap.String("branch", opts.Branch))
	return d, nil
}

// writeTree stores the directory at dir bottom-up and returns the digest of
// its tree.
func (r *Repository) writeTree(ctx context.Context, src afero.Fs, dir string) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	infos, err := afero.ReadDir(src, dir)
	if err != nil {
		return "", fmt.Errorf("read dir %s: %w", dir, err)
	}

	tree := &object.Tree{Entries: make([]object.TreeEntry, 0, len(infos))}
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		mode := info.Mode() & modeMask

		var d digest.Digest
		switch {
		case info.IsDir():
			d, err = r.writeTree(ctx, src, p)
		case mode&fs.ModeSymlink != 0:
			d, err = r.writeSymlink(ctx, src, p)
		case info.Mode().IsRegular():
			d, err = r.writeFile(ctx, src, p)
		default:
			r.log.Debug("skipping special file", zap.String("path", p), zap.Stringer("mode", info.Mode()))
			continue
		}
		if err != nil {
			return "", err
		}

		tree.Entries = append(tree.Entries, object.TreeEntry{Name: info.Name(), Mode: mode, Digest: d})
	}

	d, err := r.PutObject(ctx, tree)
	if err != nil {
		return "", fmt.Errorf("store tree %s: %w", dir, err)
	}
	return d, nil
}

func (r *Repository) writeFile(ctx context.Context, src afero.Fs, p string) (digest.Digest, error) {
	content, err := afero.ReadFile(src, p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	d, err := r.PutObject(ctx, &object.Blob{Content: content})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", p, err)
	}
	return d, nil
}

func (r *Repository) writeSymlink(ctx context.Context, src afero.Fs, p string) (digest.Digest, error) {
	reader, ok := src.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("read link %s: %w", p, afero.ErrNoReadlink)
	}
	target, err := reader.ReadlinkIfPossible(p)
	if err != nil {
		return "", fmt.Errorf("read link %s: %w", p, err)
	}
	return r.PutObject(ctx, &object.Blob{Content: []byte(target)})
}
