// Package errdefs defines the error taxonomy shared by every layer of the
// update manager. Lower layers wrap these sentinels with context using
// fmt.Errorf("...: %w", err); callers match them with errors.Is.
package errdefs

import "errors"

var (
	// ErrNotFound reports an absent object, ref or remote.
	ErrNotFound = errors.New("update-manager: not found")

	// ErrUnknownRef reports a ref name that has never been set.
	ErrUnknownRef = errors.New("update-manager: unknown ref")

	// ErrCorrupt reports stored content whose digest no longer matches its key.
	ErrCorrupt = errors.New("update-manager: corrupt object")

	// ErrIntegrity reports fetched content that failed digest verification.
	ErrIntegrity = errors.New("update-manager: integrity check failed")

	// ErrIncompleteCommit reports a commit whose closure is not fully present.
	ErrIncompleteCommit = errors.New("update-manager: incomplete commit")

	// ErrTransport reports a network or I/O failure while talking to a remote.
	ErrTransport = errors.New("update-manager: transport error")

	// ErrSwapFailure reports an activation that could not complete. The
	// previous deployment record is intact when this is returned.
	ErrSwapFailure = errors.New("update-manager: deployment swap failed")

	ErrRemoteExists      = errors.New("update-manager: remote already exists")
	ErrLocked            = errors.New("update-manager: sysroot is locked")
	ErrStaleSysroot      = errors.New("update-manager: sysroot changed since it was loaded")
	ErrNotStaged         = errors.New("update-manager: deployment is not staged")
	ErrInsufficientSpace = errors.New("update-manager: insufficient free space")
	ErrInvalidName       = errors.New("update-manager: invalid name")
)
