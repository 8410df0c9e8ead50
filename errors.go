package updatemanager

import (
	"fmt"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
)

var (
	ErrNotFound          = errdefs.ErrNotFound
	ErrUnknownRef        = errdefs.ErrUnknownRef
	ErrCorrupt           = errdefs.ErrCorrupt
	ErrIntegrity         = errdefs.ErrIntegrity
	ErrIncompleteCommit  = errdefs.ErrIncompleteCommit
	ErrTransport         = errdefs.ErrTransport
	ErrSwapFailure       = errdefs.ErrSwapFailure
	ErrRemoteExists      = errdefs.ErrRemoteExists
	ErrLocked            = errdefs.ErrLocked
	ErrStaleSysroot      = errdefs.ErrStaleSysroot
	ErrNotStaged         = errdefs.ErrNotStaged
	ErrInsufficientSpace = errdefs.ErrInsufficientSpace
	ErrInvalidName       = errdefs.ErrInvalidName
)

// Step names a stage of Update.
type Step string

const (
	StepOpenRepo    Step = "open-repo"
	StepRemote      Step = "remote"
	StepPull        Step = "pull"
	StepResolve     Step = "resolve"
	StepLoadSysroot Step = "load-sysroot"
	StepStage       Step = "stage"
	StepActivate    Step = "activate"
	StepLock        Step = "lock"
)

var exitCodes = map[Step]int{
	StepOpenRepo:    2,
	StepRemote:      3,
	StepPull:        4,
	StepResolve:     5,
	StepLoadSysroot: 6,
	StepStage:       7,
	StepActivate:    8,
	StepLock:        9,
}

// StepError is returned by Update for the first step that failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ExitCode is the process exit status for a failure in this step.
func (e *StepError) ExitCode() int {
	if code, ok := exitCodes[e.Step]; ok {
		return code
	}
	return 1
}
