package sysroot

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Tech-Reformist/update-manager/internal/refs"
)

// State is the lifecycle state of a deployment.
type State string

const (
	// StateStaged is written to disk but not yet eligible to boot.
	StateStaged State = "staged"
	// StatePending will be booted on the next restart.
	StatePending State = "pending"
	// StateBooted is the running deployment.
	StateBooted State = "booted"
	// StateRollback was booted before and is kept for fallback.
	StateRollback State = "rollback"
	// StateSuperseded was activated but replaced before it ever booted.
	StateSuperseded State = "superseded"
)

// Origin records where a deployment came from so later updates know what to
// pull again.
type Origin struct {
	Remote string `json:"remote,omitempty"`
	Ref    string `json:"ref"`
}

// NewOrigin returns the origin for ref on remote.
func NewOrigin(remote, ref string) Origin {
	return Origin{Remote: remote, Ref: ref}
}

// ParseOrigin parses a "remote:ref" refspec.
func ParseOrigin(refspec string) Origin {
	remote, ref := refs.ParseRefspec(refspec)
	return Origin{Remote: remote, Ref: ref}
}

// Refspec returns "remote:ref", or "ref" for a local origin.
func (o Origin) Refspec() string {
	return refs.Refspec(o.Remote, o.Ref)
}

func (o Origin) String() string { return o.Refspec() }

// Deployment is a bootable checkout of a commit.
type Deployment struct {
	ID         string        `json:"id"`
	OSName     string        `json:"osname"`
	Commit     digest.Digest `json:"commit"`
	Origin     Origin        `json:"origin"`
	BootSerial uint64        `json:"boot_serial,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`

	// Index is the position in boot order, 0 boots next. Staged
	// deployments have no position and report -1.
	Index int   `json:"-"`
	State State `json:"-"`
}

func (d *Deployment) clone() *Deployment {
	c := *d
	return &c
}
