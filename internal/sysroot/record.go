package sysroot

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/afero"

	"github.com/Tech-Reformist/update-manager/internal/errdefs"
	"github.com/Tech-Reformist/update-manager/internal/fsutil"
)

const recordVersion = 1

// record is the single, atomically replaced file the bootloader side reads.
type record struct {
	Version        int           `json:"version"`
	Generation     uint64        `json:"generation"`
	NextBootSerial uint64        `json:"next_boot_serial"`
	Booted         string        `json:"booted,omitempty"`
	Deployments    []*Deployment `json:"deployments"`
	Staged         []*Deployment `json:"staged,omitempty"`
}

func emptyRecord() *record {
	return &record{Version: recordVersion, NextBootSerial: 1, Deployments: []*Deployment{}}
}

func readRecord(fs afero.Fs, path string) (*record, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if isNotExist(err) {
			return emptyRecord(), nil
		}
		return nil, fmt.Errorf("read deployment record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("deployment record %s: %w: %v", path, errdefs.ErrCorrupt, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("deployment record %s: unsupported version %d", path, rec.Version)
	}
	if rec.Deployments == nil {
		rec.Deployments = []*Deployment{}
	}
	rec.derive()
	return &rec, nil
}

// write replaces the record at path. The previous file stays intact until
// the new one is complete and renamed over it.
func (r *record) write(fs afero.Fs, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment record: %w", err)
	}
	return fsutil.WriteFileAtomic(fs, path, append(data, '\n'), 0644)
}

func (r *record) clone() *record {
	c := *r
	c.Deployments = make([]*Deployment, len(r.Deployments))
	for i, d := range r.Deployments {
		c.Deployments[i] = d.clone()
	}
	c.Staged = make([]*Deployment, len(r.Staged))
	for i, d := range r.Staged {
		c.Staged[i] = d.clone()
	}
	return &c
}

// derive orders deployments by boot serial and computes index and state.
//
// Relative to the booted deployment, the one at index 0 is pending if it is
// newer, any other newer one is superseded, and every older one is a
// rollback. Without a booted deployment index 0 is pending and the rest are
// superseded.
func (r *record) derive() {
	sort.SliceStable(r.Deployments, func(i, j int) bool {
		return r.Deployments[i].BootSerial > r.Deployments[j].BootSerial
	})

	var bootedSerial uint64
	hasBooted := false
	for _, d := range r.Deployments {
		if d.ID == r.Booted {
			bootedSerial = d.BootSerial
			hasBooted = true
		}
	}

	for i, d := range r.Deployments {
		d.Index = i
		switch {
		case hasBooted && d.ID == r.Booted:
			d.State = StateBooted
		case i == 0 && (!hasBooted || d.BootSerial > bootedSerial):
			d.State = StatePending
		case hasBooted && d.BootSerial < bootedSerial:
			d.State = StateRollback
		default:
			d.State = StateSuperseded
		}
	}
	for _, d := range r.Staged {
		d.Index = -1
		d.State = StateStaged
	}
}

func (r *record) find(id string) *Deployment {
	for _, d := range r.Deployments {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (r *record) booted() *Deployment {
	for _, d := range r.Deployments {
		if d.State == StateBooted {
			return d
		}
	}
	return nil
}

func (r *record) pending() *Deployment {
	if len(r.Deployments) > 0 && r.Deployments[0].State == StatePending {
		return r.Deployments[0]
	}
	return nil
}

// rollback returns the most recent rollback deployment.
func (r *record) rollback() *Deployment {
	for _, d := range r.Deployments {
		if d.State == StateRollback {
			return d
		}
	}
	return nil
}
