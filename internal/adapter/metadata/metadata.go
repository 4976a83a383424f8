// Package metadata is a thin stand-in for the external metadata collector
// (spec §1 "produces opaque credential blobs"). The real collector
// scrapes /proc, audit, and LSM state at message-send time; this adapter
// captures the handful of host-OS-sourced fields the core's access checks
// actually branch on (namespace identity for §4.6's bus-creator-info
// check) and otherwise treats credentials as an opaque snapshot.
package metadata

import (
	"os"
	"time"

	"github.com/kbusd/kbusd/internal/domain/model"
)

// Snapshot is an opaque per-sender credential blob, frozen at the moment
// it is taken (spec §9 "Impersonation metadata ... must be frozen at
// connection creation").
type Snapshot struct {
	UID       uint32
	GID       uint32
	PID       int
	NamespaceID string // process pid-namespace identity, best-effort
	Comm        string
	TakenAt     time.Time
}

// Collector produces credential snapshots. Production deployments swap
// this for the real collector; tests and the reference daemon use
// HostCollector.
type Collector interface {
	Snapshot() (*Snapshot, error)
}

// HostCollector reads the current host OS identity.
type HostCollector struct{}

func (HostCollector) Snapshot() (*Snapshot, error) {
	return &Snapshot{
		UID:         uint32(os.Getuid()),
		GID:         uint32(os.Getgid()),
		PID:         os.Getpid(),
		NamespaceID: hostNamespaceID(),
		Comm:        processComm(),
		TakenAt:     time.Now(),
	}, nil
}

// SameNamespace reports whether two snapshots were taken in the same pid
// namespace, the check spec §4.6 requires before releasing bus-creator
// info across a namespace boundary.
func SameNamespace(a, b *Snapshot) bool {
	return a.NamespaceID == b.NamespaceID
}

// Attach selects the items of snap that flags asks for, keyed by the bit
// that requested each one, for the dispatcher to stash onto a Kmsg before
// delivery. impersonating is true when the sender has a frozen
// OwnerMeta substituted for its live identity, in which case only name
// and description items may be layered on top of the pre-recorded
// credential fields (spec §9).
func Attach(snap *Snapshot, flags model.AttachFlags, ownerNames []string, description string, impersonating bool) map[model.AttachFlags]any {
	if snap == nil {
		return nil
	}
	out := make(map[model.AttachFlags]any)

	if flags.Has(model.AttachNames) {
		out[model.AttachNames] = ownerNames
	}
	if flags.Has(model.AttachConnDescription) && description != "" {
		out[model.AttachConnDescription] = description
	}
	if impersonating {
		return out
	}

	if flags.Has(model.AttachCreds) {
		out[model.AttachCreds] = struct {
			UID uint32
			GID uint32
		}{snap.UID, snap.GID}
	}
	if flags.Has(model.AttachPIDs) {
		out[model.AttachPIDs] = snap.PID
	}
	if flags.Has(model.AttachPIDComm) {
		out[model.AttachPIDComm] = snap.Comm
	}
	return out
}
