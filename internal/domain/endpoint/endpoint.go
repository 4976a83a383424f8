// Package endpoint is a named entry point into a bus: a device node in
// the original implementation, an addressable listener (unix socket
// path, HTTP mount, gRPC service) here. Every bus always has at least
// its default "bus" endpoint; custom endpoints layer an independent,
// optionally stricter policy db in front of the same underlying bus.
package endpoint

import (
	"context"
	"sync"

	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/adapter/policy"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
)

// DefaultName is the endpoint every bus is reachable through even if no
// custom endpoint was ever created, mirroring kdbus_ep_new's bus-owned
// "bus" device node.
const DefaultName = "bus"

// Endpoint is one named, independently policed way of reaching a Bus.
type Endpoint struct {
	Name string
	Bus  *bus.Bus

	// PolicyDB is this endpoint's own gate, checked in addition to the
	// bus's policy oracle (original implementation's has_policy custom
	// endpoints). Nil means the endpoint defers entirely to the bus.
	PolicyDB policy.Oracle

	// Mode/UID/GID describe the access control on whatever transport
	// exposes this endpoint (a unix socket file mode in the original
	// implementation; here, the equivalent gate a listener checks
	// before accepting a HELLO).
	Mode uint32
	UID  uint32
	GID  uint32

	// AnonymousUID is charged against quota for callers this endpoint
	// accepts without per-connection identity (spec's anonymous-sender
	// accounting), 0 disables anonymous access entirely.
	AnonymousUID uint32

	mu           sync.Mutex
	conns        map[model.ConnID]*connection.Connection
	disconnected bool
}

// New creates an endpoint bound to b. policyDB is nil for endpoints
// that defer entirely to the bus's own policy oracle, non-nil for a
// custom endpoint carrying its own restrictive db (mirrors
// kdbus_ep_new's "policy" argument).
func New(name string, b *bus.Bus, mode, uid, gid uint32, policyDB policy.Oracle) *Endpoint {
	return &Endpoint{
		Name:     name,
		Bus:      b,
		PolicyDB: policyDB,
		Mode:     mode,
		UID:      uid,
		GID:      gid,
		conns:    make(map[model.ConnID]*connection.Connection),
	}
}

// Hello admits a new connection through this endpoint: it checks the
// endpoint's own policy db (if any) before handing off identity and id
// allocation to the underlying bus, then tracks the result locally so
// Disconnect can cascade.
//
// A custom endpoint with AnonymousUID set accounts every connection it
// admits against that one shared uid rather than the caller's real uid
// (original implementation's "custom endpoints use the anonymous user
// assigned to the endpoint" in kdbus_conn_new), so per-user quota
// (model.ConnMaxMsgsPerUser) is charged against the endpoint as a whole
// instead of against whichever identity happened to connect through it.
func (e *Endpoint) Hello(ctx context.Context, callerUID uint32, flags model.ConnFlags, attach model.AttachFlags, description string, owner *metadata.Snapshot) (*connection.Connection, error) {
	e.mu.Lock()
	if e.disconnected {
		e.mu.Unlock()
		return nil, model.NewError("endpoint.Hello", model.KindConnectionReset, "endpoint is disconnected")
	}
	e.mu.Unlock()

	if e.PolicyDB != nil {
		ok, err := e.PolicyDB.Allowed(ctx, policy.Decision{Subject: callerUID, Verb: policy.VerbSee, Object: e.Name})
		if err != nil {
			return nil, model.WrapError("endpoint.Hello", model.KindPermissionDenied, "endpoint policy check failed", err)
		}
		if !ok {
			return nil, model.NewError("endpoint.Hello", model.KindPermissionDenied, "endpoint policy denies this connection")
		}
	}

	acctUID := callerUID
	if e.AnonymousUID != 0 {
		acctUID = e.AnonymousUID
	}

	conn, err := e.Bus.HelloConn(acctUID, flags, attach, description, owner)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.conns[conn.ID] = conn
	e.mu.Unlock()
	return conn, nil
}

// Disconnect implements kdbus_ep_disconnect: it marks the endpoint
// disconnected, so later Hello calls fail, and disconnects every
// connection that came in through it. The bus keeps no list of its
// endpoints, so there is no bus-side entry to drop. Connections are
// disconnected one at a time so a slow drain on one connection never blocks admission
// checks on the others.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	if e.disconnected {
		e.mu.Unlock()
		return
	}
	e.disconnected = true
	conns := make([]*connection.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		_ = e.Bus.ByebyeConn(c, false)
		e.mu.Lock()
		delete(e.conns, c.ID)
		e.mu.Unlock()
	}
}

// Connections returns a snapshot of connections admitted through this
// endpoint specifically (as opposed to bus.Connections, which returns
// every connection on the bus regardless of endpoint).
func (e *Endpoint) Connections() []*connection.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*connection.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Forget drops conn from this endpoint's local tracking without
// touching the bus, called after a BYEBYE that disconnected conn
// directly against the bus rather than through this endpoint.
func (e *Endpoint) Forget(id model.ConnID) {
	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
}
