// Package bus is the top-level namespace a set of connections shares:
// identity, the name registry, the policy db, the connection hash, and
// the monitor list (spec §3 "Bus").
package bus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/adapter/policy"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/registry"
	"github.com/kbusd/kbusd/internal/domain/reply"
)

// Hooks are late-bound callbacks the owning dispatcher wires in after
// construction, kept out of this package's own dependencies to avoid a
// bus<->dispatch import cycle.
type Hooks struct {
	// OnNameChange fires on every well-known-name ownership transition.
	OnNameChange registry.NameChangeFunc
	// OnReplyTimeout fires for every reply tracker a connection's worker
	// reaps past its deadline: asynchronous ones, and synchronous ones
	// whose wait was left interrupted.
	OnReplyTimeout func(owner *connection.Connection, t *reply.Tracker)
	// OnQueuedMessageReply and OnOwedReplyDead fire for obligations a
	// disconnecting connection breaks: see connection.DisconnectHooks.
	OnQueuedMessageReply func(owner *connection.Connection, srcID model.ConnID, cookie model.Cookie)
	OnOwedReplyDead      func(owner *connection.Connection, t *reply.Tracker)
	// OnIDChange fires once a connection is hashed onto the bus (added
	// true) and once more when it is fully torn down (added false),
	// grounding the ID-add/ID-remove kernel notifications of spec §7.
	OnIDChange func(id model.ConnID, added bool)
}

// Bus is one namespace of connections. Identity is (Name, Domain,
// UIDOwner, ID) per spec §3.
type Bus struct {
	Name     string
	Domain   string
	UIDOwner uint32
	ID       uuid.UUID
	Bloom    model.BloomParameter

	Registry *registry.Registry
	PolicyDB policy.Oracle

	// CreatorMeta is frozen at bus creation, released to connections
	// in the same pid namespace via BUS_CREATOR_INFO (spec §4.6).
	CreatorMeta *metadata.Snapshot

	hooks Hooks

	nextSeq atomic.Uint64

	mu          sync.RWMutex
	conns       map[model.ConnID]*connection.Connection
	monitors    map[model.ConnID]*connection.Connection
	nextConnID  uint64
	disconnected bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// New creates a bus. uidOwner is the creating user; bus names must carry
// that uid as a literal dotted-dash prefix (spec's documented intent,
// not the original implementation's broken strncmp length check — see
// DESIGN.md).
func New(name, domain string, uidOwner uint32, bloom model.BloomParameter, policyDB policy.Oracle, creatorMeta *metadata.Snapshot, hooks Hooks) (*Bus, error) {
	if !IsValidBusName(name, uidOwner) {
		return nil, model.NewError("bus.New", model.KindInvalidArgument, "bus name must be prefixed with the creating uid")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, model.WrapError("bus.New", model.KindCommunicationError, "failed to allocate bus id", err)
	}

	if hooks.OnQueuedMessageReply == nil {
		hooks.OnQueuedMessageReply = func(*connection.Connection, model.ConnID, model.Cookie) {}
	}
	if hooks.OnOwedReplyDead == nil {
		hooks.OnOwedReplyDead = func(*connection.Connection, *reply.Tracker) {}
	}
	if hooks.OnReplyTimeout == nil {
		hooks.OnReplyTimeout = func(*connection.Connection, *reply.Tracker) {}
	}
	if hooks.OnIDChange == nil {
		hooks.OnIDChange = func(model.ConnID, bool) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		Name:         name,
		Domain:       domain,
		UIDOwner:     uidOwner,
		ID:           id,
		Bloom:        bloom,
		PolicyDB:     policyDB,
		CreatorMeta:  creatorMeta,
		hooks:        hooks,
		conns:        make(map[model.ConnID]*connection.Connection),
		monitors:     make(map[model.ConnID]*connection.Connection),
		workerCtx:    ctx,
		workerCancel: cancel,
	}
	b.Registry = registry.New(hooks.OnNameChange)
	return b, nil
}

// IsValidBusName reports whether name carries the creating uid as a
// literal "<uid>-" prefix, the spec's resolution of an Open Question
// left ambiguous by the original implementation's C expression
// `strncmp(name, prefix, strlen(prefix) != 0)`, which due to operator
// precedence compares only a single byte rather than the whole prefix.
// We implement the documented intent instead of the bug.
func IsValidBusName(name string, uidOwner uint32) bool {
	prefix := strconv.FormatUint(uint64(uidOwner), 10) + "-"
	return strings.HasPrefix(name, prefix) && len(name) > len(prefix)
}

// IsPrivileged reports whether uid may bypass policy checks and quotas
// on this bus and may create activator/monitor/policy-holder
// connections (spec §3, §4.3). The original kernel also accepts
// CAP_IPC_OWNER; a userspace reimplementation has no equivalent
// capability bit, so ownership by uid is the whole check here.
func (b *Bus) IsPrivileged(uid uint32) bool {
	return uid == b.UIDOwner
}

// NextSeq assigns the next message in the bus's total send order (spec
// §4.4 step 1), used by the dispatcher to stamp every outgoing Kmsg.
func (b *Bus) NextSeq() uint64 { return b.nextSeq.Add(1) }

// NextConnID allocates the next monotonic connection id.
func (b *Bus) NextConnID() model.ConnID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextConnID++
	return model.ConnID(b.nextConnID)
}

// poolCapacity bounds the per-connection receive pool (spec §1: "a
// per-connection zero-copy receive pool"). 4 MiB comfortably holds the
// default queue/message-size ceilings of spec §5 without the arena ever
// needing to grow.
const poolCapacity = 4 << 20

// HelloConn registers a new connection on the bus: allocates its id,
// starts its reply-timeout worker, and makes it addressable by id.
// Monitors are hashed like any other connection and are additionally
// tracked in a separate list for eavesdrop fan-out.
func (b *Bus) HelloConn(uid uint32, flags model.ConnFlags, attach model.AttachFlags, description string, owner *metadata.Snapshot) (*connection.Connection, error) {
	if flags.RequiresPrivilege() && !b.IsPrivileged(uid) {
		return nil, model.NewError("bus.HelloConn", model.KindPermissionDenied, "activator/monitor/policy-holder requires a privileged caller")
	}
	if !flags.Valid() {
		return nil, model.NewError("bus.HelloConn", model.KindInvalidArgument, "mutually exclusive connection flags")
	}

	id := b.NextConnID()
	conn := connection.New(id, uid, flags, attach, b.Bloom, poolCapacity)
	conn.Description = description
	conn.OwnerMeta = owner

	ctx, cancel := context.WithCancel(b.workerCtx)
	worker := reply.NewWorker(conn.Replies, nowNS, func(t *reply.Tracker) {
		b.hooks.OnReplyTimeout(conn, t)
	})
	conn.SetNotifyCancel(cancel)
	go worker.Run(ctx)

	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		cancel()
		return nil, model.NewError("bus.HelloConn", model.KindConnectionReset, "bus is shutting down")
	}
	b.conns[id] = conn
	if flags.Has(model.ConnFlagMonitor) {
		b.monitors[id] = conn
	}
	b.mu.Unlock()

	b.hooks.OnIDChange(id, true)
	return conn, nil
}

// Lookup resolves a connection by id. Activator/policy-holder/monitor
// connections are still addressable here; the dispatcher, not the bus,
// enforces spec §4.4 step 3's "cannot be addressed by ID" rule for
// those kinds when routing an ordinary send.
func (b *Bus) Lookup(id model.ConnID) (*connection.Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.conns[id]
	return c, ok
}

// Connections returns a snapshot of every hashed connection, used for
// broadcast fan-out and MSG_CANCEL's bus-wide scan.
func (b *Bus) Connections() []*connection.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// Monitors returns a snapshot of every monitor connection, for
// eavesdrop fan-out (spec §4.4 step 7).
func (b *Bus) Monitors() []*connection.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(b.monitors))
	for _, c := range b.monitors {
		out = append(out, c)
	}
	return out
}

// ByebyeConn implements BYEBYE: tears down conn's queue and reply
// obligations, then removes it from the bus's hash and monitor list and
// releases every name it owns/activates/claims. Removal is not atomic
// with the start of teardown: while conn.Disconnect runs, conn is
// already inactive (Acquire on it fails) but Lookup, Connections and
// Monitors still return it.
func (b *Bus) ByebyeConn(conn *connection.Connection, ensureQueueEmpty bool) error {
	err := conn.Disconnect(ensureQueueEmpty, connection.DisconnectHooks{
		OnQueuedMessageReply: func(srcID model.ConnID, cookie model.Cookie) {
			b.hooks.OnQueuedMessageReply(conn, srcID, cookie)
		},
		OnOwedReplyDead: func(t *reply.Tracker) {
			b.hooks.OnOwedReplyDead(conn, t)
		},
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.conns, conn.ID)
	delete(b.monitors, conn.ID)
	b.mu.Unlock()

	b.Registry.RemoveByConn(conn)
	b.hooks.OnIDChange(conn.ID, false)
	return nil
}

// Shutdown disconnects every connection and stops every reply worker,
// cascading the way spec §3's "Bus ... torn down explicitly by
// disconnect, which cascades through endpoints" describes one level up
// from the endpoint.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.disconnected = true
	conns := make([]*connection.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = b.ByebyeConn(c, false)
	}
	b.workerCancel()
}

// CreatorInfo implements BUS_CREATOR_INFO: it releases the bus creator's
// metadata snapshot only to a requester sharing the creator's pid
// namespace, matching the original implementation's
// user_namespace/pid_namespace gate in kdbus_cmd_bus_creator_info.
func (b *Bus) CreatorInfo(requester *metadata.Snapshot) (*metadata.Snapshot, error) {
	if b.CreatorMeta == nil {
		return nil, model.NewError("bus.CreatorInfo", model.KindNotFound, "no creator metadata recorded for this bus")
	}
	if requester == nil || !metadata.SameNamespace(b.CreatorMeta, requester) {
		return nil, model.NewError("bus.CreatorInfo", model.KindPermissionDenied, "requester is outside the creator's namespace")
	}
	return b.CreatorMeta, nil
}

func nowNS() int64 { return time.Now().UnixNano() }
