// Package connection is one bus participant: its receive queue, the
// replies it owes and the ones it's waiting on, its match rules, its
// pool, and the active-reference lifecycle that lets every other package
// safely reach into it without racing a concurrent disconnect.
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/adapter/pool"
	"github.com/kbusd/kbusd/internal/domain/match"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
	"github.com/kbusd/kbusd/internal/domain/reply"
)

// State is the coarse lifecycle stage reported by ConnInfo and used by
// callers deciding whether an operation still makes sense.
type State int

const (
	StateActive State = iota
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Connection is one HELLO'd participant on a bus.
type Connection struct {
	ID          model.ConnID
	UID         uint32
	Flags       model.ConnFlags
	AttachFlags model.AttachFlags
	Description string
	CreatedAt   time.Time

	// OwnerMeta is a frozen credential snapshot substituted for the
	// live sender identity when the connection impersonates another
	// uid (spec §9). Nil for ordinary connections.
	OwnerMeta *metadata.Snapshot

	Queue    *queue.Queue
	MatchDB  *match.DB
	Replies  *reply.List // requests this connection owes replies for
	Pool     *pool.Pool

	active *activeRef

	// outstandingRequests is this connection's own reply_count: the
	// number of requests it has sent, to any destination, that still
	// expect a reply. kdbus_conn_reply_new checks this on the caller
	// (reply_dst), not on any one destination's list length, so it
	// lives here rather than on a reply.List.
	outstandingRequests atomic.Int64

	mu           sync.Mutex
	names        map[model.NameID]string // well-known names currently owned
	disconnected bool

	lastActivityNS int64
	notifyCancel   func()
}

// New builds an active connection with a fresh queue, match db, reply
// list, and pool of the given capacity.
func New(id model.ConnID, uid uint32, flags model.ConnFlags, attach model.AttachFlags, bloom model.BloomParameter, poolCapacity uint64) *Connection {
	return &Connection{
		ID:          id,
		UID:         uid,
		Flags:       flags,
		AttachFlags: attach,
		CreatedAt:   time.Now(),
		Queue:       queue.New(),
		MatchDB:     match.NewDB(bloom),
		Replies:     reply.NewList(),
		Pool:        pool.New(poolCapacity),
		active:      newActiveRef(),
		names:       make(map[model.NameID]string),
	}
}

// Acquire takes an active reference, required for the duration of any
// operation that reaches into the connection's mutable state (spec's
// active-reference pattern, ported from kdbus_conn_acquire). Release it
// with Release when done; never hold it across an indefinite sleep.
func (c *Connection) Acquire() bool { return c.active.Acquire() }

// Release drops a reference taken by Acquire.
func (c *Connection) Release() { c.active.Release() }

// Active reports whether the connection has not begun disconnecting.
func (c *Connection) Active() bool { return c.active.Active() }

// State reports the coarse lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return StateDisconnected
	}
	if !c.active.Active() {
		return StateDisconnecting
	}
	return StateActive
}

// Touch records sending/receiving activity for idle-eviction bookkeeping.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivityNS = time.Now().UnixNano()
	c.mu.Unlock()
}

// IdleSince reports how long it has been since the last Touch.
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	last := c.lastActivityNS
	c.mu.Unlock()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// ReserveOutstandingRequest reserves one slot in this connection's
// cross-destination pending-reply quota (model.ConnMaxRequestsPending),
// the Go equivalent of kdbus_conn_reply_new's
// atomic_inc_return(&reply_dst->reply_count) check. It reports false once
// the connection already has that many requests awaiting a reply,
// regardless of how many distinct destinations they were sent to.
func (c *Connection) ReserveOutstandingRequest() bool {
	for {
		cur := c.outstandingRequests.Load()
		if cur >= model.ConnMaxRequestsPending {
			return false
		}
		if c.outstandingRequests.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseOutstandingRequest frees a slot reserved by
// ReserveOutstandingRequest. Wired as a reply.Tracker's release callback
// so it fires exactly once the request it was reserved for is delivered,
// canceled, timed out, or orphaned by the owing connection's disconnect.
func (c *Connection) ReleaseOutstandingRequest() {
	c.outstandingRequests.Add(-1)
}

// AddOwnedName records id/name as currently owned by this connection, for
// ConnInfo's name listing. The registry remains the source of truth for
// acquisition; this is a local mirror for fast lookup.
func (c *Connection) AddOwnedName(id model.NameID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}

// RemoveOwnedName drops the local mirror entry, called on release or
// eviction by a higher-priority claimant.
func (c *Connection) RemoveOwnedName(id model.NameID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, id)
}

// OwnedNames returns a snapshot of every well-known name this connection
// currently owns, for the SrcName match predicate and ConnInfo.
func (c *Connection) OwnedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, n)
	}
	return out
}

// DisconnectHooks lets the caller (the dispatcher, which owns the bus's
// notification pipeline) react to obligations a disconnecting connection
// is breaking, without this package importing notify/bus and creating a
// cycle.
type DisconnectHooks struct {
	// OnQueuedMessageReply fires for every still-queued message that
	// was itself expecting a reply from this connection (spec: other
	// senders learn their call will never be answered).
	OnQueuedMessageReply func(srcID model.ConnID, cookie model.Cookie)
	// OnOwedReplyDead fires for every asynchronous reply this
	// connection owed someone else; sync trackers are resolved
	// in-process instead (the caller is unblocked directly).
	OnOwedReplyDead func(t *reply.Tracker)
}

// Disconnect tears the connection down: blocks new Acquire calls, waits
// for in-flight ones to finish, then drains the queue and owed-reply
// list and reports everything that needed a dead-peer notification.
// ensureQueueEmpty mirrors KDBUS_CMD_BYEBYE's undeliverable-message
// check: with it set, Disconnect refuses (ResourceBusy) rather than
// silently dropping pending receives.
func (c *Connection) Disconnect(ensureQueueEmpty bool, hooks DisconnectHooks) error {
	c.mu.Lock()
	if !c.active.Active() {
		c.mu.Unlock()
		return model.NewError("connection.Disconnect", model.KindAlreadyFinished, "connection already disconnected")
	}
	if ensureQueueEmpty && c.Queue.Len() > 0 {
		c.mu.Unlock()
		return model.NewError("connection.Disconnect", model.KindResourceBusy, "queue not empty")
	}
	c.mu.Unlock()

	<-c.active.beginDisconnect()

	if c.notifyCancel != nil {
		c.notifyCancel()
	}

	for _, e := range c.Queue.Drain() {
		if e.Reply != nil {
			hooks.OnQueuedMessageReply(e.SrcID, e.Cookie)
		}
		if e.Slice != nil {
			e.Slice.Free()
		}
	}

	for _, t := range c.Replies.DrainAll() {
		if t.Sync {
			t.Resolve(model.NewError("connection.Disconnect", model.KindBrokenPipe, "replying connection disconnected"), nil)
			continue
		}
		hooks.OnOwedReplyDead(t)
	}

	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()

	return nil
}

// SetNotifyCancel registers the cancel function for this connection's
// reply-timeout worker (wired by whoever starts it, typically the bus),
// so Disconnect can stop it instead of leaking a goroutine.
func (c *Connection) SetNotifyCancel(cancel func()) {
	c.mu.Lock()
	c.notifyCancel = cancel
	c.mu.Unlock()
}
