// Package reply tracks outgoing requests that expect a reply.
//
// A Tracker is created on the sender's side of a request that carries
// KDBUS_MSG_FLAGS_EXPECT_REPLY, but it lives on the *destination*
// connection's List: the destination is the one that owes a reply, so
// it is the destination's disconnect, timeout sweep, or MSG_CANCEL scan
// that needs to find it. ReplyDst names the original caller the eventual
// reply (or timeout/cancel/dead notification) must be woken on.
package reply

import (
	"sync"

	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
)

// Tracker is one outstanding request awaiting a reply.
type Tracker struct {
	mu sync.Mutex

	ReplyDst   model.ConnID // connection the reply (or its absence) wakes
	Cookie     model.Cookie
	NameID     model.NameID // well-known name the request was sent to, if any
	DeadlineNS int64
	Sync       bool

	// QueueEntry carries the reply payload for a synchronous handoff,
	// bypassing the destination's ordinary queue: the replying side
	// attaches the prepared queue.Entry directly to the tracker instead
	// of enqueuing it, and the waiter installs it into its own pool slot
	// on wake. nil for asynchronous requests and for sync requests still
	// pending.
	QueueEntry *queue.Entry

	waiting     bool
	interrupted bool
	err         error
	done        chan struct{}

	releaseOnce sync.Once
	release     func()
}

// New creates a tracker for a request with the given cookie sent to
// nameID (zero if sent by unique id), expiring at deadlineNS.
func New(replyDst model.ConnID, cookie model.Cookie, nameID model.NameID, deadlineNS int64, sync bool) *Tracker {
	return &Tracker{
		ReplyDst:   replyDst,
		Cookie:     cookie,
		NameID:     nameID,
		DeadlineNS: deadlineNS,
		Sync:       sync,
		waiting:    sync,
		done:       make(chan struct{}),
	}
}

// Done is closed exactly once, when the tracker reaches a terminal
// state: a reply arrived, the deadline passed, it was canceled, or the
// replying connection died. It is never closed merely because the wait
// was interrupted by a signal — Interrupt leaves the tracker live so a
// restarted syscall can keep waiting on it.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Waiting reports whether anyone is still blocked on this tracker.
func (t *Tracker) Waiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiting
}

// Interrupted reports whether the last wait on this tracker returned
// because of a signal rather than a terminal outcome.
func (t *Tracker) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// Listed reports whether the tracker still belongs on its List: true
// while waiting or left interrupted, matching the kernel's "entries on
// the list are ones the caller might still come back for".
func (t *Tracker) Listed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiting || t.interrupted
}

// Err returns the terminal error once Done is closed.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Resolve delivers a terminal outcome: err is the result code (nil on
// a genuine reply), entry is the reply payload for a synchronous
// handoff (nil for async trackers, or any async outcome). Resolve is
// idempotent; only the first call has an effect.
func (t *Tracker) Resolve(err error, entry *queue.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.waiting = false
	t.interrupted = false
	t.err = err
	t.QueueEntry = entry
	close(t.done)
}

// Interrupt marks a sync wait as interrupted without resolving the
// tracker: the entry stays on its List so a restarted syscall picks it
// back up and waits again, exactly as kdbus_conn_wait_reply does on
// -EINTR.
func (t *Tracker) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.waiting {
		return
	}
	t.waiting = false
	t.interrupted = true
}

// Resume clears an interrupted tracker back to waiting, for a syscall
// restart that re-enters the wait on the same tracker.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		t.interrupted = false
		t.waiting = true
	}
}

// SetRelease registers fn to run exactly once when this tracker is
// permanently removed from the List it was added to: delivered,
// canceled, timed out, or orphaned by the owing connection's disconnect.
// A handoff (AdoptUnchecked/TakeByNameID) never fires it, since the same
// obligation stays alive under a new owner. List uses this to release
// the caller's per-connection outstanding-request reservation
// (model.ConnMaxRequestsPending) regardless of which destination the
// tracker ends up living on.
func (t *Tracker) SetRelease(fn func()) {
	t.mu.Lock()
	t.release = fn
	t.mu.Unlock()
}

// fireRelease runs the registered release callback at most once.
func (t *Tracker) fireRelease() {
	t.mu.Lock()
	fn := t.release
	t.mu.Unlock()
	if fn == nil {
		return
	}
	t.releaseOnce.Do(fn)
}

// Release fires the registered release callback immediately. It exists
// for a caller that pulls a tracker off its List via TakeByNameID (an
// activator handoff, which does not itself fire release) and then finds
// the handoff can't complete: the obligation is dying right there
// instead of moving to a new owner, so the reservation it holds has to
// be freed explicitly.
func (t *Tracker) Release() {
	t.fireRelease()
}
