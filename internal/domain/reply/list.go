package reply

import (
	"context"
	"sync"
	"time"

	"github.com/kbusd/kbusd/internal/domain/model"
)

// Key identifies a tracker within a List by the pair kdbus_conn_find_reply
// searches on: the caller waiting for the reply, and the cookie it used.
type Key struct {
	ReplyDst model.ConnID
	Cookie   model.Cookie
}

// List is the set of trackers a connection owes replies for. It belongs
// to the connection that received the original request, not the one
// waiting on it.
type List struct {
	mu      sync.Mutex
	byKey   map[Key]*Tracker
	stopped chan struct{}
	once    sync.Once
	wake    chan struct{} // the Worker's kick channel, set by NewWorker
}

// NewList builds an empty reply list.
func NewList() *List {
	return &List{
		byKey:   make(map[Key]*Tracker),
		stopped: make(chan struct{}),
	}
}

// Add admits t onto the list unconditionally. The destination's reply
// list itself carries no capacity bound — kdbus_conn_reply_new doesn't
// cap the destination's reply_list, only the caller's aggregate
// reply_count (model.ConnMaxRequestsPending), which is reserved by the
// caller before Add is ever reached and released via the Tracker's
// release callback (SetRelease) when this list lets go of it.
func (l *List) Add(t *Tracker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[Key{ReplyDst: t.ReplyDst, Cookie: t.Cookie}] = t
	if l.wake != nil {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Find looks up an outstanding tracker without removing it.
func (l *List) Find(replyDst model.ConnID, cookie model.Cookie) (*Tracker, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byKey[Key{ReplyDst: replyDst, Cookie: cookie}]
	return t, ok
}

// Take looks up and removes an outstanding tracker in one step, the
// shape kdbus_conn_check_access uses when an incoming reply message
// consumes the tracker it corresponds to.
func (l *List) Take(replyDst model.ConnID, cookie model.Cookie) (*Tracker, bool) {
	l.mu.Lock()
	k := Key{ReplyDst: replyDst, Cookie: cookie}
	t, ok := l.byKey[k]
	if ok {
		delete(l.byKey, k)
	}
	l.mu.Unlock()
	if ok {
		t.fireRelease()
	}
	return t, ok
}

// Remove drops t from the list regardless of its current state.
func (l *List) Remove(t *Tracker) {
	l.mu.Lock()
	delete(l.byKey, Key{ReplyDst: t.ReplyDst, Cookie: t.Cookie})
	l.mu.Unlock()
	t.fireRelease()
}

// Len reports the number of outstanding trackers.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// All returns a snapshot of every tracker still on the list, for
// MSG_CANCEL's bus-wide scan and for disconnect cleanup.
func (l *List) All() []*Tracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Tracker, 0, len(l.byKey))
	for _, t := range l.byKey {
		out = append(out, t)
	}
	return out
}

// TakeByNameID removes and returns every tracker recorded against the
// given well-known name, for activator handoff: move_messages relocates
// only the trackers belonging to the name that changed hands, not the
// whole list.
func (l *List) TakeByNameID(nameID model.NameID) []*Tracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Tracker
	for k, t := range l.byKey {
		if t.NameID == nameID {
			out = append(out, t)
			delete(l.byKey, k)
		}
	}
	return out
}

// AdoptUnchecked splices t onto this list as part of a handoff, mirroring
// move_messages' unconditional list_splice(&reply_list,
// &conn_dst->reply_list). It does not fire t's release callback: the
// obligation is moving to a new destination, not terminating, so the
// caller's outstanding-request reservation stays held exactly as it was.
func (l *List) AdoptUnchecked(t *Tracker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[Key{ReplyDst: t.ReplyDst, Cookie: t.Cookie}] = t
}

// DrainAll removes and returns every tracker, used when the owning
// connection disconnects and every promise it made has to be broken.
// Each drained tracker's release callback fires: whatever it owed is now
// terminating for good, not moving to a new owner.
func (l *List) DrainAll() []*Tracker {
	l.mu.Lock()
	out := make([]*Tracker, 0, len(l.byKey))
	for k, t := range l.byKey {
		out = append(out, t)
		delete(l.byKey, k)
	}
	l.mu.Unlock()
	for _, t := range out {
		t.fireRelease()
	}
	return out
}

// sweep removes and returns every tracker whose deadline has passed as
// of now, skipping sync trackers that are still actively waiting —
// those time out in the blocking wait itself, exactly as
// kdbus_conn_work skips "reply->sync && !reply->interrupted". It also
// reports the next deadline among the survivors, if any.
func (l *List) sweep(now int64) (expired []*Tracker, nextDeadline int64, hasNext bool) {
	l.mu.Lock()
	for k, t := range l.byKey {
		if t.Sync && !t.Interrupted() {
			continue
		}
		if t.DeadlineNS > now {
			if !hasNext || t.DeadlineNS < nextDeadline {
				nextDeadline = t.DeadlineNS
				hasNext = true
			}
			continue
		}
		expired = append(expired, t)
		delete(l.byKey, k)
	}
	l.mu.Unlock()
	for _, t := range expired {
		t.fireRelease()
	}
	return expired, nextDeadline, hasNext
}

// Worker re-arms itself to the next tracker deadline, the Go shape of
// kdbus_conn_work's self-rescheduling delayed_work: rather than poll on
// a fixed tick, it sleeps exactly until the soonest deadline and wakes
// early whenever Add or Kick changes that soonest deadline.
type Worker struct {
	list   *List
	nowFn  func() int64
	onExpire func(*Tracker)
	kick   chan struct{}
}

// NewWorker builds a worker over list. nowFn is injected so tests can
// control time without sleeping; onExpire runs for every tracker the
// sweep evicts (typically: emit a reply-timeout notification and wake
// the async waiter with a deadline-exceeded error).
func NewWorker(list *List, nowFn func() int64, onExpire func(*Tracker)) *Worker {
	w := &Worker{
		list:     list,
		nowFn:    nowFn,
		onExpire: onExpire,
		kick:     make(chan struct{}, 1),
	}
	list.mu.Lock()
	list.wake = w.kick
	list.mu.Unlock()
	return w
}

// Kick wakes the worker to recompute its sleep, used after Add so a
// tracker with an earlier deadline than the current wait isn't missed.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled, sweeping expired trackers and
// re-arming itself to the next deadline each time.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		expired, next, hasNext := w.list.sweep(w.nowFn())
		for _, t := range expired {
			if w.onExpire != nil {
				w.onExpire(t)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if hasNext {
			d := time.Duration(next - w.nowFn())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.kick:
		}
	}
}
