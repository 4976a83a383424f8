// Package queue implements a connection's priority-ordered receive queue
// and its per-sending-user quota accounting (spec §4.3).
package queue

import (
	"container/heap"
	"sync"

	"github.com/kbusd/kbusd/internal/domain/model"
)

// Entry is one queued message, already copied into the receiver's pool as
// an allocated-but-not-yet-public slice.
type Entry struct {
	Slice SliceRef

	SrcID     model.ConnID
	Cookie    model.Cookie
	DstNameID model.NameID
	Priority  int32
	User      uint32 // sending user's accounting bucket (spec §4.3)

	Kmsg *model.Kmsg

	// Reply holds the *reply.Tracker this entry is carrying, if this
	// entry is a method reply the receiver is expecting. Left untyped
	// to avoid a queue<->reply import cycle; the dispatch layer, which
	// imports both packages, is the only code that type-asserts it.
	Reply any

	seq   uint64 // FIFO tiebreak within equal priority
	index int    // heap bookkeeping
}

// SliceRef is the minimal pool-slice handle the queue needs: enough to
// free it on drop or hand it back to the caller on receive. The concrete
// implementation lives in internal/adapter/pool.
type SliceRef interface {
	Offset() uint64
	Free()
}

// heapSlice is the container/heap backing store, ordered by (Priority,
// seq) so that within equal priority, FIFO order holds.
type heapSlice []*Entry

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapSlice) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a connection's inbound message queue: priority-ordered with
// FIFO tie-breaking, plus per-sending-user quota accounting.
type Queue struct {
	mu       sync.Mutex
	entries  heapSlice
	fifoHead []*Entry // insertion-ordered view, used when !use_priority
	nextSeq  uint64

	userCounts map[uint32]int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{userCounts: make(map[uint32]int)}
}

// Len reports the total number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// UserCount reports how many entries in the queue are currently charged
// against user's quota bucket.
func (q *Queue) UserCount(user uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.userCounts[user]
}

// Admit applies the quota policy of spec §4.3 without mutating the queue:
// the aggregate ceiling is always checked; while the queue holds fewer
// than ConnMaxMsgsPerUser entries no sender can have filled its bucket,
// so only beyond that is the sender's own bucket checked. privileged
// senders bypass quotas entirely.
func (q *Queue) Admit(user uint32, privileged bool) error {
	if privileged {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(q.entries)
	if total >= model.ConnMaxMsgs {
		return model.NewError("queue.Admit", model.KindNoBufferSpace, "connection queue full")
	}
	if total < model.ConnMaxMsgsPerUser {
		return nil
	}
	if q.userCounts[user] >= model.ConnMaxMsgsPerUser {
		return model.NewError("queue.Admit", model.KindNoBufferSpace, "per-user quota exceeded")
	}
	return nil
}

// Add inserts entry, charging its recorded User bucket. Callers must have already
// called Admit (and kept holding whatever lock serializes the two) to
// avoid racing past the quota between the check and the insert.
func (q *Queue) Add(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.entries, entry)
	q.fifoHead = append(q.fifoHead, entry)
	q.userCounts[entry.User]++
}

// Peek returns the next entry without removing it. If usePriority is set,
// it returns the highest-priority entry whose priority is <= bound;
// otherwise it returns the FIFO head regardless of priority.
func (q *Queue) Peek(bound int32, usePriority bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked(bound, usePriority)
}

func (q *Queue) peekLocked(bound int32, usePriority bool) *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	if !usePriority {
		return q.fifoHead[0]
	}
	top := q.entries[0]
	if top.Priority > bound {
		return nil
	}
	return top
}

// Remove unlinks entry from the queue. It is safe to call on an entry
// that is not (or no longer) queued.
func (q *Queue) Remove(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(entry)
}

func (q *Queue) removeLocked(entry *Entry) {
	if entry.index < 0 || entry.index >= len(q.entries) || q.entries[entry.index] != entry {
		return
	}
	heap.Remove(&q.entries, entry.index)
	for i, e := range q.fifoHead {
		if e == entry {
			q.fifoHead = append(q.fifoHead[:i], q.fifoHead[i+1:]...)
			break
		}
	}
	if q.userCounts[entry.User] > 0 {
		q.userCounts[entry.User]--
	}
}

// PopFront removes and returns the entry Peek(bound, usePriority) would
// have returned, or nil if the queue is empty (or nothing fits bound).
func (q *Queue) PopFront(bound int32, usePriority bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.peekLocked(bound, usePriority)
	if e == nil {
		return nil
	}
	q.removeLocked(e)
	return e
}

// MoveMatching removes and returns, in priority order, every entry whose
// DstNameID equals nameID, leaving the rest of the queue's ordering
// undisturbed. Used by activator handoff (spec §4.4 "move_messages") to
// relocate only the messages addressed to the name that changed hands.
func (q *Queue) MoveMatching(nameID model.NameID) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var moved, kept []*Entry
	for len(q.entries) > 0 {
		e := heap.Pop(&q.entries).(*Entry)
		if e.DstNameID == nameID {
			moved = append(moved, e)
		} else {
			kept = append(kept, e)
		}
	}
	for _, e := range kept {
		heap.Push(&q.entries, e)
	}

	newFifo := q.fifoHead[:0]
	for _, e := range q.fifoHead {
		if e.DstNameID != nameID {
			newFifo = append(newFifo, e)
		}
	}
	q.fifoHead = newFifo

	for _, e := range moved {
		if q.userCounts[e.User] > 0 {
			q.userCounts[e.User]--
		}
	}
	return moved
}

// Drain removes and returns every queued entry, in FIFO order, for use
// during connection teardown.
func (q *Queue) Drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.fifoHead
	q.fifoHead = nil
	q.entries = nil
	q.userCounts = make(map[uint32]int)
	return out
}
