package registry

import (
	"sync"

	"github.com/kbusd/kbusd/internal/adapter/pool"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
)

// NameChangeFunc is invoked for every successful ownership transition
// (spec §4.1: "each successful transition emits a name-change
// notification naming old/new owners"). oldOwner/newOwner are 0 when
// there was no owner on that side.
type NameChangeFunc func(name string, id model.NameID, oldOwner, newOwner model.ConnID)

// Registry is the bus-wide name table, guarded by a single registry-wide
// rwlock per spec §4.1's locking note.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Entry
	byID   map[model.NameID]*Entry
	nextID uint64

	onChange NameChangeFunc
}

// New builds an empty registry. onChange may be nil to discard
// notifications (tests).
func New(onChange NameChangeFunc) *Registry {
	if onChange == nil {
		onChange = func(string, model.NameID, model.ConnID, model.ConnID) {}
	}
	return &Registry{
		byName: make(map[string]*Entry),
		byID:   make(map[model.NameID]*Entry),
		onChange: onChange,
	}
}

func connID(c *connection.Connection) model.ConnID {
	if c == nil {
		return 0
	}
	return c.ID
}

// Acquire implements NAME_ACQUIRE. It returns the name's id and whether
// the request was merely queued (requester is not yet the owner).
func (r *Registry) Acquire(conn *connection.Connection, name string, flags model.AcquireFlags) (model.NameID, bool, error) {
	if !IsValidName(name) {
		return 0, false, model.NewError("registry.Acquire", model.KindInvalidArgument, "invalid bus name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.byName[name]
	if !exists {
		e = &Entry{Name: name, ID: model.NameID(r.nextID + 1)}
		r.nextID++
		r.byName[name] = e
		r.byID[e.ID] = e

		if flags.Has(model.AcquireActivator) {
			e.Activator = conn
		} else {
			e.Conn = conn
			e.ConnFlags = flags
			conn.AddOwnedName(e.ID, name)
		}
		r.onChange(name, e.ID, 0, connID(e.EffectiveOwner()))
		return e.ID, false, nil
	}

	if e.Conn == nil {
		// Unowned, or held only by an activator: the requester becomes
		// implementor. A pending activator-handoff migrates queued
		// messages onto the new owner.
		oldOwner := connID(e.EffectiveOwner())
		e.Conn = conn
		e.ConnFlags = flags
		conn.AddOwnedName(e.ID, name)

		if e.Activator != nil && e.Activator != conn {
			if err := r.moveMessagesLocked(conn, e.Activator, e.ID); err != nil {
				// Destination died before the handoff completed;
				// undo the acquisition so the name stays with
				// whichever fallback remains valid.
				e.Conn = nil
				e.ConnFlags = 0
				conn.RemoveOwnedName(e.ID)
				return 0, false, err
			}
		}

		r.onChange(name, e.ID, oldOwner, conn.ID)
		return e.ID, false, nil
	}

	if e.Conn == conn {
		// Idempotent re-acquire by the current owner.
		return e.ID, false, nil
	}

	if e.ConnFlags.Has(model.AcquireAllowReplacement) && flags.Has(model.AcquireReplaceExisting) {
		displaced := e.Conn
		displacedFlags := e.ConnFlags

		displaced.RemoveOwnedName(e.ID)
		if displacedFlags.Has(model.AcquireQueue) {
			e.pending = append([]pendingClaim{{conn: displaced, flags: displacedFlags}}, e.pending...)
		}

		e.Conn = conn
		e.ConnFlags = flags
		conn.AddOwnedName(e.ID, name)

		r.onChange(name, e.ID, displaced.ID, conn.ID)
		return e.ID, false, nil
	}

	if flags.Has(model.AcquireQueue) {
		e.pending = append(e.pending, pendingClaim{conn: conn, flags: flags})
		return e.ID, true, nil
	}

	return 0, false, model.NewError("registry.Acquire", model.KindAlreadyExists, "name already owned")
}

// Release implements NAME_RELEASE: conn gives up name, which it must
// either own outright or have a pending claim on.
func (r *Registry) Release(conn *connection.Connection, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return model.NewError("registry.Release", model.KindNotFound, "name not registered")
	}

	if e.Conn == conn {
		r.releaseOwnerLocked(e)
		return nil
	}

	if e.Activator == conn {
		r.releaseActivatorLocked(e)
		return nil
	}

	for i, p := range e.pending {
		if p.conn == conn {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return nil
		}
	}

	return model.NewError("registry.Release", model.KindNotFound, "connection does not own or claim this name")
}

// releaseActivatorLocked drops conn's activator registration on e,
// deleting the entry once nothing else references it. It emits a
// name-change notification only when this actually changes who receives
// messages sent to the name — when conn was the effective owner (no
// implementor present) — not when an implementor was already fielding
// traffic and the activator was merely a dormant fallback.
func (r *Registry) releaseActivatorLocked(e *Entry) {
	oldOwner := connID(e.EffectiveOwner())
	e.Activator = nil
	if e.Conn == nil && len(e.pending) == 0 {
		delete(r.byName, e.Name)
		delete(r.byID, e.ID)
	}
	newOwner := connID(e.EffectiveOwner())
	if oldOwner != newOwner {
		r.onChange(e.Name, e.ID, oldOwner, newOwner)
	}
}

// releaseOwnerLocked hands the name on from its current implementor to
// the next pending claimer, or back to the activator, or to nobody.
func (r *Registry) releaseOwnerLocked(e *Entry) {
	oldOwner := e.Conn.ID
	e.Conn.RemoveOwnedName(e.ID)
	e.Conn = nil
	e.ConnFlags = 0

	if len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		e.Conn = next.conn
		e.ConnFlags = next.flags
		next.conn.AddOwnedName(e.ID, e.Name)
		r.onChange(e.Name, e.ID, oldOwner, next.conn.ID)
		return
	}

	newOwner := connID(e.Activator)
	r.onChange(e.Name, e.ID, oldOwner, newOwner)

	if e.Activator == nil {
		delete(r.byName, e.Name)
		delete(r.byID, e.ID)
	}
}

// Handle is a read-locked view of an Entry returned by Lookup. Callers
// must call Unlock exactly once when done.
type Handle struct {
	r     *Registry
	Entry *Entry
}

// Unlock releases the registry read lock this handle was issued under.
func (h *Handle) Unlock() {
	if h != nil {
		h.r.mu.RUnlock()
	}
}

// Lookup resolves name to its entry, returning a locked Handle the
// caller must Unlock. ok is false if the name is not registered, in
// which case no lock is held and Unlock need not be called.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	e, ok := r.byName[name]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	return &Handle{r: r, Entry: e}, true
}

// LookupByID resolves a name_id back to its Entry (used by match rules
// and ConnInfo, which carry ids rather than strings).
func (r *Registry) LookupByID(id model.NameID) (*Handle, bool) {
	r.mu.RLock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	return &Handle{r: r, Entry: e}, true
}

// Names returns every well-known name currently registered, for
// NAME_LIST.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// RemoveByConn drops every registration conn holds: names it owns
// outright, names it activates, and pending claims it has queued. It is
// called once per disconnecting connection (spec §4.1 remove_by_conn),
// independent of the connection's own queue/reply teardown.
func (r *Registry) RemoveByConn(conn *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byID {
		if e.Conn == conn {
			r.releaseOwnerLocked(e)
			continue
		}
		if e.Activator == conn {
			r.releaseActivatorLocked(e)
			continue
		}
		for i, p := range e.pending {
			if p.conn == conn {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
	}
}

// MoveMessages relocates every message and reply tracker in src
// addressed to nameID over to dst, per spec §4.4 "Message-move
// (activator handoff)". If dst has already gone inactive, everything
// that would have moved is dropped instead and ConnectionReset is
// returned.
func (r *Registry) MoveMessages(dst, src *connection.Connection, nameID model.NameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moveMessagesLocked(dst, src, nameID)
}

func (r *Registry) moveMessagesLocked(dst, src *connection.Connection, nameID model.NameID) error {
	moved := src.Queue.MoveMatching(nameID)
	replies := src.Replies.TakeByNameID(nameID)

	if !dst.Active() {
		for _, e := range moved {
			if e.Slice != nil {
				e.Slice.Free()
			}
		}
		for _, t := range replies {
			t.Resolve(model.NewError("registry.MoveMessages", model.KindConnectionReset, "destination connection died during handoff"), nil)
			t.Release()
		}
		return model.NewError("registry.MoveMessages", model.KindConnectionReset, "destination connection inactive")
	}

	for _, e := range moved {
		if slice, ok := e.Slice.(*pool.Slice); ok {
			if out, err := pool.MoveSlice(dst.Pool, slice); err == nil {
				e.Slice = out
			}
		}
		dst.Queue.Add(e)
	}
	for _, t := range replies {
		dst.Replies.AdoptUnchecked(t)
	}
	return nil
}

// compile-time assertion that queue.Entry.Slice's narrow interface is
// satisfied by the concrete pool.Slice move_messages asserts down to.
var _ queue.SliceRef = (*pool.Slice)(nil)
