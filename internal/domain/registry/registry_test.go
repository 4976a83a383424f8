package registry

import (
	"testing"

	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(id model.ConnID) *connection.Connection {
	return connection.New(id, 1000, 0, 0, model.DefaultBloom, 1<<16)
}

func TestAcquireUnownedNameBecomesImplementor(t *testing.T) {
	r := New(nil)
	a := newConn(1)

	id, queued, err := r.Acquire(a, "com.example.Foo", 0)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Contains(t, a.OwnedNames(), "com.example.Foo")

	h, ok := r.Lookup("com.example.Foo")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, a, h.Entry.Conn)
	assert.Equal(t, id, h.Entry.ID)
}

func TestAcquireRejectsInvalidName(t *testing.T) {
	r := New(nil)
	a := newConn(1)
	_, _, err := r.Acquire(a, "nodot", 0)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindInvalidArgument, merr.Kind)
}

func TestAcquireWithoutReplacementIsRejected(t *testing.T) {
	r := New(nil)
	a, b := newConn(1), newConn(2)

	_, _, err := r.Acquire(a, "com.example.Foo", 0)
	require.NoError(t, err)

	_, _, err = r.Acquire(b, "com.example.Foo", 0)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindAlreadyExists, merr.Kind)
}

func TestAcquireQueuesWhenRequested(t *testing.T) {
	r := New(nil)
	a, b := newConn(1), newConn(2)

	_, _, err := r.Acquire(a, "com.example.Foo", 0)
	require.NoError(t, err)

	_, queued, err := r.Acquire(b, "com.example.Foo", model.AcquireQueue)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.NotContains(t, b.OwnedNames(), "com.example.Foo")
}

func TestReleasePromotesQueuedClaimerInFIFOOrder(t *testing.T) {
	r := New(nil)
	a, b, c := newConn(1), newConn(2), newConn(3)

	_, _, err := r.Acquire(a, "com.example.Foo", 0)
	require.NoError(t, err)
	_, _, err = r.Acquire(b, "com.example.Foo", model.AcquireQueue)
	require.NoError(t, err)
	_, _, err = r.Acquire(c, "com.example.Foo", model.AcquireQueue)
	require.NoError(t, err)

	require.NoError(t, r.Release(a, "com.example.Foo"))

	h, ok := r.Lookup("com.example.Foo")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, b, h.Entry.Conn, "first queued claimer takes over")
}

func TestReplaceExistingRequeuesDisplacedOwnerWithQueueFlag(t *testing.T) {
	r := New(nil)
	a, b := newConn(1), newConn(2)

	_, _, err := r.Acquire(a, "com.example.Foo", model.AcquireAllowReplacement|model.AcquireQueue)
	require.NoError(t, err)

	_, _, err = r.Acquire(b, "com.example.Foo", model.AcquireReplaceExisting)
	require.NoError(t, err)

	h, ok := r.Lookup("com.example.Foo")
	require.True(t, ok)
	assert.Equal(t, b, h.Entry.Conn)
	h.Unlock()

	require.NoError(t, r.Release(b, "com.example.Foo"))

	h, ok = r.Lookup("com.example.Foo")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, a, h.Entry.Conn, "displaced owner re-entered the pending FIFO head")
}

func TestActivatorHandoffMigratesQueuedMessages(t *testing.T) {
	r := New(nil)
	activator := newConn(1)
	implementor := newConn(2)

	_, _, err := r.Acquire(activator, "com.example.Foo", model.AcquireActivator)
	require.NoError(t, err)

	h, ok := r.Lookup("com.example.Foo")
	require.True(t, ok)
	nameID := h.Entry.ID
	h.Unlock()

	// Simulate a message queued on the activator before a real
	// implementor shows up.
	activator.Queue.Add(&queue.Entry{SrcID: model.ConnID(9), DstNameID: nameID})

	_, queued, err := r.Acquire(implementor, "com.example.Foo", 0)
	require.NoError(t, err)
	assert.False(t, queued)

	assert.Equal(t, 0, activator.Queue.Len())
	assert.Equal(t, 1, implementor.Queue.Len())

	h, ok = r.Lookup("com.example.Foo")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, implementor, h.Entry.Conn)
	assert.Equal(t, activator, h.Entry.Activator, "activator remains the fallback")
}

func TestReleaseByActivatorAsSoleOwnerEmitsNameChange(t *testing.T) {
	var changes []model.ConnID
	r := New(func(name string, id model.NameID, oldOwner, newOwner model.ConnID) {
		changes = append(changes, oldOwner, newOwner)
	})
	activator := newConn(1)

	_, _, err := r.Acquire(activator, "com.example.Foo", model.AcquireActivator)
	require.NoError(t, err)
	changes = nil

	require.NoError(t, r.Release(activator, "com.example.Foo"))

	require.Len(t, changes, 2, "releasing the only effective owner must emit a name-change notification")
	assert.Equal(t, activator.ID, changes[0])
	assert.Equal(t, model.ConnID(0), changes[1])

	_, ok := r.Lookup("com.example.Foo")
	assert.False(t, ok, "entry is dropped once nothing references it")
}

func TestReleaseByActivatorWithLiveImplementorEmitsNoNameChange(t *testing.T) {
	var changes int
	r := New(func(string, model.NameID, model.ConnID, model.ConnID) { changes++ })
	activator := newConn(1)
	implementor := newConn(2)

	_, _, err := r.Acquire(activator, "com.example.Foo", model.AcquireActivator)
	require.NoError(t, err)
	_, _, err = r.Acquire(implementor, "com.example.Foo", 0)
	require.NoError(t, err)
	changes = 0

	require.NoError(t, r.Release(activator, "com.example.Foo"))

	assert.Equal(t, 0, changes, "the implementor kept receiving messages throughout; nothing actually changed")

	h, ok := r.Lookup("com.example.Foo")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, implementor, h.Entry.Conn)
	assert.Nil(t, h.Entry.Activator)
}

func TestRemoveByConnAsSoleActivatorEmitsNameChange(t *testing.T) {
	var changes []model.ConnID
	r := New(func(name string, id model.NameID, oldOwner, newOwner model.ConnID) {
		changes = append(changes, oldOwner, newOwner)
	})
	activator := newConn(1)

	_, _, err := r.Acquire(activator, "com.example.Foo", model.AcquireActivator)
	require.NoError(t, err)
	changes = nil

	r.RemoveByConn(activator)

	require.Len(t, changes, 2, "disconnecting the only effective owner must emit a terminal notification")
	assert.Equal(t, activator.ID, changes[0])
	assert.Equal(t, model.ConnID(0), changes[1])

	_, ok := r.Lookup("com.example.Foo")
	assert.False(t, ok)
}

func TestRemoveByConnReleasesOwnershipAndPendingClaims(t *testing.T) {
	r := New(nil)
	a, b := newConn(1), newConn(2)

	_, _, err := r.Acquire(a, "com.example.Foo", 0)
	require.NoError(t, err)
	_, _, err = r.Acquire(a, "com.example.Bar", 0)
	require.NoError(t, err)
	_, _, err = r.Acquire(b, "com.example.Bar", model.AcquireQueue)
	require.NoError(t, err)

	r.RemoveByConn(a)

	_, ok := r.Lookup("com.example.Foo")
	assert.False(t, ok, "an unowned, non-activated name is dropped")

	h, ok := r.Lookup("com.example.Bar")
	require.True(t, ok)
	defer h.Unlock()
	assert.Equal(t, b, h.Entry.Conn, "pending claimer took over")
}
