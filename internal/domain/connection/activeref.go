package connection

import (
	"sync"
	"sync/atomic"
)

// activeBias is added to the active counter to mark a connection as
// shutting down: kdbus_conn_disconnect adds KDBUS_CONN_ACTIVE_BIAS and
// then waits for every outstanding reference to drop the counter back
// down to exactly that value. A Go channel close plays the role of
// wait_event/wake_up_all.
const activeBias = int64(-1) << 40

// activeRef is the active-reference counter every blocking, user-visible
// operation on a connection must hold for its duration: as long as at
// least one reference is held, disconnect cannot complete. Acquire fails
// once a disconnect has started, and never succeeds again afterward.
type activeRef struct {
	v      atomic.Int64
	done   chan struct{}
	closer sync.Once
}

func newActiveRef() *activeRef {
	return &activeRef{done: make(chan struct{})}
}

// Acquire takes a reference, refusing once a disconnect is underway.
func (a *activeRef) Acquire() bool {
	for {
		cur := a.v.Load()
		if cur < 0 {
			return false
		}
		if a.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference taken by Acquire.
func (a *activeRef) Release() {
	if a.v.Add(-1) == activeBias {
		a.closer.Do(func() { close(a.done) })
	}
}

// Active reports whether the connection has not begun disconnecting.
// Like kdbus_conn_active, this is a racy snapshot unless the caller
// otherwise serializes against a concurrent Disconnect.
func (a *activeRef) Active() bool {
	return a.v.Load() >= 0
}

// beginDisconnect marks the connection inactive and returns a channel
// that closes once every reference acquired before this call has been
// released.
func (a *activeRef) beginDisconnect() <-chan struct{} {
	if a.v.Add(activeBias) == activeBias {
		a.closer.Do(func() { close(a.done) })
	}
	return a.done
}
