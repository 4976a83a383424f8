package connection

import (
	"sync"
	"testing"

	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
	"github.com/kbusd/kbusd/internal/domain/reply"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection() *Connection {
	return New(model.ConnID(1), 1000, 0, 0, model.DefaultBloom, 1<<16)
}

func TestAcquireFailsAfterDisconnect(t *testing.T) {
	c := newTestConnection()
	require.True(t, c.Acquire())
	c.Release()

	require.NoError(t, c.Disconnect(false, DisconnectHooks{
		OnQueuedMessageReply: func(model.ConnID, model.Cookie) {},
		OnOwedReplyDead:      func(*reply.Tracker) {},
	}))

	assert.False(t, c.Acquire())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDisconnectWaitsForOutstandingReferences(t *testing.T) {
	c := newTestConnection()
	require.True(t, c.Acquire())

	done := make(chan struct{})
	go func() {
		_ = c.Disconnect(false, DisconnectHooks{
			OnQueuedMessageReply: func(model.ConnID, model.Cookie) {},
			OnOwedReplyDead:      func(*reply.Tracker) {},
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("disconnect returned before the held reference was released")
	default:
	}

	c.Release()
	<-done
}

func TestDisconnectRefusesWhenQueueNonEmptyAndEnsureEmptyRequested(t *testing.T) {
	c := newTestConnection()
	c.Queue.Add(&queue.Entry{SrcID: model.ConnID(2), Cookie: model.Cookie(1)})

	err := c.Disconnect(true, DisconnectHooks{})
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindResourceBusy, merr.Kind)
}

func TestDisconnectResolvesOwedSyncRepliesInPlace(t *testing.T) {
	c := newTestConnection()
	tr := reply.New(model.ConnID(2), model.Cookie(9), model.NameID(0), 0, true)
	c.Replies.Add(tr)

	var mu sync.Mutex
	var asyncNotified bool
	require.NoError(t, c.Disconnect(false, DisconnectHooks{
		OnQueuedMessageReply: func(model.ConnID, model.Cookie) {},
		OnOwedReplyDead: func(*reply.Tracker) {
			mu.Lock()
			asyncNotified = true
			mu.Unlock()
		},
	}))

	select {
	case <-tr.Done():
	default:
		t.Fatal("sync tracker should have been resolved directly")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, asyncNotified, "sync trackers are resolved, not hooked")
}

func TestOwnedNamesRoundTrip(t *testing.T) {
	c := newTestConnection()
	c.AddOwnedName(model.NameID(1), "com.example.Foo")
	assert.Contains(t, c.OwnedNames(), "com.example.Foo")

	c.RemoveOwnedName(model.NameID(1))
	assert.Empty(t, c.OwnedNames())
}
