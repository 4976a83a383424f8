package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/match"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWiredBus(t *testing.T) (*bus.Bus, *Dispatcher) {
	t.Helper()
	d := New(nil)
	b, err := bus.New("1000-test.bus", "default", 1000, model.DefaultBloom, nil, nil, d.Hooks())
	require.NoError(t, err)
	d.Attach(b)
	t.Cleanup(b.Shutdown)
	return b, d
}

func hello(t *testing.T, b *bus.Bus, flags model.ConnFlags) *connection.Connection {
	t.Helper()
	c, err := b.HelloConn(1000, flags, 0, "", nil)
	require.NoError(t, err)
	return c
}

func helloUID(t *testing.T, b *bus.Bus, uid uint32, flags model.ConnFlags) *connection.Connection {
	t.Helper()
	c, err := b.HelloConn(uid, flags, 0, "", nil)
	require.NoError(t, err)
	return c
}

func TestSendAsyncDeliversToDestinationQueue(t *testing.T) {
	b, d := newWiredBus(t)
	a, dst := hello(t, b, 0), hello(t, b, 0)

	kmsg := &model.Kmsg{SrcID: a.ID, DstID: dst.ID, Cookie: 1, Payload: []byte("hello")}
	_, err := d.Send(context.Background(), a, nil, kmsg)
	require.NoError(t, err)

	entry, err := d.Recv(dst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, entry.SrcID)
}

func TestSendRejectsUnknownDestination(t *testing.T) {
	b, d := newWiredBus(t)
	a := hello(t, b, 0)

	kmsg := &model.Kmsg{SrcID: a.ID, DstID: model.ConnID(999), Cookie: 1, Payload: []byte("x")}
	_, err := d.Send(context.Background(), a, nil, kmsg)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindNotFound, merr.Kind)
}

func TestSyncCallTimesOutWithoutReply(t *testing.T) {
	b, d := newWiredBus(t)
	caller, replier := hello(t, b, 0), hello(t, b, 0)

	req := &model.Kmsg{
		SrcID: caller.ID, DstID: replier.ID, Cookie: 7,
		Flags: model.SendExpectReply | model.SendSyncReply,
		TimeoutNS: time.Now().Add(50 * time.Millisecond).UnixNano(),
		Payload: []byte("ping"),
	}

	result := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), caller, nil, req)
		result <- err
	}()

	select {
	case err := <-result:
		var merr *model.Error
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, model.KindTimedOut, merr.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("sync call never timed out")
	}
}

func TestSyncCallWakesOnReply(t *testing.T) {
	b, d := newWiredBus(t)
	caller, replier := hello(t, b, 0), hello(t, b, 0)

	req := &model.Kmsg{
		SrcID: caller.ID, DstID: replier.ID, Cookie: 9,
		Flags:     model.SendExpectReply | model.SendSyncReply,
		TimeoutNS: time.Now().Add(5 * time.Second).UnixNano(),
		Payload:   []byte("ping"),
	}

	result := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), caller, nil, req)
		result <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := replier.Replies.Find(caller.ID, 9)
		return ok
	}, time.Second, 5*time.Millisecond)

	replyMsg := &model.Kmsg{
		SrcID: replier.ID, DstID: caller.ID, Cookie: 100, CookieReply: 9,
		Payload: []byte("pong"),
	}
	_, err := d.Send(context.Background(), replier, nil, replyMsg)
	require.NoError(t, err)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync call never woke on reply")
	}
}

func TestCancelWakesSyncWaiterWithCanceled(t *testing.T) {
	b, d := newWiredBus(t)
	caller, replier := hello(t, b, 0), hello(t, b, 0)

	req := &model.Kmsg{
		SrcID: caller.ID, DstID: replier.ID, Cookie: 3,
		Flags:     model.SendExpectReply | model.SendSyncReply,
		TimeoutNS: time.Now().Add(5 * time.Second).UnixNano(),
		Payload:   []byte("ping"),
	}

	result := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), caller, nil, req)
		result <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := replier.Replies.Find(caller.ID, 3)
		return ok
	}, time.Second, 5*time.Millisecond)

	d.Cancel(context.Background(), caller, 3)

	select {
	case err := <-result:
		var merr *model.Error
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, model.KindCanceled, merr.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never woke the waiter")
	}
}

func TestDisconnectMidCallBreaksSyncWaiterWithBrokenPipe(t *testing.T) {
	b, d := newWiredBus(t)
	caller, replier := hello(t, b, 0), hello(t, b, 0)

	req := &model.Kmsg{
		SrcID: caller.ID, DstID: replier.ID, Cookie: 5,
		Flags:     model.SendExpectReply | model.SendSyncReply,
		TimeoutNS: time.Now().Add(5 * time.Second).UnixNano(),
		Payload:   []byte("ping"),
	}

	result := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), caller, nil, req)
		result <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := replier.Replies.Find(caller.ID, 5)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.ByebyeConn(replier, false))

	select {
	case err := <-result:
		var merr *model.Error
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, model.KindBrokenPipe, merr.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never woke the waiter")
	}
}

func TestSendEnforcesPerUserQuota(t *testing.T) {
	b, d := newWiredBus(t)
	flooder, dst := helloUID(t, b, 1001, 0), hello(t, b, 0)

	var lastErr error
	for i := 0; i < model.ConnMaxMsgsPerUser*2; i++ {
		kmsg := &model.Kmsg{SrcID: flooder.ID, DstID: dst.ID, Cookie: model.Cookie(i + 1), Payload: []byte("x")}
		_, lastErr = d.Send(context.Background(), flooder, nil, kmsg)
		if lastErr != nil {
			break
		}
	}

	var merr *model.Error
	require.ErrorAs(t, lastErr, &merr)
	assert.Equal(t, model.KindNoBufferSpace, merr.Kind)
}

func TestBroadcastReachesMatchingConnectionsOnly(t *testing.T) {
	b, d := newWiredBus(t)
	signaller := hello(t, b, 0)
	subscriber := hello(t, b, 0)
	deaf := hello(t, b, 0)

	srcID := signaller.ID
	require.NoError(t, subscriber.MatchDB.Add(&match.Rule{Cookie: 1, SrcID: &srcID}))

	kmsg := &model.Kmsg{SrcID: signaller.ID, Broadcast: true, Payload: []byte("signal")}
	d.Broadcast(context.Background(), signaller, nil, kmsg)

	_, err := d.Recv(subscriber, 0, 0)
	require.NoError(t, err, "subscriber's rule matched the broadcast")

	_, err = d.Recv(deaf, 0, 0)
	require.Error(t, err, "deaf connection installed no matching rule")
}

// TestSendEnforcesOutstandingRequestQuotaAcrossDestinations exercises the
// cap spec §4.4 step 5 describes: a tracker is allocated on the caller
// (src) before enqueue to enforce CONN_MAX_REQUESTS_PENDING, and the cap
// is the caller's own aggregate across every destination it has called,
// not any single destination's owed-reply count.
func TestSendEnforcesOutstandingRequestQuotaAcrossDestinations(t *testing.T) {
	b, d := newWiredBus(t)
	caller := hello(t, b, 0)

	destinations := make([]*connection.Connection, model.ConnMaxRequestsPending)
	for i := range destinations {
		destinations[i] = hello(t, b, 0)
	}

	for i, dst := range destinations {
		kmsg := &model.Kmsg{
			SrcID: caller.ID, DstID: dst.ID, Cookie: model.Cookie(i + 1),
			Flags: model.SendExpectReply, TimeoutNS: time.Now().Add(time.Minute).UnixNano(),
			Payload: []byte("x"),
		}
		_, err := d.Send(context.Background(), caller, nil, kmsg)
		require.NoError(t, err, "request %d to a distinct destination must not trip a per-destination cap", i)
	}

	oneMore := hello(t, b, 0)
	kmsg := &model.Kmsg{
		SrcID: caller.ID, DstID: oneMore.ID, Cookie: model.Cookie(9999),
		Flags: model.SendExpectReply, TimeoutNS: time.Now().Add(time.Minute).UnixNano(),
		Payload: []byte("x"),
	}
	_, err := d.Send(context.Background(), caller, nil, kmsg)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.KindTooManyLinks, merr.Kind)
}

// TestSendOutstandingRequestQuotaIsUnaffectedByUnrelatedCallers asserts
// the other half of the fix: a destination fielding many legitimate
// callers' requests does not push any individual caller toward the cap.
func TestSendOutstandingRequestQuotaIsUnaffectedByUnrelatedCallers(t *testing.T) {
	b, d := newWiredBus(t)
	popular := hello(t, b, 0)

	for i := 0; i < model.ConnMaxRequestsPending+10; i++ {
		caller := hello(t, b, 0)
		kmsg := &model.Kmsg{
			SrcID: caller.ID, DstID: popular.ID, Cookie: model.Cookie(i + 1),
			Flags: model.SendExpectReply, TimeoutNS: time.Now().Add(time.Minute).UnixNano(),
			Payload: []byte("x"),
		}
		_, err := d.Send(context.Background(), caller, nil, kmsg)
		require.NoError(t, err, "caller %d is unrelated to every other caller's quota", i)
	}
}
