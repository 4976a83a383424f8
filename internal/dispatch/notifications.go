package dispatch

import (
	"context"

	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/reply"
)

// emitNotification delivers a kernel-originated notification the same
// way any other broadcast travels (spec §7: "emitted as real messages on
// the bus from a synthetic source id"), plus republishing it through the
// configured exporter.
func (d *Dispatcher) emitNotification(n *model.Notification) {
	kmsg := &model.Kmsg{
		SrcID:     model.KernelSourceID,
		Broadcast: true,
		Type:      n.Kind.MsgType(),
		Notify:    n,
	}
	d.Broadcast(context.Background(), nil, nil, kmsg)
}

// onReplyTimeout is wired as bus.Hooks.OnReplyTimeout: every tracker the
// per-connection worker reaps past its deadline resolves with TimedOut
// and produces a ReplyTimeout notification, regardless of whether it was
// a sync tracker (only ever reaped here once interrupted) or async.
func (d *Dispatcher) onReplyTimeout(owner *connection.Connection, t *reply.Tracker) {
	t.Resolve(model.NewError("dispatch.onReplyTimeout", model.KindTimedOut, "reply timed out"), nil)
	d.emitNotification(&model.Notification{Kind: model.NotifyReplyTimeout, Cookie: t.Cookie, ID: t.ReplyDst})
}

// onQueuedMessageReply is wired as bus.Hooks.OnQueuedMessageReply: a
// disconnecting connection is dropping a still-queued request it was
// never going to answer, so the original sender is told its call is
// dead rather than left to time out.
func (d *Dispatcher) onQueuedMessageReply(owner *connection.Connection, srcID model.ConnID, cookie model.Cookie) {
	d.emitNotification(&model.Notification{Kind: model.NotifyReplyDead, Cookie: cookie, ID: srcID})
}

// onOwedReplyDead is wired as bus.Hooks.OnOwedReplyDead: an asynchronous
// reply the disconnecting connection owed someone else can never arrive.
func (d *Dispatcher) onOwedReplyDead(owner *connection.Connection, t *reply.Tracker) {
	t.Resolve(model.NewError("dispatch.onOwedReplyDead", model.KindBrokenPipe, "replying connection disconnected"), nil)
	d.emitNotification(&model.Notification{Kind: model.NotifyReplyDead, Cookie: t.Cookie, ID: t.ReplyDst})
}

// onNameChange is wired as bus.Hooks.OnNameChange (via registry.NameChangeFunc).
func (d *Dispatcher) onNameChange(name string, id model.NameID, oldOwner, newOwner model.ConnID) {
	d.emitNotification(&model.Notification{
		Kind:     model.NotifyNameChange,
		Name:     name,
		NameID:   id,
		OldOwner: oldOwner,
		NewOwner: newOwner,
	})
}

// onIDChange is wired as bus.Hooks.OnIDChange.
func (d *Dispatcher) onIDChange(id model.ConnID, added bool) {
	kind := model.NotifyIDRemove
	if added {
		kind = model.NotifyIDAdd
	}
	d.emitNotification(&model.Notification{Kind: kind, ID: id})
}
