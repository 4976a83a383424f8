package dispatch

import (
	"github.com/kbusd/kbusd/internal/adapter/pool"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
	"github.com/kbusd/kbusd/internal/domain/reply"
)

// Recv implements msg_recv (spec §4.5). priorityBound and usePriority
// (RecvUsePriority) select which entry Peek honors; DROP and PEEK pick
// the variant behavior, the zero value is the default install-and-unlink
// path. msg_recv never blocks — callers poll externally (spec §5).
func (d *Dispatcher) Recv(conn *connection.Connection, priorityBound int32, flags model.RecvFlags) (*queue.Entry, error) {
	usePriority := flags.Has(model.RecvUsePriority)
	entry := conn.Queue.Peek(priorityBound, usePriority)
	if entry == nil {
		return nil, model.NewError("dispatch.Recv", model.KindNotFound, "no message available")
	}

	if flags.Has(model.RecvDrop) {
		conn.Queue.Remove(entry)
		d.breakReplyOnDrop(entry)
		if entry.Slice != nil {
			entry.Slice.Free()
		}
		return entry, nil
	}

	if slice, ok := entry.Slice.(*pool.Slice); ok {
		if flags.Has(model.RecvPeek) {
			slice.Flush()
			return entry, nil
		}
		slice.MakePublic()
	}

	conn.Queue.Remove(entry)
	return entry, nil
}

// breakReplyOnDrop implements the DROP branch's reply-tracker fate: a
// sync waiter wakes with BrokenPipe, an async one instead gets a
// ReplyDead notification, exactly as a disconnecting connection's
// queue-drain does for the same situation.
func (d *Dispatcher) breakReplyOnDrop(entry *queue.Entry) {
	t, ok := entry.Reply.(*reply.Tracker)
	if !ok || t == nil {
		return
	}
	if t.Sync {
		t.Resolve(model.NewError("dispatch.Recv", model.KindBrokenPipe, "message dropped by receiver"), nil)
		return
	}
	d.emitNotification(&model.Notification{Kind: model.NotifyReplyDead, Cookie: t.Cookie, ID: t.ReplyDst})
}
