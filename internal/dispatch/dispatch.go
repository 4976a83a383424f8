// Package dispatch implements the send/broadcast/cancel path: the part
// of the system that actually moves a Kmsg from a sender into a
// receiver's queue, or onto a reply tracker's waiter, and that turns
// bus-internal state transitions into kernel notifications.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/adapter/notify"
	"github.com/kbusd/kbusd/internal/adapter/policy"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
	"github.com/kbusd/kbusd/internal/domain/reply"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatcher owns the send/broadcast/cancel logic for one Bus. It is
// constructed before the Bus (Hooks wires its callbacks in), then
// Attach binds the two together once the Bus exists.
type Dispatcher struct {
	Bus    *bus.Bus
	Notify notify.Exporter
}

// New builds a dispatcher publishing kernel notifications through
// exporter. A nil exporter discards every notification.
func New(exporter notify.Exporter) *Dispatcher {
	if exporter == nil {
		exporter = notify.NopExporter{}
	}
	return &Dispatcher{Notify: exporter}
}

// Attach binds d to the bus it dispatches for. Call once, after
// constructing the Bus with d.Hooks().
func (d *Dispatcher) Attach(b *bus.Bus) { d.Bus = b }

// Hooks returns the bus.Hooks that route state-transition callbacks
// back into this dispatcher, without bus importing dispatch.
func (d *Dispatcher) Hooks() bus.Hooks {
	return bus.Hooks{
		OnNameChange:         d.onNameChange,
		OnReplyTimeout:       d.onReplyTimeout,
		OnQueuedMessageReply: d.onQueuedMessageReply,
		OnOwedReplyDead:      d.onOwedReplyDead,
		OnIDChange:           d.onIDChange,
	}
}

// Send implements the unicast send path of spec §4.4. src is nil for a
// kernel-generated message. On a successful synchronous call, the
// returned *queue.Entry is the reply payload landed directly from the
// replying side; callers must Free its Slice once they've copied it out.
func (d *Dispatcher) Send(ctx context.Context, src *connection.Connection, srcMeta *metadata.Snapshot, kmsg *model.Kmsg) (entry *queue.Entry, err error) {
	ctx, span := startSpan(ctx, "dispatch.Send", attribute.Int64("kbusd.cookie", int64(kmsg.Cookie)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kmsg.Seq = d.Bus.NextSeq()

	if kmsg.Broadcast {
		d.Broadcast(ctx, src, srcMeta, kmsg)
		return nil, nil
	}

	dst, dstNameID, err := d.resolveDestination(kmsg)
	if err != nil {
		return nil, err
	}
	kmsg.DstNameID = dstNameID

	if !dst.Acquire() {
		return nil, model.NewError("dispatch.Send", model.KindConnectionReset, "destination connection is disconnecting")
	}
	// dst's active reference is dropped before any sync wait below, so a
	// blocked caller never stalls dst's teardown.
	released := false
	releaseDst := func() {
		if !released {
			released = true
			dst.Release()
		}
	}
	defer releaseDst()

	isSync := kmsg.Sync()

	if isSync && src != nil {
		if t, ok := dst.Replies.Find(src.ID, kmsg.Cookie); ok && t.Interrupted() {
			t.Resume()
			releaseDst()
			return d.awaitSyncReply(ctx, dst, t)
		}
	}

	var srcNames []string
	var srcUID uint32
	if src != nil {
		srcNames = src.OwnedNames()
		srcUID = src.UID
	}
	meta := srcMeta
	impersonating := src != nil && src.OwnerMeta != nil
	if impersonating {
		meta = src.OwnerMeta
	}
	kmsg.Metadata = metadata.Attach(meta, dst.AttachFlags, srcNames, descriptionOf(src), impersonating)

	if kmsg.IsReply() && src != nil {
		if owed, ok := src.Replies.Take(dst.ID, kmsg.CookieReply); ok {
			if err := d.deliverReply(ctx, dst, owed, kmsg, srcUID); err != nil {
				return nil, err
			}
			d.eavesdrop(ctx, src, meta, kmsg)
			return nil, nil
		}
		// No matching obligation: fall through and police this as an
		// ordinary, unsolicited message.
	}

	if err := d.checkTalkPolicy(ctx, src, dst, kmsg); err != nil {
		return nil, err
	}

	var tracker *reply.Tracker
	if kmsg.RequiresReply() && src != nil {
		if !src.ReserveOutstandingRequest() {
			return nil, model.NewError("dispatch.Send", model.KindTooManyLinks, "too many requests pending for this connection")
		}
		tracker = reply.New(src.ID, kmsg.Cookie, dstNameID, kmsg.TimeoutNS, isSync)
		tracker.SetRelease(src.ReleaseOutstandingRequest)
		dst.Replies.Add(tracker)
	}

	entry, err = d.buildEntry(dst, kmsg, tracker, srcUID)
	if err != nil {
		if tracker != nil {
			dst.Replies.Remove(tracker)
		}
		return nil, err
	}
	if admitErr := d.admitAndEnqueue(ctx, dst, entry, src != nil && d.Bus.IsPrivileged(src.UID)); admitErr != nil {
		entry.Slice.Free()
		if tracker != nil {
			dst.Replies.Remove(tracker)
		}
		return nil, admitErr
	}

	d.eavesdrop(ctx, src, meta, kmsg)

	if isSync && tracker != nil {
		releaseDst()
		return d.awaitSyncReply(ctx, dst, tracker)
	}
	return nil, nil
}

// deliverReply lands a reply message on the connection that owed it
// (step 6's synchronous-handoff branch when the tracker is a sync
// waiter, otherwise an ordinary enqueue onto the waiter's queue).
func (d *Dispatcher) deliverReply(ctx context.Context, waiter *connection.Connection, tracker *reply.Tracker, kmsg *model.Kmsg, srcUID uint32) error {
	entry, err := d.buildEntry(waiter, kmsg, nil, srcUID)
	if err != nil {
		tracker.Resolve(err, nil)
		return err
	}
	if tracker.Sync {
		tracker.Resolve(nil, entry)
		return nil
	}
	if err := d.admitAndEnqueue(ctx, waiter, entry, true); err != nil {
		entry.Slice.Free()
		tracker.Resolve(err, nil)
		return err
	}
	return nil
}

// resolveDestination implements spec §4.4 step 2.
func (d *Dispatcher) resolveDestination(kmsg *model.Kmsg) (*connection.Connection, model.NameID, error) {
	if kmsg.DstName != "" {
		h, ok := d.Bus.Registry.Lookup(kmsg.DstName)
		if !ok {
			return nil, 0, model.NewError("dispatch.resolveDestination", model.KindAddressNotAvailable, "name not registered")
		}
		defer h.Unlock()

		owner := h.Entry.EffectiveOwner()
		if owner == nil {
			return nil, 0, model.NewError("dispatch.resolveDestination", model.KindAddressNotAvailable, "name has no reachable owner")
		}
		if kmsg.DstID != 0 && kmsg.DstID != owner.ID {
			return nil, 0, model.NewError("dispatch.resolveDestination", model.KindInvalidArgument, "dst_id and dst_name resolve to different connections")
		}
		if kmsg.Flags.Has(model.SendNoAutoStart) && h.Entry.Conn == nil {
			return nil, 0, model.NewError("dispatch.resolveDestination", model.KindAddressNotAvailable, "name is held only by an activator")
		}
		kmsg.DstID = owner.ID
		return owner, h.Entry.ID, nil
	}

	dst, ok := d.Bus.Lookup(kmsg.DstID)
	if !ok {
		return nil, 0, model.NewError("dispatch.resolveDestination", model.KindNotFound, "no such connection")
	}
	if dst.Flags.Has(model.ConnFlagActivator) || dst.Flags.Has(model.ConnFlagPolicyHolder) || dst.Flags.Has(model.ConnFlagMonitor) {
		return nil, 0, model.NewError("dispatch.resolveDestination", model.KindAddressNotAvailable, "special-purpose connections cannot be addressed by id")
	}
	return dst, 0, nil
}

// checkTalkPolicy consults the bus policy oracle for an ordinary or
// request message, skipped entirely for kernel-generated sends and for
// privileged senders.
func (d *Dispatcher) checkTalkPolicy(ctx context.Context, src, dst *connection.Connection, kmsg *model.Kmsg) error {
	if src == nil || d.Bus.PolicyDB == nil || d.Bus.IsPrivileged(src.UID) {
		return nil
	}
	object := kmsg.DstName
	if object == "" {
		object = fmt.Sprintf("id:%d", dst.ID)
	}
	ok, err := d.Bus.PolicyDB.Allowed(ctx, policy.Decision{Subject: src.UID, Verb: policy.VerbTalkTo, Object: object})
	if err != nil {
		return model.WrapError("dispatch.checkTalkPolicy", model.KindCommunicationError, "policy oracle unavailable", err)
	}
	if !ok {
		return model.NewError("dispatch.checkTalkPolicy", model.KindPermissionDenied, "sender may not talk to destination")
	}
	return nil
}

// buildEntry allocates a slice in dst's pool, copies kmsg's payload into
// it, and wraps it as a queue entry ready to admit.
func (d *Dispatcher) buildEntry(dst *connection.Connection, kmsg *model.Kmsg, tracker *reply.Tracker, srcUID uint32) (*queue.Entry, error) {
	slice, err := dst.Pool.Alloc(uint64(len(kmsg.Payload)))
	if err != nil {
		return nil, model.WrapError("dispatch.buildEntry", model.KindNoBufferSpace, "destination pool exhausted", err)
	}
	if err := slice.Write(kmsg.Payload); err != nil {
		slice.Free()
		return nil, err
	}

	entry := &queue.Entry{
		Slice:     slice,
		SrcID:     kmsg.SrcID,
		Cookie:    kmsg.Cookie,
		DstNameID: kmsg.DstNameID,
		Priority:  kmsg.Priority,
		User:      srcUID,
		Kmsg:      kmsg,
	}
	if tracker != nil {
		entry.Reply = tracker
	}
	return entry, nil
}

func (d *Dispatcher) admitAndEnqueue(ctx context.Context, dst *connection.Connection, entry *queue.Entry, privileged bool) error {
	if err := dst.Queue.Admit(entry.User, privileged); err != nil {
		recordQuotaRejection(ctx, "per_connection_or_user")
		return err
	}
	dst.Queue.Add(entry)
	dst.Touch()
	return nil
}

// eavesdrop implements spec §4.4 step 7: every monitor gets its own copy,
// and a monitor's own delivery never fails the send.
func (d *Dispatcher) eavesdrop(ctx context.Context, src *connection.Connection, meta *metadata.Snapshot, kmsg *model.Kmsg) {
	var srcNames []string
	if src != nil {
		srcNames = src.OwnedNames()
	}
	for _, mon := range d.Bus.Monitors() {
		if src != nil && mon.ID == src.ID {
			continue
		}
		if !mon.Acquire() {
			continue
		}
		cp := kmsg.Clone()
		cp.Metadata = metadata.Attach(meta, mon.AttachFlags, srcNames, descriptionOf(src), false)
		entry, err := d.buildEntry(mon, cp, nil, 0)
		if err == nil {
			if err := d.admitAndEnqueue(ctx, mon, entry, true); err != nil {
				entry.Slice.Free()
			}
		}
		mon.Release()
	}
}

// awaitSyncReply implements spec §4.4 step 8. Context cancellation
// stands in for both "the calling syscall was interrupted" (retryable,
// via a later adoption in step 3) and "the originator died"; a caller
// that wants retry-on-interrupt semantics should re-invoke Send with the
// same (src, cookie) after canceling for that reason specifically.
// Once tracker's deadline passes, the wait takes the tracker off dst's
// reply list and resolves it through onReplyTimeout, so the call returns
// TimedOut and a ReplyTimeout notification is emitted.
func (d *Dispatcher) awaitSyncReply(ctx context.Context, dst *connection.Connection, tracker *reply.Tracker) (*queue.Entry, error) {
	deadline := time.NewTimer(time.Until(time.Unix(0, tracker.DeadlineNS)))
	defer deadline.Stop()
	for {
		select {
		case <-tracker.Done():
			return tracker.QueueEntry, tracker.Err()
		case <-deadline.C:
			if _, ok := dst.Replies.Take(tracker.ReplyDst, tracker.Cookie); ok {
				d.onReplyTimeout(dst, tracker)
			}
		case <-ctx.Done():
			tracker.Interrupt()
			return nil, model.NewError("dispatch.awaitSyncReply", model.KindInterrupted, "sync wait interrupted")
		}
	}
}

func descriptionOf(c *connection.Connection) string {
	if c == nil {
		return ""
	}
	return c.Description
}
