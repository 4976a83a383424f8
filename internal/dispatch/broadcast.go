package dispatch

import (
	"context"
	"fmt"

	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/adapter/policy"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"go.opentelemetry.io/otel/attribute"
)

// Broadcast implements spec §4.4.b: a read-only fan-out over the bus's
// connection hash, skipping recipients the match db, policy, or
// visibility rules reject. No single recipient's failure aborts the
// others. src is nil for a kernel-generated notification broadcast.
func (d *Dispatcher) Broadcast(ctx context.Context, src *connection.Connection, srcMeta *metadata.Snapshot, kmsg *model.Kmsg) {
	ctx, span := startSpan(ctx, "dispatch.Broadcast", attribute.Int64("kbusd.cookie", int64(kmsg.Cookie)))
	defer span.End()

	if kmsg.Seq == 0 {
		kmsg.Seq = d.Bus.NextSeq()
	}

	var srcNames []string
	var srcUID uint32
	if src != nil {
		srcNames = src.OwnedNames()
		srcUID = src.UID
	}
	meta := srcMeta
	if src != nil && src.OwnerMeta != nil {
		meta = src.OwnerMeta
	}

	for _, dst := range d.Bus.Connections() {
		if src != nil && dst.ID == src.ID {
			continue
		}
		if dst.Flags.Has(model.ConnFlagActivator) || dst.Flags.Has(model.ConnFlagPolicyHolder) {
			continue
		}
		if !dst.MatchDB.MatchKmsg(kmsg, srcNames) {
			continue
		}
		if kmsg.Type.IsNotification() && kmsg.Notify != nil && !d.canSeeNotificationSubject(ctx, dst, kmsg.Notify) {
			continue
		}
		if src != nil && !d.canBroadcastTo(ctx, src, srcNames, dst) {
			continue
		}
		if !dst.Acquire() {
			continue
		}

		cp := kmsg.Clone()
		cp.Metadata = metadata.Attach(meta, dst.AttachFlags, srcNames, descriptionOf(src), false)
		entry, err := d.buildEntry(dst, cp, nil, srcUID)
		if err == nil {
			if err := d.admitAndEnqueue(ctx, dst, entry, src == nil || d.Bus.IsPrivileged(src.UID)); err != nil {
				entry.Slice.Free()
			}
		}
		dst.Release()
	}

	d.eavesdrop(ctx, src, meta, kmsg)

	if kmsg.Notify != nil {
		_ = d.Notify.Export(ctx, d.Bus.Name, kmsg.Notify)
	}
}

// canBroadcastTo implements the peculiar rule of §4.4.b: a signaller
// that owns at least one name may always reach a destination that owns
// none (services may emit signals to clients freely); otherwise it
// falls back to the ordinary talk-to policy check.
func (d *Dispatcher) canBroadcastTo(ctx context.Context, src *connection.Connection, srcNames []string, dst *connection.Connection) bool {
	if d.Bus.PolicyDB == nil || d.Bus.IsPrivileged(src.UID) {
		return true
	}
	if len(srcNames) > 0 && len(dst.OwnedNames()) == 0 {
		return true
	}
	ok, err := d.Bus.PolicyDB.Allowed(ctx, policy.Decision{
		Subject: src.UID,
		Verb:    policy.VerbTalkTo,
		Object:  fmt.Sprintf("id:%d", dst.ID),
	})
	return err == nil && ok
}

// canSeeNotificationSubject gates a name/id notification on the
// recipient being allowed to see the subject name, per spec §4.4.b.
func (d *Dispatcher) canSeeNotificationSubject(ctx context.Context, dst *connection.Connection, notif *model.Notification) bool {
	if d.Bus.PolicyDB == nil || notif.Name == "" {
		return true
	}
	ok, err := d.Bus.PolicyDB.Allowed(ctx, policy.Decision{
		Subject: dst.UID,
		Verb:    policy.VerbSee,
		Object:  notif.Name,
	})
	return err == nil && ok
}
