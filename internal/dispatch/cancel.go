package dispatch

import (
	"context"

	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/model"
	"go.opentelemetry.io/otel/attribute"
)

// Cancel implements MSG_CANCEL (spec §4.4 "Cancel, timeout, disconnect"):
// a bus-wide scan for every tracker recorded against (conn, cookie) —
// trackers live on whichever connection owes the reply, not on conn's
// own list, so every connection must be scanned.
func (d *Dispatcher) Cancel(ctx context.Context, conn *connection.Connection, cookie model.Cookie) {
	_, span := startSpan(ctx, "dispatch.Cancel", attribute.Int64("kbusd.cookie", int64(cookie)))
	defer span.End()

	for _, owner := range d.Bus.Connections() {
		t, ok := owner.Replies.Take(conn.ID, cookie)
		if !ok {
			continue
		}
		t.Resolve(model.NewError("dispatch.Cancel", model.KindCanceled, "reply canceled"), nil)
	}
}
