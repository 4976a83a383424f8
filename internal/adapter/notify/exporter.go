// Package notify republishes kernel-originated notifications onto an
// external broker for the out-of-scope notification-generation
// collaborator (spec §1) to consume. It is purely additive: the core
// delivers every notification locally via the ordinary match/queue path
// regardless of whether an Exporter is wired in.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/kbusd/kbusd/internal/domain/model"
)

// Exporter publishes a notification to an external topic.
type Exporter interface {
	Export(ctx context.Context, busName string, n *model.Notification) error
}

// WatermillExporter publishes via a watermill message.Publisher, the same
// shape the example pack uses for its outbound event dispatcher.
type WatermillExporter struct {
	publisher message.Publisher
}

// NewWatermillExporter wraps an already-configured publisher (commonly
// backed by watermill-amqp).
func NewWatermillExporter(pub message.Publisher) *WatermillExporter {
	return &WatermillExporter{publisher: pub}
}

func (e *WatermillExporter) Export(ctx context.Context, busName string, n *model.Notification) error {
	if n == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("bus", busName)

	if err := e.publisher.Publish(routingKey(busName, n.Kind), msg); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func routingKey(busName string, kind model.NotifyKind) string {
	var suffix string
	switch kind {
	case model.NotifyNameChange:
		suffix = "name.changed"
	case model.NotifyReplyTimeout:
		suffix = "reply.timeout"
	case model.NotifyReplyDead:
		suffix = "reply.dead"
	case model.NotifyIDAdd:
		suffix = "id.added"
	case model.NotifyIDRemove:
		suffix = "id.removed"
	default:
		suffix = "unknown"
	}
	return fmt.Sprintf("kbusd.%s.%s", busName, suffix)
}

// NopExporter discards every notification; the default when no broker is
// configured.
type NopExporter struct{}

func (NopExporter) Export(context.Context, string, *model.Notification) error { return nil }
