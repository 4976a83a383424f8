package amqp

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/stretchr/testify/require"
)

func TestExporterPublishesNotificationPayload(t *testing.T) {
	pub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pub.Close()

	exporter := NewExporter(pub)
	require.NoError(t, exporter.Export(context.Background(), "1000-test.bus", &model.Notification{
		Kind: model.NotifyNameChange,
		Name: "com.example.Service",
	}))
}
