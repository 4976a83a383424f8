package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kbusd/kbusd/internal/dispatch"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/endpoint"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/service"
	"github.com/kbusd/kbusd/internal/svcdir"
	"github.com/stretchr/testify/require"
)

func newTestSvc(t *testing.T) service.Bus {
	t.Helper()
	d := dispatch.New(nil)
	b, err := bus.New("1000-test.bus", "default", 1000, model.DefaultBloom, nil, nil, d.Hooks())
	require.NoError(t, err)
	d.Attach(b)
	t.Cleanup(b.Shutdown)
	ep := endpoint.New(endpoint.DefaultName, b, 0, 1000, 1000, nil)
	return service.NewBus(ep, d)
}

func TestMonitorReceivesBroadcastMessages(t *testing.T) {
	svc := newTestSvc(t)
	dir := svcdir.New()
	dir.Register("1000-test.bus", svc)
	h := New(slog.Default(), dir)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/buses/1000-test.bus/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sender, err := svc.Hello(context.Background(), 1000, 0, 0, "sender", nil)
	require.NoError(t, err)
	kmsg := &model.Kmsg{SrcID: sender.Conn.ID, Broadcast: true, Cookie: 1, Payload: []byte("hi")}
	_, err = svc.MsgSend(context.Background(), sender.Conn, nil, kmsg)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got model.Kmsg
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, sender.Conn.ID, got.SrcID)
}

func TestMonitorUnknownBusReturnsNotFound(t *testing.T) {
	h := New(slog.Default(), svcdir.New())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/buses/no-such-bus/monitor"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 404, resp.StatusCode)
}
