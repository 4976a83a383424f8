// Package ws upgrades an HTTP request into a monitor connection, the
// transport-facing half of spec §1's "Monitor connections passively
// observe all traffic": a HELLO with ConnFlagMonitor set, then polled
// drainage of its queue onto the socket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/service"
	"github.com/kbusd/kbusd/internal/svcdir"
)

// pollInterval is how often a monitor socket drains its queue. msg_recv
// never blocks (spec §5), so the transport is what supplies the wait.
const pollInterval = 50 * time.Millisecond

type Handler struct {
	logger   *slog.Logger
	services *svcdir.Directory
	upgrader websocket.Upgrader
}

func New(logger *slog.Logger, services *svcdir.Directory) *Handler {
	return &Handler{
		logger:   logger,
		services: services,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts GET /buses/{bus}/monitor.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/buses/{bus}/monitor", h.monitor)
	return r
}

func (h *Handler) monitor(w http.ResponseWriter, r *http.Request) {
	h.Monitor(w, r, chi.URLParam(r, "bus"))
}

// Monitor implements GET /buses/{bus}/monitor.
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request, busName string) {
	svc, ok := h.services.Lookup(busName)
	if !ok {
		http.Error(w, "bus not found", http.StatusNotFound)
		return
	}

	conn, err := svc.Hello(r.Context(), 0, model.ConnFlagMonitor, 0, "ws-monitor", nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	defer func() {
		_ = svc.Byebye(conn.Conn, false)
	}()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	h.logger.Info("ws: monitor attached", "bus", busName, "conn_id", conn.Conn.ID)
	h.pump(r.Context(), ws, svc, conn)
}

func (h *Handler) pump(ctx context.Context, ws *websocket.Conn, svc service.Bus, conn *service.HelloResult) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				entry, err := svc.MsgRecv(conn.Conn, 0, 0)
				if err != nil {
					break
				}
				payload, err := json.Marshal(entry.Kmsg)
				if err != nil {
					h.logger.Error("ws: marshal kmsg failed", "error", err)
					continue
				}
				if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.logger.Warn("ws: write failed", "error", err)
					return
				}
				if entry.Slice != nil {
					entry.Slice.Free()
				}
			}
		}
	}
}
