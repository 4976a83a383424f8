// Package http exposes read-only bus introspection over chi: connection
// lists, name lists, and the bus creator's credential snapshot (spec §6).
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/busdir"
	"github.com/kbusd/kbusd/internal/domain/bus"
)

type Handler struct {
	logger    *slog.Logger
	buses     *busdir.Directory
	collector metadata.Collector
}

func New(logger *slog.Logger, buses *busdir.Directory, collector metadata.Collector) *Handler {
	if collector == nil {
		collector = metadata.HostCollector{}
	}
	return &Handler{logger: logger, buses: buses, collector: collector}
}

// Routes mounts the introspection endpoints under /buses/{bus}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/buses/{bus}/connections", h.listConnections)
	r.Get("/buses/{bus}/names", h.listNames)
	r.Get("/buses/{bus}/creator-info", h.creatorInfo)
	return r
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*bus.Bus, bool) {
	name := chi.URLParam(r, "bus")
	b, ok := h.buses.Lookup(name)
	if !ok {
		http.Error(w, "bus not found", http.StatusNotFound)
		return nil, false
	}
	return b, true
}

type connectionView struct {
	ID          uint64   `json:"id"`
	UID         uint32   `json:"uid"`
	Description string   `json:"description,omitempty"`
	State       string   `json:"state"`
	OwnedNames  []string `json:"owned_names,omitempty"`
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	conns := b.Connections()
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionView{
			ID:          uint64(c.ID),
			UID:         c.UID,
			Description: c.Description,
			State:       c.State().String(),
			OwnedNames:  c.OwnedNames(),
		})
	}
	h.writeJSON(w, out)
}

func (h *Handler) listNames(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, b.Registry.Names())
}

func (h *Handler) creatorInfo(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	// The HTTP caller has no connection of its own; BUS_CREATOR_INFO's
	// namespace gate is evaluated against the live host process, the
	// same identity an unauthenticated introspection client already has.
	requester, err := h.collector.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	info, err := b.CreatorInfo(requester)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	h.writeJSON(w, info)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("http: encode response failed", "error", err)
	}
}
