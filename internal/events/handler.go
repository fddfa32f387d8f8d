package events

import (
	"net/http"

	"github.com/gorilla/websocket"

	"medicine-scanner/internal/observability"
)

type Handler struct {
	hub      *Hub
	log      *observability.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, logger *observability.Logger) *Handler {
	return &Handler{
		hub: hub,
		log: observability.OrNop(logger).Component("events_ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The service is bound to the local device; CORS is enforced on the REST routes.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
