package broadcast

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Handler upgrades a dashboard connection to a WebSocket and hands it
// to the Broadcaster, following the same accept-then-serve shape used
// for proxied backend connections elsewhere in this module, generalized
// from a two-way proxied connection to a one-way event subscriber.
type Handler struct {
	broadcaster *Broadcaster
	verify      func(r *http.Request) bool
}

// NewHandler builds a Handler. verify inspects the upgrade request
// (its query string or headers) and reports whether the caller may
// subscribe; a nil verify accepts every connection, for deployments
// that gate dashboard access at a reverse proxy in front of mimosad
// instead.
func NewHandler(b *Broadcaster, verify func(r *http.Request) bool) *Handler {
	return &Handler{broadcaster: b, verify: verify}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Error("broadcast: websocket accept failed", "error", err)
		return
	}

	authenticated := h.verify == nil || h.verify(r)
	h.broadcaster.ServeConn(r.Context(), conn, authenticated)
}
