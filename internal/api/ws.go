package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/kalambet/jobharvest/internal/operations"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients, which send no Origin, and
// browsers on the server's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func handleSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var kind operations.Kind
		if raw := r.URL.Query().Get("kind"); raw != "" {
			k, err := operations.ParseKind(raw)
			if err != nil {
				operationError(w, r, err)
				return
			}
			kind = k
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			deps.Logger.Debug("websocket upgrade failed", "err", err)
			return
		}
		if err := deps.Sessions.Serve(r.Context(), conn, kind); err != nil {
			deps.Logger.Debug("session stream ended", "kind", kind, "err", err)
		}
	}
}
