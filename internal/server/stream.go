package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"missionline/internal/app"
	"missionline/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerTaskStream serves task updates for the caller's own advance
// requests over a websocket. Messages are {"type":"task","payload":<task>}.
func registerTaskStream(r chi.Router, basePath string, a *app.App, cfg AuthConfig) {
	r.Get(path.Join(basePath, "tasks/stream"), func(w http.ResponseWriter, req *http.Request) {
		p, ok := principalFromContext(req.Context())
		if !ok || p.UserID == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		updates, cancel := a.Queue.Hub().Subscribe()
		defer cancel()

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			cfg.logger().Printf("[server] websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						cfg.logger().Printf("[server] websocket read error: %v", err)
					}
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case <-req.Context().Done():
				return
			case t, ok := <-updates:
				if !ok {
					return
				}
				if !ownsTask(t, p.UserID) {
					continue
				}
				if err := conn.WriteJSON(streamMessage{Type: "task", Payload: t}); err != nil {
					cfg.logger().Printf("[server] websocket write error: %v", err)
					return
				}
			}
		}
	})
}

func ownsTask(t domain.Task, userID string) bool {
	owner, _ := t.Payload["user_id"].(string)
	return owner == userID
}
