package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsPongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS streams state and alert messages of the session until the client
// goes away.
func (h *Handler) ServeWS(c *gin.Context) {
	sess := currentSession(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed for session %s: %v", sess.ID, err)
		return
	}
	if err := h.svc.AddConnection(sess.ID, conn); err != nil {
		h.logger.Warnf("Rejecting WebSocket for session %s: %v", sess.ID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer func() {
		h.svc.RemoveConnection(sess.ID, conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnf("WebSocket for session %s closed: %v", sess.ID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
