package streaming

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Streaming is a same-origin dashboard feature; origin checks are
	// the gateway's concern, not the core's, so this stays permissive
	// the way the teacher's reference binaries do for internal tooling.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

// Handler upgrades an HTTP request to a WebSocket and relays every Hub
// event to the client as JSON until the connection closes.
func Handler(hub *Hub, log *logrus.Logger) http.HandlerFunc {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "streaming")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			entry.WithError(err).Warn("websocket upgrade failed")
			return
		}
		defer conn.Close()

		events, unsubscribe := hub.Subscribe(32)
		defer unsubscribe()

		for ev := range events {
			body, err := MarshalEvent(ev)
			if err != nil {
				entry.WithError(err).Warn("failed to encode streaming event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				entry.WithError(err).Debug("streaming client disconnected")
				return
			}
		}
	}
}
