package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/profilesync/internal/profile"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	streamBacklog  = 16
	maxInboundSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvent is one WebSocket frame of GET /profiles/{userID}/stream.
type StreamEvent struct {
	Type  string        `json:"type"` // snapshot or update
	Entry profile.Entry `json:"entry"`
}

func handleStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if !authorizeUser(w, r, userID) {
			return
		}

		initial, err := deps.Profile.GetProfile(r.Context(), userID, false)
		if err != nil {
			profileError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade", "user_id", userID, "error", err)
			return
		}
		defer conn.Close()

		send := make(chan StreamEvent, streamBacklog)
		done := make(chan struct{})
		send <- StreamEvent{Type: "snapshot", Entry: initial}

		unsubscribe, err := deps.Profile.SubscribeToProfileUpdates(r.Context(), userID, func(e profile.Entry) {
			select {
			case send <- StreamEvent{Type: "update", Entry: e}:
			case <-done:
			default:
				deps.Logger.Warn("dropping slow stream client", "user_id", userID)
				conn.Close()
			}
		})
		if err != nil {
			deps.Logger.Error("subscribing stream", "user_id", userID, "error", err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(writeWait))
			return
		}
		defer unsubscribe()

		deps.Logger.Debug("stream opened", "user_id", userID)
		go writePump(conn, send, done)
		readPump(conn)
		close(done)
		deps.Logger.Debug("stream closed", "user_id", userID)
	}
}

// readPump discards client frames and returns once the peer goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan StreamEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
