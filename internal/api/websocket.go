package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/youming-ai/parsify-realtime/internal/coordinator"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

// serveWs upgrades the request and binds the socket to a session. The
// sessionId query parameter attaches to an existing session; without it
// a fresh session is created. roomId joins a room right after the
// connected handshake. A token that is supplied but fails verification
// is rejected before the upgrade; connections with no token at all
// proceed anonymously.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		errResp := NewUpgradeRequiredError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, err := s.extractUserIdFromToken(r)
	if err != nil && !errors.Is(err, errNoToken) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sessionId := r.URL.Query().Get("sessionId")
	roomId := r.URL.Query().Get("roomId")

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	_, err = s.co.Connect(r.Context(), conn, coordinator.ConnectParams{
		SessionId: sessionId,
		UserId:    userId,
		RoomId:    roomId,
		Meta: types.ConnectionMeta{
			Ip:        clientIp(r),
			UserAgent: r.UserAgent(),
			Origin:    r.Header.Get("Origin"),
		},
	})
	if err != nil {
		s.log.Printf("attach connection: %v", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}
}
