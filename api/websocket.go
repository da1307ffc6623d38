package api

import (
	"net/http"
	"time"

	"batchflow/types"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsAck struct {
	Seq      uint64 `json:"seq"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// handleWebsocket treats every text or binary frame as one message and answers
// each with an ack carrying its sequence number on this connection.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	s.log.Info("Websocket ingest connected", map[string]interface{}{
		"remote": r.RemoteAddr,
	})

	var seq uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("Websocket read failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		ack := wsAck{Seq: seq, Accepted: true}
		seq++
		if err := s.service.Dispatch(types.NewMessage(string(data))); err != nil {
			ack.Accepted = false
			ack.Error = err.Error()
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		if !ack.Accepted {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "ingest closed"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
