package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeKo-Tech/pageorder/internal/jobs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Progress streams are read-only; the CORS origin setting governs browsers.
		return true
	},
}

// WebSocketMessage represents a message sent over WebSocket.
type WebSocketMessage struct {
	Type    string         `json:"type"`
	Payload *jobs.Snapshot `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// jobWebSocketHandler streams job progress over a WebSocket connection.
func (s *Server) jobWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	streamSubscribers.WithLabelValues("websocket").Inc()
	defer streamSubscribers.WithLabelValues("websocket").Dec()

	s.logger.Debug("WebSocket progress stream opened", "job_id", job.ID, "remote_addr", r.RemoteAddr)
	s.handleWebSocketConnection(conn, job)
}

// handleWebSocketConnection pushes progress until the job finishes or the
// client goes away.
func (s *Server) handleWebSocketConnection(conn *websocket.Conn, job *jobs.Job) {
	// Set read deadline to prevent hanging connections
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// The reader only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("WebSocket read error", "job_id", job.ID, "error", err)
				}
				return
			}
		}
	}()

	// Send ping messages to keep connection alive
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	err := progressStream(job, s.progressInterval, gone, func(event string, snap jobs.Snapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return s.sendWebSocketMessage(conn, WebSocketMessage{Type: event, Payload: &snap})
	})
	if err != nil {
		s.logger.Debug("WebSocket progress stream closed", "job_id", job.ID, "error", err)
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(wsWriteWait))
}

// sendWebSocketMessage encodes and sends one message.
func (s *Server) sendWebSocketMessage(conn WebSocketConnWriter, msg WebSocketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	streamMessagesTotal.WithLabelValues("websocket").Inc()
	return nil
}
