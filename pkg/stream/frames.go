// Package stream delivers a run's events to a live client: replay, then live broadcast
// (or store polling), until the run reaches a terminal status.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameWriter is a client transport
type FrameWriter interface {
	// WriteEvent sends one event frame
	WriteEvent(id, event string, data []byte) error

	// WriteComment sends a frame clients ignore, used for keep-alives and readiness
	WriteComment(text string) error
}

// Comment texts sent by the gateway
const (
	CommentKeepAlive  = "keep-alive"
	CommentSubscribed = "subscribed"
)

// SSEWriter writes text/event-stream frames
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares the response for server-sent events
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes an id/event/data frame. data must not contain newlines.
func (s *SSEWriter) WriteEvent(id, event string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment writes a ": text" line
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WebSocketMessage is the JSON frame sent over WebSocket connections
type WebSocketMessage struct {
	Type    string          `json:"type"` // "event" or "comment"
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Comment string          `json:"comment,omitempty"`
}

// WebSocketWriter sends frames as JSON text messages
type WebSocketWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWebSocketWriter wraps an upgraded connection
func NewWebSocketWriter(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketWriter {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketWriter{conn: conn, writeTimeout: writeTimeout}
}

func (w *WebSocketWriter) WriteEvent(id, event string, data []byte) error {
	return w.write(WebSocketMessage{Type: "event", ID: id, Event: event, Data: data})
}

func (w *WebSocketWriter) WriteComment(text string) error {
	return w.write(WebSocketMessage{Type: "comment", Comment: text})
}

func (w *WebSocketWriter) write(msg WebSocketMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}

// Close sends a normal closure frame and closes the connection
func (w *WebSocketWriter) Close() error {
	w.mu.Lock()
	deadline := time.Now().Add(w.writeTimeout)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), deadline)
	w.mu.Unlock()
	return w.conn.Close()
}

// ReadLoop discards client messages so control frames are processed, and calls onClose
// once the client goes away
func (w *WebSocketWriter) ReadLoop(onClose func()) {
	defer onClose()
	for {
		if _, _, err := w.conn.NextReader(); err != nil {
			return
		}
	}
}
