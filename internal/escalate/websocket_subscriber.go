package escalate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// notifyWriteTimeout bounds how long a single Notify call may block on a
// slow dashboard client before giving up and closing the connection.
const notifyWriteTimeout = 2 * time.Second

// WebsocketSubscriber is a Subscriber that forwards every escalation signal
// as a JSON text frame to a connected dashboard client (spec.md §4.9
// "dashboard feed" subscriber). A write failure drops the connection rather
// than blocking Publish.
type WebsocketSubscriber struct {
	name string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebsocketSubscriber wraps an already-upgraded websocket connection.
func NewWebsocketSubscriber(name string, conn *websocket.Conn) *WebsocketSubscriber {
	return &WebsocketSubscriber{name: name, conn: conn}
}

func (w *WebsocketSubscriber) Name() string { return w.name }

// Notify marshals sig to JSON and writes it as a single text frame, bounded
// by notifyWriteTimeout so a stalled client can never hold the caller's
// goroutine beyond that window. On any error, including a deadline exceeded,
// the subscriber marks itself closed and stops writing, since spec.md
// requires no subscriber may block the request thread.
func (w *WebsocketSubscriber) Notify(sig any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		log.Warn().Err(err).Str("subscriber", w.name).Msg("failed to marshal escalation signal")
		return
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(notifyWriteTimeout)); err != nil {
		log.Warn().Err(err).Str("subscriber", w.name).Msg("failed to set write deadline, closing subscriber")
		w.closed = true
		_ = w.conn.Close()
		return
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Warn().Err(err).Str("subscriber", w.name).Msg("websocket write failed, closing subscriber")
		w.closed = true
		_ = w.conn.Close()
	}
}

// Close shuts down the underlying connection.
func (w *WebsocketSubscriber) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.conn.Close()
}
