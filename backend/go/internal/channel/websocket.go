package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketOptions tunes a WebSocketTransport.
type WebSocketOptions struct {
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// WebSocketTransport adapts a gorilla websocket connection to Transport.
type WebSocketTransport struct {
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketTransport wraps conn and starts the ping loop when
// PingInterval is set. A peer that stops answering pings is disconnected
// after two missed intervals.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, stop: make(chan struct{})}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(opts.PingInterval)
	}
	return t
}

// Dial connects to a websocket endpoint, sending token as a bearer credential.
func Dial(ctx context.Context, url, token string, opts WebSocketOptions) (*WebSocketTransport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn, opts), nil
}

func (t *WebSocketTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ReadMessage blocks until a data frame arrives. Close unblocks it.
func (t *WebSocketTransport) ReadMessage(_ context.Context) ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends one text frame.
func (t *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
