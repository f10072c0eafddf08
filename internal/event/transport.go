// Package event multiplexes the server's push feed into typed change
// events. One transport connection carries one logical subscription per
// entity kind; the bus fans decoded events out to registered listeners in
// the order the server sent them.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

// Transport is the push feed connection. It delivers raw change frames and
// reports its own health; reconnection is the transport's concern, never
// the bus's.
type Transport interface {
	// Connect establishes the feed connection
	Connect(ctx context.Context) error
	// Subscribe asks the server to start sending frames for the kind
	Subscribe(ctx context.Context, kind entity.Kind) error
	// Unsubscribe stops the server-side feed for the kind
	Unsubscribe(ctx context.Context, kind entity.Kind) error
	// Frames yields raw change frames in server-send order. The channel
	// is closed when the connection ends.
	Frames() <-chan []byte
	// Errors yields transport-level failures
	Errors() <-chan error
	// Healthy reports whether frames are currently flowing
	Healthy() bool
	// Close tears the connection down
	Close() error
}

// subscribeMessage is the control frame sent to manage server-side feeds
type subscribeMessage struct {
	Action     string      `json:"action"`
	EntityType entity.Kind `json:"entity_type"`
}

const (
	transportBufferSize = 256
	writeTimeout        = 10 * time.Second
	pingInterval        = 30 * time.Second
	pongTimeout         = 90 * time.Second
)

// WebSocketTransport is the production Transport over a single websocket
type WebSocketTransport struct {
	url    string
	token  string
	logger *loggy.Logger

	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	frames  chan []byte
	errors  chan error
	healthy atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketTransport creates a transport for the given feed URL. The
// token, when set, is sent as a bearer header during the handshake.
func NewWebSocketTransport(url, token string, logger *loggy.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		token:  token,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		frames: make(chan []byte, transportBufferSize),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
	}
}

// Connect dials the feed and starts the read loop
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("dialing event feed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.healthy.Store(true)

	t.logger.Info("Event feed connected", "url", t.url)

	go t.readLoop(conn)
	go t.pingLoop(conn)

	return nil
}

// Subscribe sends a subscribe control frame for the kind
func (t *WebSocketTransport) Subscribe(ctx context.Context, kind entity.Kind) error {
	return t.writeControl(subscribeMessage{Action: "subscribe", EntityType: kind})
}

// Unsubscribe sends an unsubscribe control frame for the kind
func (t *WebSocketTransport) Unsubscribe(ctx context.Context, kind entity.Kind) error {
	return t.writeControl(subscribeMessage{Action: "unsubscribe", EntityType: kind})
}

// Frames implements Transport
func (t *WebSocketTransport) Frames() <-chan []byte {
	return t.frames
}

// Errors implements Transport
func (t *WebSocketTransport) Errors() <-chan error {
	return t.errors
}

// Healthy implements Transport
func (t *WebSocketTransport) Healthy() bool {
	return t.healthy.Load()
}

// Close implements Transport
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.healthy.Store(false)
		t.writeMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.writeMu.Unlock()
	})
	return err
}

func (t *WebSocketTransport) writeControl(msg subscribeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Action, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("event feed not connected")
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing %s message: %w", msg.Action, err)
	}
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.frames)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			t.healthy.Store(false)
			select {
			case <-t.done:
				// Deliberate close, not a failure
			default:
				t.logger.Warn("Event feed read failed", "error", err)
				select {
				case t.errors <- err:
				default:
				}
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			select {
			case t.frames <- message:
			case <-t.done:
				return
			}
		}
	}
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
