package event

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/loggy"
)

func TestWebSocketTransportSubscribeAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan subscribeMessage, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, message, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg subscribeMessage
		require.NoError(t, json.Unmarshal(message, &msg))
		received <- msg

		frame := `{"entity_type": "customer", "event_type": "insert",
			"new_row": {"id": "cust_1", "name": "Acme Bakery", "current_balance": 120}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := NewWebSocketTransport(wsURL, "test-token", loggy.NewNoopLogger())

	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Close()
	assert.True(t, transport.Healthy())

	require.NoError(t, transport.Subscribe(context.Background(), entity.KindCustomer))

	select {
	case msg := <-received:
		assert.Equal(t, "subscribe", msg.Action)
		assert.Equal(t, entity.KindCustomer, msg.EntityType)
	case <-time.After(time.Second):
		t.Fatal("server never saw the subscribe message")
	}

	select {
	case frame := <-transport.Frames():
		evt, err := entity.DecodeChangeEvent(frame, time.Now())
		require.NoError(t, err)
		assert.Equal(t, entity.KindCustomer, evt.Kind)
		assert.Equal(t, "cust_1", evt.EntityID())
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
}

func TestWebSocketTransportReportsDroppedConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Drop the connection immediately
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := NewWebSocketTransport(wsURL, "", loggy.NewNoopLogger())

	require.NoError(t, transport.Connect(context.Background()))
	defer transport.Close()

	select {
	case <-transport.Errors():
	case <-time.After(2 * time.Second):
		t.Fatal("dropped connection not reported")
	}
	assert.False(t, transport.Healthy())
}

func TestWebSocketTransportSubscribeBeforeConnect(t *testing.T) {
	transport := NewWebSocketTransport("ws://localhost:1", "", loggy.NewNoopLogger())
	err := transport.Subscribe(context.Background(), entity.KindOrder)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
