package services

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

func dialHub(t *testing.T, hub *EventHub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHubBroadcast(t *testing.T) {
	hub := NewEventHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	result := &protocol.BatchResult{
		BatchID:      7,
		AggregateIn:  big.NewInt(300),
		AggregateOut: big.NewInt(5),
		Price:        big.NewInt(1800),
		Success:      true,
	}
	hub.Broadcast(result)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event BatchEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "batch_result", event.Type)
	assert.Equal(t, protocol.BatchID(7), event.Result.BatchID)
	assert.Equal(t, "300", event.Result.AggregateIn.String())
}

func TestEventHubDropsDisconnectedSubscriber(t *testing.T) {
	hub := NewEventHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventHubBroadcastWithoutSubscribers(t *testing.T) {
	hub := NewEventHub()
	// No subscribers connected; must not block or panic.
	hub.Broadcast(&protocol.BatchResult{BatchID: 1, Price: big.NewInt(1)})
	assert.Equal(t, 0, hub.SubscriberCount())
}
