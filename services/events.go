package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huaigu/DCA-FHE-BOT-sub001/protocol"
)

// BatchEvent is the websocket payload for a finalized batch. Its shape is
// identical for success and failure so the feed leaks nothing beyond the
// published result itself.
type BatchEvent struct {
	Type   string                `json:"type"`
	Result *protocol.BatchResult `json:"result"`
}

// EventHub fans finalized batch results out to websocket subscribers.
// Slow subscribers are dropped rather than allowed to stall the hub.
type EventHub struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewEventHub creates an event hub.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard clients connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Broadcast queues a finalized batch result to every subscriber.
func (h *EventHub) Broadcast(result *protocol.BatchResult) {
	payload, err := json.Marshal(&BatchEvent{Type: "batch_result", Result: result})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- payload:
		default:
			close(ch)
			delete(h.subscribers, ch)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ServeWS upgrades the connection and streams events until the client
// disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})

	// Reader only drains control frames and detects disconnect.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			h.mu.Lock()
			if _, ok := h.subscribers[ch]; ok {
				close(ch)
				delete(h.subscribers, ch)
			}
			h.mu.Unlock()
			conn.Close()
		}()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case payload, ok := <-ch:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}
