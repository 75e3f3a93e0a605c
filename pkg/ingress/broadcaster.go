package ingress

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// subscriber is one connected WebSocket client.
type subscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// EventBroadcaster fans bridge events out to all WebSocket subscribers.
type EventBroadcaster struct {
	subscribers map[string]*subscriber
	logger      zerolog.Logger
	mu          sync.RWMutex
	seq         uint64
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
	}
}

// Add registers a subscriber connection under the given id.
func (b *EventBroadcaster) Add(id string, conn *websocket.Conn) {
	b.mu.Lock()
	b.subscribers[id] = &subscriber{id: id, conn: conn}
	b.mu.Unlock()

	b.logger.Info().Str("subscriberId", id).Msg("Event subscriber connected")
}

// Remove drops a subscriber and closes its connection.
func (b *EventBroadcaster) Remove(id string) {
	b.mu.Lock()
	sub, exists := b.subscribers[id]
	if exists {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if exists {
		sub.conn.Close()
		b.logger.Info().Str("subscriberId", id).Msg("Event subscriber disconnected")
	}
}

// Count returns the number of connected subscribers.
func (b *EventBroadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Broadcast sends an event to all subscribers. Write failures disconnect
// the subscriber rather than failing the broadcast.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Msg("Failed to marshal event")
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var failed []string
	for _, sub := range subs {
		if err := sub.write(jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("subscriberId", sub.id).
				Str("event", msg.Event).
				Msg("Failed to broadcast to subscriber")
			failed = append(failed, sub.id)
		}
	}

	for _, id := range failed {
		b.Remove(id)
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("subscribers", len(subs)-len(failed)).
		Msg("Event broadcast complete")
}

// CloseAll disconnects every subscriber.
func (b *EventBroadcaster) CloseAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close()
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
