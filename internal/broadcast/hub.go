package broadcast

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

func tableTopic(id string) string { return "table:" + id }
func userTopic(id string) string  { return "user:" + id }

type subscriber struct {
	ch     chan Event
	topics []string
}

// Hub is an in-process Publisher with websocket delivery. A slow subscriber
// loses events instead of stalling the publisher.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	seq    atomic.Int64
	logger *zap.Logger
	now    func() time.Time

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[*subscriber]struct{}),
		logger: logger.Named("broadcast"),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin checks belong to the gateway in front of the service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// PublishTable implements Publisher.
func (h *Hub) PublishTable(tableID, eventType string, data any) {
	h.publish(tableTopic(tableID), Event{Type: eventType, Table: tableID, Data: data})
}

// PublishUser implements Publisher.
func (h *Hub) PublishUser(userID, eventType string, data any) {
	h.publish(userTopic(userID), Event{Type: eventType, User: userID, Data: data})
}

func (h *Hub) publish(topic string, ev Event) {
	ev.Seq = h.seq.Add(1)
	ev.Time = h.now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("ws subscriber channel full", zap.String("topic", topic), zap.String("type", ev.Type))
		}
	}
}

// Subscribe registers a channel for a user and any number of tables. The
// returned cancel func must be called once.
func (h *Hub) Subscribe(userID string, tableIDs ...string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if userID != "" {
		sub.topics = append(sub.topics, userTopic(userID))
	}
	for _, id := range tableIDs {
		sub.topics = append(sub.topics, tableTopic(id))
	}

	h.mu.Lock()
	for _, t := range sub.topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[*subscriber]struct{})
		}
		h.topics[t][sub] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			for _, t := range sub.topics {
				delete(h.topics[t], sub)
				if len(h.topics[t]) == 0 {
					delete(h.topics, t)
				}
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of subscriptions on a table.
func (h *Hub) Subscribers(tableID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[tableTopic(tableID)])
}

// ServeWS upgrades the request and streams events until the client goes
// away. Closing the socket does not affect bets already accepted.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, tableIDs []string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	events, cancel := h.Subscribe(userID, tableIDs...)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			// Inbound messages are ignored; reading drives pong handling.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	h.logger.Debug("websocket connected", zap.String("user", userID), zap.Strings("tables", tableIDs))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Debug("websocket disconnected", zap.String("user", userID))
			return
		case <-r.Context().Done():
			return
		}
	}
}
