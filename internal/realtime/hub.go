// Package realtime is the subscription fabric: an in-process publish/subscribe
// layer pushing committed order events to WebSocket clients.
//
// Clients identify themselves with a subscribe message carrying
// (actorType, actorId); the hub indexes connections by that key. Delivery is
// best-effort: a slow or closed connection is skipped, never waited on.
package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/orders"
)

// DefaultPingInterval is the heartbeat cadence; a client that does not pong
// between two pings is terminated.
const DefaultPingInterval = 30 * time.Second

// marketEvents broadcast to every merchant subscriber, not just the order's
// parties. They are the signals the open order book moves on.
var marketEvents = map[string]bool{
	orders.EventOrderCreated:   true,
	orders.EventOrderAccepted:  true,
	orders.EventOrderCancelled: true,
	orders.EventOrderExpired:   true,
}

// Hub indexes live connections by actor key and fans committed order events
// out to them.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*Client]struct{} // "user:usr_1" / "merchant:mch_1"

	logger       *slog.Logger
	pingInterval time.Duration
}

// NewHub creates an empty subscription fabric.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers:  make(map[string]map[*Client]struct{}),
		logger:       logger.With("component", "realtime"),
		pingInterval: DefaultPingInterval,
	}
}

// WithPingInterval overrides the heartbeat cadence.
func (h *Hub) WithPingInterval(d time.Duration) *Hub {
	if d > 0 {
		h.pingInterval = d
	}
	return h
}

func actorKey(actorType, actorID string) string {
	return actorType + ":" + actorID
}

// subscribe registers a client under its actor key. A client re-subscribing
// under a new key is moved.
func (h *Hub) subscribe(c *Client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.key != "" && c.key != key {
		h.dropLocked(c)
	}
	c.key = key
	set, ok := h.subscribers[key]
	if !ok {
		set = make(map[*Client]struct{})
		h.subscribers[key] = set
	}
	set[c] = struct{}{}
}

// unsubscribe removes a client from the index.
func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked removes the client from its current key. Caller holds mu.
func (h *Hub) dropLocked(c *Client) {
	if c.key == "" {
		return
	}
	if set, ok := h.subscribers[c.key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscribers, c.key)
		}
	}
}

// orderEventMessage is the outbound wire shape for a committed transition.
type orderEventMessage struct {
	Type string `json:"type"`
	orders.PublishedEvent
}

// PublishOrderEvent fans one committed event out to its recipients: the
// order's user, its merchant, its buyer merchant, and, for market-wide
// signals, every merchant subscriber. Each recipient gets exactly one copy.
func (h *Hub) PublishOrderEvent(evt orders.PublishedEvent) {
	payload, err := json.Marshal(orderEventMessage{Type: "order_event", PublishedEvent: evt})
	if err != nil {
		h.logger.Error("marshal order event", "error", err, "orderId", evt.OrderID)
		return
	}

	h.mu.Lock()
	recipients := make(map[*Client]struct{})
	h.collectLocked(recipients, actorKey("user", evt.UserID))
	h.collectLocked(recipients, actorKey("merchant", evt.MerchantID))
	h.collectLocked(recipients, actorKey("merchant", evt.BuyerMerchantID))
	if marketEvents[evt.EventType] {
		for key, set := range h.subscribers {
			if !strings.HasPrefix(key, "merchant:") {
				continue
			}
			for c := range set {
				recipients[c] = struct{}{}
			}
		}
	}
	h.mu.Unlock()

	for c := range recipients {
		c.enqueue(payload)
	}
}

// collectLocked adds every subscriber under key. Caller holds mu.
func (h *Hub) collectLocked(into map[*Client]struct{}, key string) {
	if strings.HasSuffix(key, ":") {
		return // actor ID unset
	}
	for c := range h.subscribers[key] {
		into[c] = struct{}{}
	}
}

// SubscriberCount reports live subscriptions under one actor key.
func (h *Hub) SubscriberCount(actorType, actorID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[actorKey(actorType, actorID)])
}

// HubStats is a point-in-time snapshot of the subscription index.
type HubStats struct {
	Clients       int            `json:"clients"`
	Subscriptions map[string]int `json:"subscriptions"`
}

// Stats snapshots client and per-key subscription counts.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := HubStats{Subscriptions: make(map[string]int, len(h.subscribers))}
	for key, set := range h.subscribers {
		stats.Subscriptions[key] = len(set)
		stats.Clients += len(set)
	}
	return stats
}

// track reflects connection lifetime in the client gauge.
func (h *Hub) track(delta float64) {
	metrics.ActiveWebSocketClients.Add(delta)
}

// Compile-time assertion: the hub is the order engine's publisher.
var _ orders.Publisher = (*Hub)(nil)
