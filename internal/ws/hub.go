package ws

import (
	"context"
	"strings"
	"sync"
)

// topicPrefixes are the subject families a dashboard may subscribe to.
// Anything else is rejected at connect time so a typo'd topic fails
// loudly instead of silently receiving nothing.
var topicPrefixes = []string{"job:", "runner:", "pool:", "webhook:"}

// ValidTopic reports whether topic names a known subject family with a
// non-empty subject.
func ValidTopic(topic string) bool {
	for _, p := range topicPrefixes {
		if strings.HasPrefix(topic, p) && len(topic) > len(p) {
			return true
		}
	}
	return false
}

// Hub fans control-plane events out to connected dashboard clients by
// topic. The registry is a plain mutex-guarded pair of maps — clients
// come and go on HTTP handler goroutines and events arrive from the
// relay, so there is no single writer to serialize through. A client
// whose queue is full is evicted rather than allowed to stall a topic;
// evictions are counted for the health endpoint.
type Hub struct {
	mu       sync.RWMutex
	byTopic  map[string]map[*Client]struct{}
	byClient map[*Client][]string
	closed   bool
	evicted  uint64
}

// NewHub returns an empty Hub. Call Run in its own goroutine to tie the
// hub's lifetime to a context.
func NewHub() *Hub {
	return &Hub{
		byTopic:  make(map[string]map[*Client]struct{}),
		byClient: make(map[*Client][]string),
	}
}

// attach registers c under each of its topics. A hub that has already
// shut down accepts no new clients.
func (h *Hub) attach(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.byClient[c] = c.topics
	for _, topic := range c.topics {
		if h.byTopic[topic] == nil {
			h.byTopic[topic] = make(map[*Client]struct{})
		}
		h.byTopic[topic][c] = struct{}{}
	}
	return true
}

// detach removes c from every topic it subscribed to. Safe to call for a
// client that was never attached or is already gone.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.byClient[c]
	if !ok {
		return
	}
	delete(h.byClient, c)
	for _, topic := range topics {
		delete(h.byTopic[topic], c)
		if len(h.byTopic[topic]) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// Publish delivers msg to every subscriber of topic. Safe to call from
// any goroutine. A subscriber that cannot take the message right now is
// evicted — one stalled dashboard must not hold back the rest.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byTopic[topic]))
	for c := range h.byTopic[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(msg) {
			continue
		}
		h.detach(c)
		c.shutdown()
		h.mu.Lock()
		h.evicted++
		h.mu.Unlock()
	}
}

// Run blocks until ctx is cancelled, then closes the hub: every
// connected client is shut down and later attaches are refused.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.byClient))
	for c := range h.byClient {
		clients = append(clients, c)
	}
	h.byClient = make(map[*Client][]string)
	h.byTopic = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

// ConnectedCount reports the current number of attached clients, for the
// health endpoint.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byClient)
}

// EvictedCount reports how many clients have been dropped for falling
// behind since the hub started.
func (h *Hub) EvictedCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.evicted
}
