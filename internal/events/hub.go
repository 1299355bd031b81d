// Package events fans alert lifecycle events out to live subscribers and
// keeps a short replay buffer for clients that reconnect.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Event is one published notification. Data is the JSON-encoded payload.
type Event struct {
	ID       int64               `json:"id"`
	Type     string              `json:"type"`
	Severity thresholds.Severity `json:"severity,omitempty"`
	At       time.Time           `json:"at"`
	Data     json.RawMessage     `json:"data"`
}

// Classified payloads carry a severity subscribers can filter on.
// *alert.Alert implements it.
type Classified interface {
	EventSeverity() thresholds.Severity
}

// Filter selects events. The zero Filter matches everything.
type Filter struct {
	// Types holds exact types ("alert.created") or prefixes ending in a
	// dot ("alert.").
	Types []string
	// MinSeverity drops events less urgent than it, and events without a
	// severity.
	MinSeverity thresholds.Severity
}

func (f Filter) Match(ev Event) bool {
	if f.MinSeverity != "" {
		if ev.Severity == "" || ev.Severity.Rank() > f.MinSeverity.Rank() {
			return false
		}
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type || (strings.HasSuffix(t, ".") && strings.HasPrefix(ev.Type, t)) {
			return true
		}
	}
	return false
}

const subscriberBuffer = 128

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is an in-memory pub/sub over a fixed-size replay ring.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	ring   []Event
	head   int // index of the oldest event
	count  int
	subs   map[*subscriber]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish records an event and offers it to matching subscribers. A
// subscriber whose buffer is full misses the event; producers never block.
func (h *Hub) Publish(eventType string, data any) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: json.RawMessage("{}")}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}
	if c, ok := data.(Classified); ok {
		ev.Severity = c.EventSeverity()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev.ID = h.lastID
	h.remember(ev)
	for sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new matching events and a cancel func that
// closes it. Cancel is safe to call more than once.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: f}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered matching events with ID > lastID, oldest
// first.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for i := range h.count {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID && f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
