package notify

import (
	"sync"

	"github.com/google/uuid"

	"multicam-live/internal/observability/metrics"
)

// Hub delivers events to the local subscribers of each owner.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Recorder
}

// NewHub initialises a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, recorder *metrics.Recorder) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: recorder,
	}
}

// Subscribe registers a new subscriber for ownerID.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		owner:  ownerID,
		hub:    h,
		ch:     make(chan Event, h.buffer),
		lagged: make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[*Subscription]struct{})
	}
	h.subs[ownerID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Deliver hands event to every subscriber of its owner without blocking.
// A subscriber whose buffer is full misses the event and is flagged as
// lagged.
func (h *Hub) Deliver(event Event) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.OwnerID] {
		select {
		case sub.ch <- event:
			delivered++
		default:
			dropped++
			sub.markLagged()
			h.metrics.NotificationDropped(string(event.Type))
		}
	}
	return delivered, dropped
}

// Subscribers returns the number of live subscriptions for ownerID.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ownerID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[sub.owner]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.owner)
		}
	}
}

// Subscription is one session's view of an owner's event stream.
type Subscription struct {
	id    uuid.UUID
	owner string
	hub   *Hub
	ch    chan Event

	lagOnce sync.Once
	lagged  chan struct{}
	once    sync.Once
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id.String()
}

// Owner returns the owner the subscription is scoped to.
func (s *Subscription) Owner() string {
	return s.owner
}

// Events streams delivered events until Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagged is closed once an event had to be dropped for this subscriber.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

func (s *Subscription) markLagged() {
	s.lagOnce.Do(func() { close(s.lagged) })
}

// Close unregisters the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}
