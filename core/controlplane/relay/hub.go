// Package relay pushes job status transitions to the tenant's connected
// clients. Delivery is best effort: nothing is stored and nothing is replayed.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/jobs"
)

const defaultBufferSize = 64

// Subscription is one live connection's registration with the Hub.
type Subscription struct {
	tenantID string
	ch       chan []byte
	done     chan struct{}
	dropped  bool
	once     sync.Once
}

func (s *Subscription) TenantID() string { return s.tenantID }

// C yields encoded events for this subscription's tenant.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Done is closed when the subscription is removed, by Unsubscribe, by the
// hub dropping a slow consumer, or by Close.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports whether the hub removed this subscription for falling behind.
// Valid once Done is closed.
func (s *Subscription) Dropped() bool { return s.dropped }

func (s *Subscription) stop(dropped bool) {
	s.once.Do(func() {
		s.dropped = dropped
		close(s.done)
	})
}

// Hub is the per-tenant broadcast channel.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[*Subscription]struct{}
	count   int
	closed  bool
	buffer  int
	metrics metrics.RelayMetrics
}

func NewHub(bufferSize int, m metrics.RelayMetrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Hub{
		tenants: make(map[string]map[*Subscription]struct{}),
		buffer:  bufferSize,
		metrics: m,
	}
}

// Subscribe registers a new subscription for tenantID. On a closed hub the
// returned subscription is already done.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		tenantID: tenantID,
		ch:       make(chan []byte, h.buffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.stop(false)
		return sub
	}
	set, ok := h.tenants[tenantID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.tenants[tenantID] = set
	}
	set[sub] = struct{}{}
	h.count++
	h.metrics.SetSubscribers(h.count)
	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.stop(false)
}

func (h *Hub) removeLocked(sub *Subscription) bool {
	set, ok := h.tenants[sub.tenantID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.tenants, sub.tenantID)
	}
	h.count--
	h.metrics.SetSubscribers(h.count)
	return true
}

// Publish encodes ev and broadcasts it to ev.TenantID's subscribers.
func (h *Hub) Publish(ev jobs.Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("relay: event for job %s has no tenant", ev.JobID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}
	h.Broadcast(ev.TenantID, data)
	return nil
}

// Broadcast delivers data to every subscription of tenantID without
// blocking. A subscriber whose buffer is full is dropped. It returns the
// number of subscriptions that received data.
func (h *Hub) Broadcast(tenantID string, data []byte) int {
	var slow []*Subscription
	delivered := 0
	h.mu.RLock()
	for sub := range h.tenants[tenantID] {
		select {
		case sub.ch <- data:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, sub := range slow {
			if h.removeLocked(sub) {
				h.metrics.IncDropped()
			}
		}
		h.mu.Unlock()
		for _, sub := range slow {
			sub.stop(true)
		}
	}
	return delivered
}

// Subscribers returns the live subscription count for tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// Len returns the live subscription count across tenants.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.tenants {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.tenants = make(map[string]map[*Subscription]struct{})
	h.count = 0
	h.closed = true
	h.metrics.SetSubscribers(0)
	h.mu.Unlock()
	for _, sub := range all {
		sub.stop(false)
	}
}
