package relay

import (
	"encoding/json"
	"fmt"

	"github.com/cordum/tenantgate/core/infra/bus"
	"github.com/cordum/tenantgate/core/jobs"
)

// Subscriber is the part of the event bus the bridge consumes.
type Subscriber interface {
	Subscribe(subject, queue string, handler func([]byte) error) error
}

// JSONPublisher is the part of the event bus NatsPublisher needs.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// Bridge forwards job updates published by any worker process into hub.
// Every gateway receives every update; there is no queue group.
func Bridge(sub Subscriber, hub *Hub) error {
	return sub.Subscribe(bus.JobUpdateWildcard, "", func(data []byte) error {
		var ev jobs.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode job update: %w", err)
		}
		if ev.TenantID == "" {
			return fmt.Errorf("job update %s has no tenant", ev.JobID)
		}
		hub.Broadcast(ev.TenantID, data)
		return nil
	})
}

// NatsPublisher publishes job updates on the tenant's bus subject. Workers
// use it as their scheduler publisher.
type NatsPublisher struct {
	bus JSONPublisher
}

func NewNatsPublisher(b JSONPublisher) *NatsPublisher {
	return &NatsPublisher{bus: b}
}

func (p *NatsPublisher) Publish(ev jobs.Event) error {
	return p.bus.PublishJSON(bus.JobUpdateSubject(ev.TenantID), ev)
}
