// Package events provides a fan-out pub/sub bus for the inbox-stream
// websocket supplement (SPEC_FULL.md "websocket inbox stream").
package events

import (
	"sync"

	"github.com/admp/relay/internal/envelope"
)

// DeliveryEvent is published whenever a message lands in an agent's inbox.
type DeliveryEvent struct {
	AgentID string
	Record  *envelope.Record
}

// subscriberBufferSize bounds the channel buffer for each subscriber. A slow
// or absent reader drops events rather than blocking publishers.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub bus keyed by recipient agent id.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan DeliveryEvent
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]chan DeliveryEvent)}
}

// Publish delivers evt to every current subscriber of evt.AgentID.
func (b *Bus) Publish(evt DeliveryEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[evt.AgentID] {
		select {
		case ch <- evt:
		default:
			// subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// Subscribe returns a channel receiving future deliveries for agentID and a
// cancel function the caller must invoke when done.
func (b *Bus) Subscribe(agentID string) (<-chan DeliveryEvent, func()) {
	ch := make(chan DeliveryEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.subs[agentID] == nil {
		b.subs[agentID] = make(map[uint64]chan DeliveryEvent)
	}
	id := b.next
	b.next++
	b.subs[agentID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subs[agentID]; ok {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(b.subs, agentID)
			}
		}
	}
	return ch, cancel
}
