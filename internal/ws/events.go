package ws

import (
	"encoding/json"

	"github.com/ctflabs/instancer/internal/domain"
)

// EventStream adapts the hub to the services' event sink.
type EventStream struct {
	hub *Hub
}

// NewEventStream wraps a hub for lifecycle event publishing.
func NewEventStream(hub *Hub) *EventStream {
	return &EventStream{hub: hub}
}

// Publish broadcasts the event as JSON to every subscriber.
func (s *EventStream) Publish(event domain.InstanceEvent) {
	if s == nil || s.hub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Broadcast(payload)
}
