package metrics

import (
	"testing"
	"time"

	"github.com/ctflabs/instancer/internal/domain"
)

type captureSink struct {
	events []domain.InstanceEvent
}

func (c *captureSink) Publish(event domain.InstanceEvent) {
	c.events = append(c.events, event)
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	sink := Fanout(first, nil, second)

	event := domain.InstanceEvent{
		Type:       domain.EventCreated,
		InstanceID: "inst-1",
		OwnerID:    "owner-1",
		TemplateID: "eaas",
		At:         time.Now().UTC(),
	}
	sink.Publish(event)

	for _, c := range []*captureSink{first, second} {
		if len(c.events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(c.events))
		}
		if c.events[0].InstanceID != "inst-1" {
			t.Fatalf("unexpected event: %+v", c.events[0])
		}
	}
}

func TestLifecycleCountersPublishIsNilSafe(t *testing.T) {
	var counters *LifecycleCounters
	counters.Publish(domain.InstanceEvent{Type: domain.EventDeleted})

	NewLifecycleCounters().Publish(domain.InstanceEvent{
		Type:       domain.EventReaped,
		TemplateID: "eaas",
	})
}
