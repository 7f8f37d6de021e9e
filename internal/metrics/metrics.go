package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctflabs/instancer/internal/domain"
)

// Sink receives lifecycle events.
type Sink interface {
	Publish(event domain.InstanceEvent)
}

// LifecycleCounters counts instance lifecycle outcomes by event type.
type LifecycleCounters struct {
	events *prometheus.CounterVec
}

// NewLifecycleCounters registers and returns the outcome counters.
func NewLifecycleCounters() *LifecycleCounters {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "lifecycle",
		Name:      "instance_events_total",
		Help:      "Instance lifecycle outcomes by event type",
	}, []string{"type", "template"})

	if err := prometheus.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				events = existing
			}
		}
	}
	return &LifecycleCounters{events: events}
}

// Publish increments the counter for the event.
func (c *LifecycleCounters) Publish(event domain.InstanceEvent) {
	if c == nil || c.events == nil {
		return
	}
	c.events.With(prometheus.Labels{
		"type":     string(event.Type),
		"template": event.TemplateID,
	}).Inc()
}

type fanout []Sink

// Fanout delivers every event to all sinks in order.
func Fanout(sinks ...Sink) Sink {
	var active fanout
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return active
}

func (f fanout) Publish(event domain.InstanceEvent) {
	for _, s := range f {
		s.Publish(event)
	}
}
