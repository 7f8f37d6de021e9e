package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ctflabs/instancer/internal/domain"
)

type captureSubscriber struct {
	msgs    chan []byte
	sendErr error
	closed  chan struct{}
}

func newCaptureSubscriber() *captureSubscriber {
	return &captureSubscriber{
		msgs:   make(chan []byte, 8),
		closed: make(chan struct{}, 1),
	}
}

func (c *captureSubscriber) Send(payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs <- payload
	return nil
}

func (c *captureSubscriber) Close() {
	select {
	case c.closed <- struct{}{}:
	default:
	}
}

func receive(t *testing.T, sub *captureSubscriber) []byte {
	t.Helper()
	select {
	case payload := <-sub.msgs:
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := NewHub()
	first := newCaptureSubscriber()
	second := newCaptureSubscriber()
	hub.Register(first)
	hub.Register(second)

	hub.Broadcast([]byte("hello"))

	if got := string(receive(t, first)); got != "hello" {
		t.Fatalf("first subscriber got %q", got)
	}
	if got := string(receive(t, second)); got != "hello" {
		t.Fatalf("second subscriber got %q", got)
	}

	hub.Unregister(second)
	hub.Broadcast([]byte("again"))
	if got := string(receive(t, first)); got != "again" {
		t.Fatalf("first subscriber got %q after unregister", got)
	}
	select {
	case payload := <-second.msgs:
		t.Fatalf("unregistered subscriber received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	healthy := newCaptureSubscriber()
	broken := newCaptureSubscriber()
	broken.sendErr = errors.New("connection gone")
	hub.Register(healthy)
	hub.Register(broken)

	hub.Broadcast([]byte("ping"))
	receive(t, healthy)

	select {
	case <-broken.closed:
	case <-time.After(time.Second):
		t.Fatal("expected failing subscriber to be closed")
	}
}

func TestEventStreamPublishesJSON(t *testing.T) {
	hub := NewHub()
	sub := newCaptureSubscriber()
	hub.Register(sub)

	stream := NewEventStream(hub)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stream.Publish(domain.InstanceEvent{
		Type:       domain.EventCreated,
		InstanceID: "inst-1",
		OwnerID:    "owner-1",
		TemplateID: "eaas",
		At:         at,
	})

	var event domain.InstanceEvent
	if err := json.Unmarshal(receive(t, sub), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != domain.EventCreated || event.InstanceID != "inst-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.At.Equal(at) {
		t.Fatalf("unexpected timestamp: %v", event.At)
	}
}
