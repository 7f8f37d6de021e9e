package domain

import "time"

// EventType classifies instance lifecycle transitions.
type EventType string

const (
	EventCreated EventType = "created"
	EventFailed  EventType = "failed"
	EventDeleted EventType = "deleted"
	EventReaped  EventType = "reaped"
)

// InstanceEvent is broadcast on instance lifecycle transitions.
type InstanceEvent struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	OwnerID    string    `json:"owner_id"`
	TemplateID string    `json:"template_id"`
	At         time.Time `json:"at"`
}
