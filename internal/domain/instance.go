package domain

import "time"

// Status tracks an instance through its lifecycle.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusDeleted  Status = "deleted"
)

// Active reports whether the status counts against capacity.
func (s Status) Active() bool {
	return s == StatusCreating || s == StatusRunning
}

// Instance is one ephemeral, per-user provisioned challenge workload.
type Instance struct {
	ID                   string
	OwnerID              string
	TemplateID           string
	ProviderResourceName string
	Status               Status
	Endpoint             string
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// Expired reports whether the instance is past its time-to-live.
func (i Instance) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}
