package repository

import (
	"context"
	"time"

	"github.com/ctflabs/instancer/internal/domain"
)

// UserRepository persists users for identity verification.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// Reservation captures the parameters of a new Creating-status row.
type Reservation struct {
	ID           string
	OwnerID      string
	TemplateID   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	MaxInstances int
}

// ActiveStats aggregates live usage for display projections.
type ActiveStats struct {
	Total      int
	Owners     int
	ByTemplate map[string]int
	ByStatus   map[string]int
}

// InstanceRepository is the durable registry of instances; it is the sole
// source of truth for counts and status.
type InstanceRepository interface {
	// Reserve inserts a Creating-status row after checking the global cap and
	// the per-(owner, template) uniqueness rule. All three steps run as one
	// atomic unit: concurrent reservations are serialized so that no two may
	// both succeed when only one slot remains. Fails with *CapacityError or
	// ErrDuplicateActiveInstance.
	Reserve(ctx context.Context, res Reservation) (*domain.Instance, error)
	// Commit records the provider resource name and endpoint and moves the
	// row from Creating to Running.
	Commit(ctx context.Context, id, providerResourceName, endpoint string) error
	MarkFailed(ctx context.Context, id string) error
	MarkDeleted(ctx context.Context, id string) error

	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	// ListByOwner returns an owner's non-deleted instances, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Instance, error)
	// ListActive returns every Creating or Running instance (admin view).
	ListActive(ctx context.Context) ([]domain.Instance, error)
	// ListExpired returns active instances whose expires_at has passed.
	ListExpired(ctx context.Context, now time.Time) ([]domain.Instance, error)
	CountActive(ctx context.Context) (int, error)
	GetActiveStats(ctx context.Context) (*ActiveStats, error)
}
