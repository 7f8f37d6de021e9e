package instance

import (
	"context"
	"fmt"
	"math"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ctflabs/instancer/internal/domain"
	"github.com/ctflabs/instancer/internal/provisioner"
	"github.com/ctflabs/instancer/internal/repository"
)

const cleanupTimeout = 5 * time.Second

// EventSink receives lifecycle events for streaming to dashboards.
type EventSink interface {
	Publish(event domain.InstanceEvent)
}

// Service is the lifecycle facade: it owns the admission write path and
// composes the registry and the provisioner gateway for callers.
type Service struct {
	instances repository.InstanceRepository
	gateway   provisioner.Provisioner
	catalog   domain.Catalog
	events    EventSink
	logger    *slog.Logger

	maxInstances     int
	warnThreshold    int
	ttl              time.Duration
	provisionTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// Options bound the service's admission and timing policy.
type Options struct {
	MaxInstances     int
	WarnThreshold    int
	InstanceTTL      time.Duration
	ProvisionTimeout time.Duration
}

// New constructs a Service.
func New(instances repository.InstanceRepository, gateway provisioner.Provisioner, catalog domain.Catalog, events EventSink, logger *slog.Logger, opts Options) Service {
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 30 * time.Second
	}
	return Service{
		instances:        instances,
		gateway:          gateway,
		catalog:          catalog,
		events:           events,
		logger:           logger,
		maxInstances:     opts.MaxInstances,
		warnThreshold:    opts.WarnThreshold,
		ttl:              opts.InstanceTTL,
		provisionTimeout: opts.ProvisionTimeout,
		now:              time.Now,
		newID:            uuid.NewString,
	}
}

// Create admits and provisions a new instance for the owner. It validates
// the template, reserves a capacity slot atomically, provisions through the
// gateway and commits the result. On gateway failure the row is marked
// Failed and no retry is attempted; retrying is the caller's decision.
func (s Service) Create(ctx context.Context, ownerID, templateID string) (*domain.Instance, error) {
	tmpl, ok := s.catalog.Get(templateID)
	if !ok {
		return nil, ErrUnknownTemplate
	}

	now := s.now().UTC()
	reserved, err := s.instances.Reserve(ctx, repository.Reservation{
		ID:           s.newID(),
		OwnerID:      ownerID,
		TemplateID:   templateID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		MaxInstances: s.maxInstances,
	})
	if err != nil {
		return nil, err
	}

	name, err := resourceName(templateID, ownerID)
	if err != nil {
		s.failReservation(ctx, reserved, err)
		return nil, &ProvisionError{Cause: err}
	}

	provCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()
	resource, err := s.gateway.Provision(provCtx, provisioner.Spec{
		Name:     name,
		Image:    tmpl.Image,
		Port:     tmpl.Port,
		CPU:      tmpl.CPU,
		MemoryMB: tmpl.MemoryMB,
		Labels: map[string]string{
			provisioner.LabelInstanceID: reserved.ID,
			provisioner.LabelOwnerID:    ownerID,
			provisioner.LabelTemplateID: templateID,
		},
	})
	if err != nil {
		s.failReservation(ctx, reserved, err)
		return nil, &ProvisionError{Cause: err}
	}

	if err := s.instances.Commit(ctx, reserved.ID, name, resource.Endpoint); err != nil {
		// The remote resource exists but the registry update failed. Remove
		// the resource so the Failed row does not leak capacity remotely.
		s.deprovisionQuietly(ctx, name)
		s.failReservation(ctx, reserved, err)
		return nil, fmt.Errorf("commit instance %s: %w", reserved.ID, err)
	}

	reserved.Status = domain.StatusRunning
	reserved.ProviderResourceName = name
	reserved.Endpoint = resource.Endpoint
	s.logger.Info("instance created", "instance_id", reserved.ID, "owner_id", ownerID, "template_id", templateID, "resource", name)
	s.publish(domain.EventCreated, *reserved)
	return reserved, nil
}

// Delete removes an owner's instance. Deprovision failures are surfaced so
// the caller can report them, but the registry row is still marked Deleted;
// divergence is resolved by the reaper's reconciliation pass. Deleting an
// already-deleted instance is a success without side effects.
func (s Service) Delete(ctx context.Context, ownerID, instanceID string) error {
	return s.delete(ctx, ownerID, instanceID)
}

// AdminDelete removes any instance regardless of owner.
func (s Service) AdminDelete(ctx context.Context, instanceID string) error {
	return s.delete(ctx, "", instanceID)
}

func (s Service) delete(ctx context.Context, ownerID, instanceID string) error {
	inst, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	// Owner scoping must not leak other owners' instance IDs.
	if ownerID != "" && inst.OwnerID != ownerID {
		return repository.ErrNotFound
	}
	if inst.Status == domain.StatusDeleted {
		return nil
	}

	var deprovisionErr error
	if inst.ProviderResourceName != "" {
		depCtx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
		deprovisionErr = s.gateway.Deprovision(depCtx, inst.ProviderResourceName)
		cancel()
	}
	if err := s.instances.MarkDeleted(ctx, inst.ID); err != nil {
		return err
	}
	s.logger.Info("instance deleted", "instance_id", inst.ID, "owner_id", inst.OwnerID, "resource", inst.ProviderResourceName)
	s.publish(domain.EventDeleted, *inst)
	if deprovisionErr != nil {
		return fmt.Errorf("deprovision %s: %w", inst.ProviderResourceName, deprovisionErr)
	}
	return nil
}

// ListForOwner returns the owner's non-deleted instances.
func (s Service) ListForOwner(ctx context.Context, ownerID string) ([]domain.Instance, error) {
	return s.instances.ListByOwner(ctx, ownerID)
}

// ListAll returns every active instance (admin view).
func (s Service) ListAll(ctx context.Context) ([]domain.Instance, error) {
	return s.instances.ListActive(ctx)
}

// Stats is a read-only usage projection for display. The registry's live
// counts stay authoritative; nothing here gates admission.
type Stats struct {
	Active       int            `json:"active"`
	Capacity     int            `json:"capacity"`
	Available    int            `json:"available"`
	UsagePercent float64        `json:"usage_percent"`
	ActiveOwners int            `json:"active_owners"`
	ByTemplate   map[string]int `json:"by_template"`
	ByStatus     map[string]int `json:"by_status"`
	AtCapacity   bool           `json:"at_capacity"`
	NearCapacity bool           `json:"near_capacity"`
}

// Stats reports current usage against the configured capacity.
func (s Service) Stats(ctx context.Context) (*Stats, error) {
	active, err := s.instances.GetActiveStats(ctx)
	if err != nil {
		return nil, err
	}
	available := s.maxInstances - active.Total
	if available < 0 {
		available = 0
	}
	usage := 0.0
	if s.maxInstances > 0 {
		usage = math.Round(float64(active.Total)/float64(s.maxInstances)*1000) / 10
	}
	return &Stats{
		Active:       active.Total,
		Capacity:     s.maxInstances,
		Available:    available,
		UsagePercent: usage,
		ActiveOwners: active.Owners,
		ByTemplate:   active.ByTemplate,
		ByStatus:     active.ByStatus,
		AtCapacity:   active.Total >= s.maxInstances,
		NearCapacity: s.warnThreshold > 0 && active.Total >= s.warnThreshold,
	}, nil
}

// Templates exposes the static catalog for display.
func (s Service) Templates() domain.Catalog {
	return s.catalog
}

// failReservation moves a Creating row to Failed. It runs on a detached
// context so a caller timeout cannot leave the row stuck in Creating.
func (s Service) failReservation(ctx context.Context, inst *domain.Instance, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.instances.MarkFailed(cleanupCtx, inst.ID); err != nil {
		s.logger.Error("failed to mark instance failed", "instance_id", inst.ID, "error", err)
	}
	s.logger.Warn("instance provisioning failed", "instance_id", inst.ID, "owner_id", inst.OwnerID, "template_id", inst.TemplateID, "error", cause)
	s.publish(domain.EventFailed, *inst)
}

func (s Service) deprovisionQuietly(ctx context.Context, name string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.gateway.Deprovision(cleanupCtx, name); err != nil {
		s.logger.Warn("failed to deprovision after commit error", "resource", name, "error", err)
	}
}

func (s Service) publish(eventType domain.EventType, inst domain.Instance) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.InstanceEvent{
		Type:       eventType,
		InstanceID: inst.ID,
		OwnerID:    inst.OwnerID,
		TemplateID: inst.TemplateID,
		At:         s.now().UTC(),
	})
}
