package reaper

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/ctflabs/instancer/internal/domain"
	"github.com/ctflabs/instancer/internal/provisioner"
	"github.com/ctflabs/instancer/internal/repository"
)

const (
	defaultInterval = 30 * time.Second
	cycleTimeout    = 60 * time.Second
	callTimeout     = 15 * time.Second
)

// EventSink receives lifecycle events for streaming to dashboards.
type EventSink interface {
	Publish(event domain.InstanceEvent)
}

// Reaper reclaims instances past their time-to-live and reconciles remote
// resources that have lost their registry row. It is best effort: per-item
// failures are logged and retried on the next cycle, never propagated.
type Reaper struct {
	instances repository.InstanceRepository
	gateway   provisioner.Provisioner
	events    EventSink
	logger    *slog.Logger
	interval  time.Duration

	now func() time.Time
}

// New constructs a Reaper. It returns nil when no registry is configured.
func New(instances repository.InstanceRepository, gateway provisioner.Provisioner, events EventSink, logger *slog.Logger, interval time.Duration) *Reaper {
	if instances == nil || gateway == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "reaper")
	}
	return &Reaper{
		instances: instances,
		gateway:   gateway,
		events:    events,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Run executes the reap loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// ReapNow runs one cycle on demand and reports how many instances were
// reclaimed. Used by the admin cleanup endpoint.
func (r *Reaper) ReapNow(ctx context.Context) int {
	if r == nil {
		return 0
	}
	return r.runCycle(ctx)
}

func (r *Reaper) runCycle(parent context.Context) int {
	timeout := cycleTimeout
	if r.interval > 0 && r.interval > timeout {
		timeout = r.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	reaped := r.reapExpired(opCtx)
	r.reconcile(opCtx)
	return reaped
}

// reapExpired drives every expired instance through the deletion path. Each
// instance's cleanup is independent: one failure never stops the cycle.
func (r *Reaper) reapExpired(ctx context.Context) int {
	now := r.now().UTC()
	expired, err := r.instances.ListExpired(ctx, now)
	if err != nil {
		r.logger.Warn("failed to list expired instances", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	reaped := 0
	for _, inst := range expired {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("reap cycle interrupted", "error", err)
			break
		}
		if r.reapOne(ctx, inst) {
			reaped++
		}
	}
	r.logger.Info("reap cycle complete", "expired", len(expired), "reaped", reaped)
	return reaped
}

func (r *Reaper) reapOne(ctx context.Context, inst domain.Instance) bool {
	if inst.ProviderResourceName != "" {
		depCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := r.gateway.Deprovision(depCtx, inst.ProviderResourceName)
		cancel()
		if err != nil {
			// Best effort: the row is still marked Deleted and the remote
			// resource is retried by reconciliation on a later cycle.
			r.logger.Warn("deprovision failed during reap", "instance_id", inst.ID, "resource", inst.ProviderResourceName, "error", err)
		}
	}
	if err := r.instances.MarkDeleted(ctx, inst.ID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("failed to mark reaped instance deleted", "instance_id", inst.ID, "error", err)
		}
		return false
	}
	r.logger.Info("instance reaped", "instance_id", inst.ID, "owner_id", inst.OwnerID, "expired_at", inst.ExpiresAt)
	if r.events != nil {
		r.events.Publish(domain.InstanceEvent{
			Type:       domain.EventReaped,
			InstanceID: inst.ID,
			OwnerID:    inst.OwnerID,
			TemplateID: inst.TemplateID,
			At:         r.now().UTC(),
		})
	}
	return true
}

// reconcile removes managed remote resources whose registry row is terminal
// or missing, resolving divergence left by best-effort deletes.
func (r *Reaper) reconcile(ctx context.Context) {
	resources, err := r.gateway.ListManaged(ctx)
	if err != nil {
		r.logger.Warn("failed to list managed resources", "error", err)
		return
	}
	if len(resources) == 0 {
		return
	}

	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return
		}
		instanceID := res.Labels[provisioner.LabelInstanceID]
		if instanceID != "" {
			inst, err := r.instances.GetInstance(ctx, instanceID)
			if err == nil && inst.Status.Active() {
				continue
			}
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				r.logger.Warn("failed to look up instance during reconcile", "instance_id", instanceID, "error", err)
				continue
			}
		}
		depCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := r.gateway.Deprovision(depCtx, res.Name)
		cancel()
		if err != nil {
			r.logger.Warn("failed to deprovision orphaned resource", "resource", res.Name, "error", err)
			continue
		}
		r.logger.Info("orphaned resource reclaimed", "resource", res.Name, "instance_id", instanceID)
	}
}
