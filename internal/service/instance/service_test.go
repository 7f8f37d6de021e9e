package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ctflabs/instancer/internal/domain"
	"github.com/ctflabs/instancer/internal/provisioner"
	"github.com/ctflabs/instancer/internal/repository"
)

type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
	commitErr error
	deleteErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: make(map[string]*domain.Instance)}
}

func (f *fakeRegistry) Reserve(ctx context.Context, res repository.Reservation) (*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	active := 0
	for _, inst := range f.instances {
		if inst.Status.Active() {
			active++
			if inst.OwnerID == res.OwnerID && inst.TemplateID == res.TemplateID {
				return nil, repository.ErrDuplicateActiveInstance
			}
		}
	}
	if res.MaxInstances > 0 && active >= res.MaxInstances {
		return nil, &repository.CapacityError{Active: active, Max: res.MaxInstances}
	}
	inst := &domain.Instance{
		ID:         res.ID,
		OwnerID:    res.OwnerID,
		TemplateID: res.TemplateID,
		Status:     domain.StatusCreating,
		CreatedAt:  res.CreatedAt,
		ExpiresAt:  res.ExpiresAt,
	}
	f.instances[inst.ID] = inst
	copied := *inst
	return &copied, nil
}

func (f *fakeRegistry) Commit(ctx context.Context, id, providerResourceName, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	inst, ok := f.instances[id]
	if !ok || inst.Status != domain.StatusCreating {
		return repository.ErrNotFound
	}
	inst.Status = domain.StatusRunning
	inst.ProviderResourceName = providerResourceName
	inst.Endpoint = endpoint
	return nil
}

func (f *fakeRegistry) MarkFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.Status != domain.StatusCreating {
		return repository.ErrNotFound
	}
	inst.Status = domain.StatusFailed
	return nil
}

func (f *fakeRegistry) MarkDeleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Status = domain.StatusDeleted
	return nil
}

func (f *fakeRegistry) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (f *fakeRegistry) ListByOwner(ctx context.Context, ownerID string) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Instance
	for _, inst := range f.instances {
		if inst.OwnerID == ownerID && inst.Status != domain.StatusDeleted {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListActive(ctx context.Context) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Instance
	for _, inst := range f.instances {
		if inst.Status.Active() {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListExpired(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Instance
	for _, inst := range f.instances {
		if inst.Status.Active() && inst.Expired(now) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (f *fakeRegistry) CountActive(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, inst := range f.instances {
		if inst.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (f *fakeRegistry) GetActiveStats(ctx context.Context) (*repository.ActiveStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &repository.ActiveStats{
		ByTemplate: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	owners := make(map[string]struct{})
	for _, inst := range f.instances {
		if !inst.Status.Active() {
			continue
		}
		stats.Total++
		stats.ByTemplate[inst.TemplateID]++
		stats.ByStatus[string(inst.Status)]++
		owners[inst.OwnerID] = struct{}{}
	}
	stats.Owners = len(owners)
	return stats, nil
}

func (f *fakeRegistry) status(id string) domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return ""
	}
	return inst.Status
}

type fakeGateway struct {
	mu               sync.Mutex
	provisionErr     error
	deprovisionErr   error
	provisionCalls   int
	deprovisionCalls int
	deprovisioned    []string
	managed          []provisioner.Resource
}

func (f *fakeGateway) Provision(ctx context.Context, spec provisioner.Spec) (provisioner.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	if f.provisionErr != nil {
		return provisioner.Resource{}, f.provisionErr
	}
	return provisioner.Resource{
		Name:     spec.Name,
		State:    provisioner.StateRunning,
		Endpoint: "localhost:40001",
		Labels:   spec.Labels,
	}, nil
}

func (f *fakeGateway) Inspect(ctx context.Context, name string) (provisioner.Resource, error) {
	return provisioner.Resource{Name: name, State: provisioner.StateRunning}, nil
}

func (f *fakeGateway) Deprovision(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisionCalls++
	if f.deprovisionErr != nil {
		return f.deprovisionErr
	}
	f.deprovisioned = append(f.deprovisioned, name)
	return nil
}

func (f *fakeGateway) ListManaged(ctx context.Context) ([]provisioner.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provisioner.Resource(nil), f.managed...), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.InstanceEvent
}

func (r *recordingSink) Publish(event domain.InstanceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) typesSeen() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func testCatalog() domain.Catalog {
	return domain.Catalog{
		"eaas":     {ID: "eaas", Name: "Echo as a Service", Image: "ctflabs/eaas:latest", Port: 1337},
		"vuln-app": {ID: "vuln-app", Name: "Vulnerable Web App", Image: "ctflabs/vuln-app:latest", Port: 8080},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo repository.InstanceRepository, gw provisioner.Provisioner, sink EventSink, opts Options) Service {
	if opts.MaxInstances == 0 {
		opts.MaxInstances = 10
	}
	if opts.InstanceTTL == 0 {
		opts.InstanceTTL = 15 * time.Minute
	}
	return New(repo, gw, testCatalog(), sink, testLogger(), opts)
}

func TestCreateEnforcesCapUnderConcurrency(t *testing.T) {
	repo := newFakeRegistry()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, nil, Options{MaxInstances: 2})

	const attempts = 3
	owners := []string{"owner-a", "owner-b", "owner-c"}
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := svc.Create(context.Background(), owner, "eaas")
			results <- err
		}(owners[i])
	}
	wg.Wait()
	close(results)

	succeeded, capacityErrs := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var capErr *repository.CapacityError
			if !errors.As(err, &capErr) {
				t.Fatalf("unexpected error: %v", err)
			}
			if capErr.Max != 2 {
				t.Fatalf("expected max 2 in capacity error, got %d", capErr.Max)
			}
			capacityErrs++
		}
	}
	if succeeded != 2 {
		t.Fatalf("expected exactly 2 successful creates, got %d", succeeded)
	}
	if capacityErrs != 1 {
		t.Fatalf("expected exactly 1 capacity rejection, got %d", capacityErrs)
	}
	if count, _ := repo.CountActive(context.Background()); count != 2 {
		t.Fatalf("expected 2 active instances, got %d", count)
	}
}

func TestCreateRejectsDuplicateActiveInstance(t *testing.T) {
	repo := newFakeRegistry()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, nil, Options{})

	if _, err := svc.Create(context.Background(), "owner-a", "eaas"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := svc.Create(context.Background(), "owner-a", "eaas")
	if !errors.Is(err, repository.ErrDuplicateActiveInstance) {
		t.Fatalf("expected ErrDuplicateActiveInstance, got %v", err)
	}

	// A different template for the same owner is still allowed.
	if _, err := svc.Create(context.Background(), "owner-a", "vuln-app"); err != nil {
		t.Fatalf("create for second template failed: %v", err)
	}
}

func TestCreateUnknownTemplate(t *testing.T) {
	repo := newFakeRegistry()
	svc := newTestService(repo, &fakeGateway{}, nil, Options{})

	_, err := svc.Create(context.Background(), "owner-a", "nope")
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
	if count, _ := repo.CountActive(context.Background()); count != 0 {
		t.Fatalf("expected no reservations for unknown template, got %d", count)
	}
}

func TestCreateProvisionFailureReleasesCapacity(t *testing.T) {
	repo := newFakeRegistry()
	gw := &fakeGateway{provisionErr: errors.New("image pull failed")}
	sink := &recordingSink{}
	svc := newTestService(repo, gw, sink, Options{MaxInstances: 1})

	_, err := svc.Create(context.Background(), "owner-a", "eaas")
	var provErr *ProvisionError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}

	// The failed reservation no longer holds the slot; no automatic retry
	// happened, the caller decides.
	if gw.provisionCalls != 1 {
		t.Fatalf("expected a single provision attempt, got %d", gw.provisionCalls)
	}
	if count, _ := repo.CountActive(context.Background()); count != 0 {
		t.Fatalf("expected failed reservation to release capacity, got %d active", count)
	}

	gw.provisionErr = nil
	if _, err := svc.Create(context.Background(), "owner-a", "eaas"); err != nil {
		t.Fatalf("create after failure should succeed: %v", err)
	}

	types := sink.typesSeen()
	if len(types) != 2 || types[0] != domain.EventFailed || types[1] != domain.EventCreated {
		t.Fatalf("expected [failed created] events, got %v", types)
	}
}

func TestCreateCommitFailureDeprovisions(t *testing.T) {
	repo := newFakeRegistry()
	repo.commitErr = errors.New("connection reset")
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, nil, Options{})

	_, err := svc.Create(context.Background(), "owner-a", "eaas")
	if err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if gw.deprovisionCalls != 1 {
		t.Fatalf("expected orphaned resource to be deprovisioned, got %d calls", gw.deprovisionCalls)
	}
	if count, _ := repo.CountActive(context.Background()); count != 0 {
		t.Fatalf("expected no active instances after commit failure, got %d", count)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	repo := newFakeRegistry()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, nil, Options{})

	inst, err := svc.Create(context.Background(), "owner-a", "eaas")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := svc.Delete(context.Background(), "owner-a", inst.ID); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := svc.Delete(context.Background(), "owner-a", inst.ID); err != nil {
		t.Fatalf("second delete should be a no-op success, got %v", err)
	}
	if gw.deprovisionCalls != 1 {
		t.Fatalf("expected a single deprovision, got %d", gw.deprovisionCalls)
	}
	if repo.status(inst.ID) != domain.StatusDeleted {
		t.Fatalf("expected deleted status, got %s", repo.status(inst.ID))
	}
}

func TestDeleteScopedToOwner(t *testing.T) {
	repo := newFakeRegistry()
	svc := newTestService(repo, &fakeGateway{}, nil, Options{})

	inst, err := svc.Create(context.Background(), "owner-a", "eaas")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := svc.Delete(context.Background(), "owner-b", inst.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if repo.status(inst.ID) != domain.StatusRunning {
		t.Fatalf("instance should be untouched, got %s", repo.status(inst.ID))
	}

	// Admin delete ignores ownership.
	if err := svc.AdminDelete(context.Background(), inst.ID); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
}

func TestDeleteMarksDeletedDespiteDeprovisionError(t *testing.T) {
	repo := newFakeRegistry()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, nil, Options{})

	inst, err := svc.Create(context.Background(), "owner-a", "eaas")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	gw.deprovisionErr = errors.New("daemon unavailable")
	err = svc.Delete(context.Background(), "owner-a", inst.ID)
	if err == nil {
		t.Fatal("expected deprovision error to surface")
	}
	if repo.status(inst.ID) != domain.StatusDeleted {
		t.Fatalf("row must be marked deleted even when deprovision fails, got %s", repo.status(inst.ID))
	}
}

func TestStatsCapacityFlags(t *testing.T) {
	repo := newFakeRegistry()
	svc := newTestService(repo, &fakeGateway{}, nil, Options{MaxInstances: 4, WarnThreshold: 3})

	for _, owner := range []string{"o1", "o2", "o3"} {
		if _, err := svc.Create(context.Background(), owner, "eaas"); err != nil {
			t.Fatalf("create for %s failed: %v", owner, err)
		}
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Active != 3 || stats.Capacity != 4 || stats.Available != 1 {
		t.Fatalf("unexpected usage numbers: %+v", stats)
	}
	if !stats.NearCapacity || stats.AtCapacity {
		t.Fatalf("expected near but not at capacity: %+v", stats)
	}
	if stats.UsagePercent != 75.0 {
		t.Fatalf("expected 75%% usage, got %v", stats.UsagePercent)
	}
	if stats.ByTemplate["eaas"] != 3 {
		t.Fatalf("expected 3 eaas instances in breakdown, got %d", stats.ByTemplate["eaas"])
	}

	if _, err := svc.Create(context.Background(), "o4", "eaas"); err != nil {
		t.Fatalf("create for o4 failed: %v", err)
	}
	stats, err = svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !stats.AtCapacity || stats.Available != 0 {
		t.Fatalf("expected at capacity: %+v", stats)
	}
}
