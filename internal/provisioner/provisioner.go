package provisioner

import "context"

// Spec describes one workload to provision.
type Spec struct {
	// Name is the unique provider resource name; re-provisioning an existing
	// name is an error at the provider.
	Name     string
	Image    string
	Port     int
	CPU      float64
	MemoryMB int64
	// Labels tag the remote resource so reconciliation can enumerate
	// everything this service created.
	Labels map[string]string
}

// Resource reports the remote state of a provisioned workload.
type Resource struct {
	Name string
	// State is the provider-reported lifecycle state: "pending", "running"
	// or "stopped".
	State string
	// Endpoint is the externally reachable address, empty until the provider
	// has assigned one.
	Endpoint string
	Labels   map[string]string
}

// Provisioner abstracts the remote compute service. Provision returns once
// the request is accepted; callers must not depend on the workload being
// immediately reachable.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Resource, error)
	Inspect(ctx context.Context, name string) (Resource, error)
	// Deprovision is idempotent: deleting a name that does not exist is a
	// success, because the reaper and a user-initiated delete may race.
	Deprovision(ctx context.Context, name string) error
	// ListManaged enumerates every remote resource this service created,
	// including ones whose registry row is gone.
	ListManaged(ctx context.Context) ([]Resource, error)
}

const (
	StatePending = "pending"
	StateRunning = "running"
	StateStopped = "stopped"
)

// Labels applied to every managed remote resource.
const (
	ManagedLabel    = "instancer.managed"
	LabelInstanceID = "instancer.instance_id"
	LabelOwnerID    = "instancer.owner_id"
	LabelTemplateID = "instancer.template_id"
)
