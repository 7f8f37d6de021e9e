package docker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/ctflabs/instancer/internal/provisioner"
)

const endpointPollInterval = 200 * time.Millisecond
const endpointPollAttempts = 10

// Provisioner provisions challenge containers through the Docker daemon.
type Provisioner struct {
	inner      *client.Client
	publicHost string
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a Docker-backed provisioner using environment defaults.
// publicHost is the address participants reach containers on.
func New(host, publicHost string) (*Provisioner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if publicHost == "" {
		publicHost = "localhost"
	}
	return &Provisioner{inner: inner, publicHost: publicHost}, nil
}

// Ping validates connectivity to the Docker daemon.
func (p *Provisioner) Ping(ctx context.Context) error {
	if p == nil || p.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := p.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Provision creates and starts a container for the given spec, publishing the
// template port on an ephemeral host port. It returns once the container has
// started; the endpoint is best effort and may still be empty.
func (p *Provisioner) Provision(ctx context.Context, spec provisioner.Spec) (provisioner.Resource, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return provisioner.Resource{}, fmt.Errorf("resource name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return provisioner.Resource{}, fmt.Errorf("image name cannot be empty")
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return provisioner.Resource{}, fmt.Errorf("invalid port %d: %w", spec.Port, err)
	}

	labels := map[string]string{provisioner.ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}
	if spec.CPU > 0 {
		hostCfg.NanoCPUs = int64(spec.CPU * 1e9)
	}
	if spec.MemoryMB > 0 {
		hostCfg.Memory = spec.MemoryMB * 1024 * 1024
	}

	created, err := p.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return provisioner.Resource{}, fmt.Errorf("container create: %w", err)
	}
	if err := p.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return provisioner.Resource{}, fmt.Errorf("container start: %w", err)
	}

	endpoint := p.awaitEndpoint(ctx, created.ID, port)
	state := provisioner.StatePending
	if endpoint != "" {
		state = provisioner.StateRunning
	}
	return provisioner.Resource{Name: spec.Name, State: state, Endpoint: endpoint, Labels: labels}, nil
}

// awaitEndpoint polls briefly for the published host port. Readiness is best
// effort: an empty result is not an error.
func (p *Provisioner) awaitEndpoint(ctx context.Context, containerID string, port nat.Port) string {
	for attempt := 0; attempt < endpointPollAttempts; attempt++ {
		inspect, err := p.inner.ContainerInspect(ctx, containerID)
		if err != nil {
			return ""
		}
		if ep := p.endpointFor(inspect.NetworkSettings, port); ep != "" {
			return ep
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(endpointPollInterval):
		}
	}
	return ""
}

// Inspect reports the remote state of a named container.
func (p *Provisioner) Inspect(ctx context.Context, name string) (provisioner.Resource, error) {
	inspect, err := p.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return provisioner.Resource{}, fmt.Errorf("inspect %s: %w", name, err)
		}
		return provisioner.Resource{}, fmt.Errorf("container inspect: %w", err)
	}
	res := provisioner.Resource{Name: strings.TrimPrefix(inspect.Name, "/"), State: provisioner.StateStopped}
	if inspect.Config != nil {
		res.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		switch {
		case inspect.State.Running:
			res.State = provisioner.StateRunning
		case inspect.State.Status == "created":
			res.State = provisioner.StatePending
		}
	}
	res.Endpoint = p.firstEndpoint(inspect.NetworkSettings)
	return res, nil
}

// Deprovision force-removes the container. A missing container is a success,
// not an error.
func (p *Provisioner) Deprovision(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("resource name cannot be empty")
	}
	if err := p.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManaged enumerates every container carrying the managed label,
// including stopped ones.
func (p *Provisioner) ListManaged(ctx context.Context) ([]provisioner.Resource, error) {
	args := filters.NewArgs(filters.Arg("label", provisioner.ManagedLabel+"=true"))
	containers, err := p.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	resources := make([]provisioner.Resource, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(c.ID, "/")
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		state := provisioner.StateStopped
		if c.State == "running" {
			state = provisioner.StateRunning
		}
		resources = append(resources, provisioner.Resource{Name: name, State: state, Labels: c.Labels})
	}
	return resources, nil
}

// Close releases resources held by the Docker client.
func (p *Provisioner) Close() error {
	if p.inner == nil {
		return nil
	}
	return p.inner.Close()
}

func (p *Provisioner) endpointFor(settings *types.NetworkSettings, port nat.Port) string {
	if settings == nil || settings.Ports == nil {
		return ""
	}
	for _, binding := range settings.Ports[port] {
		if strings.TrimSpace(binding.HostPort) != "" {
			return net.JoinHostPort(p.publicHost, binding.HostPort)
		}
	}
	return ""
}

func (p *Provisioner) firstEndpoint(settings *types.NetworkSettings) string {
	if settings == nil || settings.Ports == nil {
		return ""
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return net.JoinHostPort(p.publicHost, binding.HostPort)
			}
		}
	}
	return ""
}
