package swarm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
)

// servicePrefix namespaces managed services so unrelated swarm services are
// never touched.
const servicePrefix = "racer-"

const (
	healthInterval    = 30 * time.Second
	healthTimeout     = 10 * time.Second
	healthRetries     = 3
	healthStartPeriod = 60 * time.Second
	restartDelay      = 5 * time.Second
	restartMaxAttempt = uint64(3)
)

// GroupSpec describes the desired shape of a replica group.
type GroupSpec struct {
	Name        string
	Image       string
	Replicas    int
	Ports       map[int]int
	Environment map[string]string
	Command     []string
	HealthPath  string
}

// Gateway drives the runtime's cluster-mode service API.
type Gateway struct {
	cli *client.Client
	log *slog.Logger
}

// New constructs a Gateway on top of an existing Docker client.
func New(dockerClient *docker.Client, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{cli: dockerClient.Inner(), log: log}
}

// Active reports whether the local node participates in an active swarm.
func (g *Gateway) Active(ctx context.Context) (bool, error) {
	info, err := g.cli.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("docker info: %w", err)
	}
	return info.Swarm.LocalNodeState == swarmtypes.LocalNodeStateActive, nil
}

// Init puts the local node into cluster mode. Called lazily the first time a
// cluster operation is attempted while inactive.
func (g *Gateway) Init(ctx context.Context, advertiseAddr string) error {
	active, err := g.Active(ctx)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	req := swarmtypes.InitRequest{
		ListenAddr:    "0.0.0.0:2377",
		AdvertiseAddr: advertiseAddr,
	}
	nodeID, err := g.cli.SwarmInit(ctx, req)
	if err != nil {
		return fmt.Errorf("swarm init: %w", err)
	}
	g.log.Info("swarm initialized", "node_id", nodeID, "advertise_addr", advertiseAddr)
	return nil
}

func (g *Gateway) ensureActive(ctx context.Context) error {
	active, err := g.Active(ctx)
	if err != nil {
		return err
	}
	if !active {
		return ErrUnavailable
	}
	return nil
}

// EnsureService creates the replica group's backing service, or updates the
// existing one when a service with that name is already present. Returns the
// cluster-assigned service id.
func (g *Gateway) EnsureService(ctx context.Context, spec GroupSpec) (string, error) {
	if err := g.ensureActive(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("group name cannot be empty")
	}
	if spec.Replicas < 0 {
		return "", fmt.Errorf("replica count cannot be negative")
	}

	serviceSpec := buildServiceSpec(spec)
	existing, _, err := g.cli.ServiceInspectWithRaw(ctx, serviceName(spec.Name), types.ServiceInspectOptions{})
	if err == nil {
		serviceSpec.Annotations = existing.Spec.Annotations
		if _, err := g.cli.ServiceUpdate(ctx, existing.ID, existing.Version, serviceSpec, types.ServiceUpdateOptions{}); err != nil {
			return "", fmt.Errorf("service update: %w", err)
		}
		return existing.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("service inspect: %w", err)
	}

	resp, err := g.cli.ServiceCreate(ctx, serviceSpec, types.ServiceCreateOptions{})
	if err != nil {
		return "", fmt.Errorf("service create: %w", err)
	}
	for _, warn := range resp.Warnings {
		g.log.Warn("service create warning", "service", spec.Name, "warning", warn)
	}
	return resp.ID, nil
}

// Scale sets the absolute replica count for a group. Scaling to the current
// count is a no-op success; scaling to zero is valid.
func (g *Gateway) Scale(ctx context.Context, name string, replicas int) error {
	if err := g.ensureActive(ctx); err != nil {
		return err
	}
	if replicas < 0 {
		return fmt.Errorf("replica count cannot be negative")
	}
	svc, _, err := g.cli.ServiceInspectWithRaw(ctx, serviceName(name), types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("service inspect: %w", err)
	}
	target := uint64(replicas)
	if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil && *svc.Spec.Mode.Replicated.Replicas == target {
		return nil
	}
	spec := svc.Spec
	spec.Mode = swarmtypes.ServiceMode{Replicated: &swarmtypes.ReplicatedService{Replicas: &target}}
	if _, err := g.cli.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{}); err != nil {
		return fmt.Errorf("service scale: %w", err)
	}
	return nil
}

// ServiceState returns the live desired and observed state of a group.
func (g *Gateway) ServiceState(ctx context.Context, name string) (domain.GroupState, error) {
	if err := g.ensureActive(ctx); err != nil {
		return domain.GroupState{}, err
	}
	svc, _, err := g.cli.ServiceInspectWithRaw(ctx, serviceName(name), types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.GroupState{}, ErrNotFound
		}
		return domain.GroupState{}, fmt.Errorf("service inspect: %w", err)
	}
	return g.groupState(ctx, svc)
}

// ListServices returns the state of every managed replica group.
func (g *Gateway) ListServices(ctx context.Context) ([]domain.GroupState, error) {
	if err := g.ensureActive(ctx); err != nil {
		return nil, err
	}
	services, err := g.cli.ServiceList(ctx, types.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("service list: %w", err)
	}
	states := make([]domain.GroupState, 0, len(services))
	for _, svc := range services {
		if !strings.HasPrefix(svc.Spec.Name, servicePrefix) {
			continue
		}
		state, err := g.groupState(ctx, svc)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// RemoveService deletes the group's backing service.
func (g *Gateway) RemoveService(ctx context.Context, name string) error {
	if err := g.ensureActive(ctx); err != nil {
		return err
	}
	if err := g.cli.ServiceRemove(ctx, serviceName(name)); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("service remove: %w", err)
	}
	return nil
}

// ServiceLogs fetches aggregated log output across all replicas.
func (g *Gateway) ServiceLogs(ctx context.Context, name string, tail int) (string, error) {
	if err := g.ensureActive(ctx); err != nil {
		return "", err
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := g.cli.ServiceLogs(ctx, serviceName(name), opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("service logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demux service logs: %w", err)
	}
	return buf.String(), nil
}

func (g *Gateway) groupState(ctx context.Context, svc swarmtypes.Service) (domain.GroupState, error) {
	state := domain.GroupState{
		ServiceID: svc.ID,
		Name:      strings.TrimPrefix(svc.Spec.Name, servicePrefix),
		CreatedAt: svc.CreatedAt,
		UpdatedAt: svc.UpdatedAt,
		Ports:     make(map[int]int),
	}
	if svc.Spec.TaskTemplate.ContainerSpec != nil {
		state.Image = svc.Spec.TaskTemplate.ContainerSpec.Image
	}
	if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil {
		state.DesiredReplicas = int(*svc.Spec.Mode.Replicated.Replicas)
	}
	for _, port := range svc.Endpoint.Ports {
		if port.PublishedPort > 0 {
			state.Ports[int(port.PublishedPort)] = int(port.TargetPort)
		}
	}

	tasks, err := g.cli.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", svc.ID)),
	})
	if err != nil {
		return domain.GroupState{}, fmt.Errorf("task list: %w", err)
	}
	for _, task := range tasks {
		if task.Status.State == swarmtypes.TaskStateRunning {
			state.RunningReplicas++
		}
	}
	if state.RunningReplicas > 0 {
		state.Status = "running"
	} else {
		state.Status = "stopped"
	}
	return state, nil
}

func buildServiceSpec(spec GroupSpec) swarmtypes.ServiceSpec {
	replicas := uint64(spec.Replicas)
	delay := restartDelay
	attempts := restartMaxAttempt

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	appPort := 8000
	ports := make([]swarmtypes.PortConfig, 0, len(spec.Ports))
	for host, cont := range spec.Ports {
		appPort = cont
		ports = append(ports, swarmtypes.PortConfig{
			Protocol:      swarmtypes.PortConfigProtocolTCP,
			TargetPort:    uint32(cont),
			PublishedPort: uint32(host),
			PublishMode:   swarmtypes.PortConfigPublishModeIngress,
		})
	}

	probePath := spec.HealthPath
	if probePath == "" {
		probePath = "/health"
	}

	return swarmtypes.ServiceSpec{
		Annotations: swarmtypes.Annotations{Name: serviceName(spec.Name)},
		TaskTemplate: swarmtypes.TaskSpec{
			ContainerSpec: &swarmtypes.ContainerSpec{
				Image:   spec.Image,
				Command: spec.Command,
				Env:     env,
				Healthcheck: &container.HealthConfig{
					Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -f http://localhost:%d%s || exit 1", appPort, probePath)},
					Interval:    healthInterval,
					Timeout:     healthTimeout,
					Retries:     healthRetries,
					StartPeriod: healthStartPeriod,
				},
			},
			RestartPolicy: &swarmtypes.RestartPolicy{
				Condition:   swarmtypes.RestartPolicyConditionOnFailure,
				Delay:       &delay,
				MaxAttempts: &attempts,
			},
		},
		Mode:         swarmtypes.ServiceMode{Replicated: &swarmtypes.ReplicatedService{Replicas: &replicas}},
		EndpointSpec: &swarmtypes.EndpointSpec{Ports: ports},
	}
}

func serviceName(name string) string {
	if strings.HasPrefix(name, servicePrefix) {
		return name
	}
	return servicePrefix + name
}
