package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/logs"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/repository"
	"github.com/jnoller/racer/internal/swarm"
)

// RuntimeGateway is the container runtime surface the orchestrator drives.
type RuntimeGateway interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	StartInstance(ctx context.Context, name, image string, cmd []string, env []string, ports map[int]int) (docker.StartedInstance, error)
	StopInstance(ctx context.Context, containerID string, grace time.Duration) error
	RemoveInstance(ctx context.Context, containerID string) error
	InspectInstance(ctx context.Context, containerID string) (domain.RuntimeState, error)
	ListInstances(ctx context.Context) ([]domain.RuntimeState, error)
	FetchLogs(ctx context.Context, containerID string, tail int) (string, error)
	StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	WaitForStop(ctx context.Context, containerID string) (int64, error)
}

// ClusterGateway is the cluster-mode surface backing replica groups.
type ClusterGateway interface {
	Active(ctx context.Context) (bool, error)
	Init(ctx context.Context, advertiseAddr string) error
	EnsureService(ctx context.Context, spec swarm.GroupSpec) (string, error)
	Scale(ctx context.Context, name string, replicas int) error
	ServiceState(ctx context.Context, name string) (domain.GroupState, error)
	ListServices(ctx context.Context) ([]domain.GroupState, error)
	RemoveService(ctx context.Context, name string) error
	ServiceLogs(ctx context.Context, name string, tail int) (string, error)
}

// PortAllocator hands out host ports from the managed range.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// LogCollector tails instance output into bounded in-memory buffers.
type LogCollector interface {
	Attach(instanceID string, open logs.StreamFunc)
	Detach(instanceID string)
	Tail(instanceID string, n int) []string
}

// ManifestValidator checks a project directory for a deployable manifest.
type ManifestValidator interface {
	Validate(path string) (*manifest.Result, error)
}

// SourceFetcher materializes a remote repository into a local directory.
type SourceFetcher interface {
	Fetch(ctx context.Context, repoURL string) (string, error)
}

// ProbeFunc checks whether an application endpoint answers over HTTP.
type ProbeFunc func(ctx context.Context, url string) error

// Service exposes the deployment lifecycle operations served over the API.
type Service interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	Stop(ctx context.Context, identifier string) (*OpResult, error)
	Remove(ctx context.Context, identifier string) (*OpResult, error)
	Status(ctx context.Context, identifier string) (*StatusResult, error)
	Logs(ctx context.Context, identifier string, tail int) (*LogsResult, error)
	Rerun(ctx context.Context, identifier string, rebuild bool) (*RerunResult, error)
	Scale(ctx context.Context, req ScaleRequest) (*ScaleResult, error)
	ScaleUp(ctx context.Context, name string, delta int) (*ScaleResult, error)
	ScaleDown(ctx context.Context, name string, delta int) (*ScaleResult, error)
	Cleanup(ctx context.Context) (*CleanupResult, error)
	List(ctx context.Context) (*ListResult, error)
	Containers(ctx context.Context) ([]domain.Instance, error)
	Services(ctx context.Context) ([]domain.GroupState, error)
	ServiceStatus(ctx context.Context, name string) (*domain.GroupState, error)
	ServiceLogs(ctx context.Context, name string, tail int) (*LogsResult, error)
	ServiceRemove(ctx context.Context, name string) (*OpResult, error)
	Validate(path string) (*manifest.Result, error)
	ResolveContainer(ctx context.Context, identifier string) (string, error)
	Degraded() bool
}

// Options configures a Service.
type Options struct {
	Runtime   RuntimeGateway
	Cluster   ClusterGateway
	Projects  repository.ProjectRepository
	Instances repository.InstanceRepository
	Groups    repository.ReplicaGroupRepository
	Ports     PortAllocator
	Collector LogCollector
	Validator ManifestValidator
	Fetcher   SourceFetcher
	Log       *slog.Logger

	DefaultAppPort int
	StopGrace      time.Duration
	HealthPath     string
	HealthTimeout  time.Duration
	AdvertiseAddr  string
	LogTailDefault int

	// Probe overrides the HTTP health probe; nil uses a plain GET.
	Probe ProbeFunc
}

type service struct {
	runtime   RuntimeGateway
	cluster   ClusterGateway
	projects  repository.ProjectRepository
	instances repository.InstanceRepository
	groups    repository.ReplicaGroupRepository
	ports     PortAllocator
	collector LogCollector
	validator ManifestValidator
	fetcher   SourceFetcher
	log       *slog.Logger

	defaultAppPort int
	stopGrace      time.Duration
	healthPath     string
	healthTimeout  time.Duration
	advertiseAddr  string
	logTailDefault int
	probe          ProbeFunc

	degraded atomic.Bool
}

// New wires a Service. The runtime is pinged once; when unreachable the
// service starts degraded and recovers on the first successful operation.
func New(ctx context.Context, opts Options) Service {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.DefaultAppPort == 0 {
		opts.DefaultAppPort = 8000
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if opts.LogTailDefault == 0 {
		opts.LogTailDefault = 100
	}
	s := &service{
		runtime:        opts.Runtime,
		cluster:        opts.Cluster,
		projects:       opts.Projects,
		instances:      opts.Instances,
		groups:         opts.Groups,
		ports:          opts.Ports,
		collector:      opts.Collector,
		validator:      opts.Validator,
		fetcher:        opts.Fetcher,
		log:            opts.Log,
		defaultAppPort: opts.DefaultAppPort,
		stopGrace:      opts.StopGrace,
		healthPath:     opts.HealthPath,
		healthTimeout:  opts.HealthTimeout,
		advertiseAddr:  opts.AdvertiseAddr,
		logTailDefault: opts.LogTailDefault,
		probe:          opts.Probe,
	}
	if s.probe == nil {
		s.probe = s.httpProbe
	}
	if err := s.runtime.Ping(ctx); err != nil {
		s.degraded.Store(true)
		s.log.Warn("container runtime unreachable, starting degraded", "error", err)
	}
	return s
}

// Degraded reports whether the runtime was unreachable at last contact.
func (s *service) Degraded() bool {
	return s.degraded.Load()
}

// runtimeReady re-pings the runtime while degraded so connectivity recovers
// without a restart.
func (s *service) runtimeReady(ctx context.Context) error {
	if !s.degraded.Load() {
		return nil
	}
	if err := s.runtime.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnreachable, err)
	}
	s.degraded.Store(false)
	s.log.Info("container runtime connectivity restored")
	return nil
}

// Validate checks a project directory without deploying it.
func (s *service) Validate(path string) (*manifest.Result, error) {
	result, err := s.validator.Validate(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return result, nil
}

func (s *service) httpProbe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
