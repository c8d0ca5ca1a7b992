package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/logs"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/repository"
	"github.com/jnoller/racer/internal/swarm"
)

type fakeContainer struct {
	id     string
	name   string
	image  string
	status string
	ports  map[int]int
}

type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	pingErr    error
	buildErr   error
	startErr   error
	inspectErr error
	built      []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (r *fakeRuntime) Ping(ctx context.Context) error { return r.pingErr }

func (r *fakeRuntime) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildErr != nil {
		return r.buildErr
	}
	r.built = append(r.built, tag)
	return nil
}

func (r *fakeRuntime) StartInstance(ctx context.Context, name, image string, cmd []string, env []string, ports map[int]int) (docker.StartedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return docker.StartedInstance{}, r.startErr
	}
	r.seq++
	id := fmt.Sprintf("%016x%016x", r.seq, r.seq)
	r.containers[id] = &fakeContainer{id: id, name: name, image: image, status: "running", ports: ports}
	return docker.StartedInstance{ContainerID: id, ContainerName: name, Ports: ports}, nil
}

func (r *fakeRuntime) StopInstance(ctx context.Context, containerID string, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[containerID]
	if !ok {
		return docker.ErrNotFound
	}
	c.status = "exited"
	return nil
}

func (r *fakeRuntime) RemoveInstance(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		return docker.ErrNotFound
	}
	delete(r.containers, containerID)
	return nil
}

func (r *fakeRuntime) InspectInstance(ctx context.Context, containerID string) (domain.RuntimeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inspectErr != nil {
		return domain.RuntimeState{}, r.inspectErr
	}
	c, ok := r.containers[containerID]
	if !ok {
		return domain.RuntimeState{}, docker.ErrNotFound
	}
	return domain.RuntimeState{
		ContainerID:   c.id,
		ContainerName: c.name,
		Image:         c.image,
		Status:        c.status,
		Ports:         c.ports,
	}, nil
}

func (r *fakeRuntime) ListInstances(ctx context.Context) ([]domain.RuntimeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RuntimeState, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, domain.RuntimeState{ContainerID: c.id, ContainerName: c.name, Status: c.status, Ports: c.ports})
	}
	return out, nil
}

func (r *fakeRuntime) FetchLogs(ctx context.Context, containerID string, tail int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		return "", docker.ErrNotFound
	}
	return "log output", nil
}

func (r *fakeRuntime) StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (r *fakeRuntime) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	return 0, nil
}

func (r *fakeRuntime) container(id string) *fakeContainer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containers[id]
}

func (r *fakeRuntime) addContainer(id, name, status string, ports map[int]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[id] = &fakeContainer{id: id, name: name, image: "img:latest", status: status, ports: ports}
}

type fakeCluster struct {
	mu        sync.Mutex
	active    bool
	seq       int
	services  map[string]swarm.GroupSpec
	ids       map[string]string
	ensureErr error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{services: make(map[string]swarm.GroupSpec), ids: make(map[string]string)}
}

func (c *fakeCluster) Active(ctx context.Context) (bool, error) { return c.active, nil }

func (c *fakeCluster) Init(ctx context.Context, advertiseAddr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	return nil
}

func (c *fakeCluster) EnsureService(ctx context.Context, spec swarm.GroupSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensureErr != nil {
		return "", c.ensureErr
	}
	if !c.active {
		return "", swarm.ErrUnavailable
	}
	c.services[spec.Name] = spec
	if _, ok := c.ids[spec.Name]; !ok {
		c.seq++
		c.ids[spec.Name] = fmt.Sprintf("svc%d", c.seq)
	}
	return c.ids[spec.Name], nil
}

func (c *fakeCluster) Scale(ctx context.Context, name string, replicas int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return swarm.ErrUnavailable
	}
	spec, ok := c.services[name]
	if !ok {
		return swarm.ErrNotFound
	}
	spec.Replicas = replicas
	c.services[name] = spec
	return nil
}

func (c *fakeCluster) ServiceState(ctx context.Context, name string) (domain.GroupState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return domain.GroupState{}, swarm.ErrUnavailable
	}
	spec, ok := c.services[name]
	if !ok {
		return domain.GroupState{}, swarm.ErrNotFound
	}
	status := "running"
	if spec.Replicas == 0 {
		status = "stopped"
	}
	return domain.GroupState{
		ServiceID:       c.ids[name],
		Name:            name,
		Image:           spec.Image,
		DesiredReplicas: spec.Replicas,
		RunningReplicas: spec.Replicas,
		Ports:           spec.Ports,
		Status:          status,
	}, nil
}

func (c *fakeCluster) ListServices(ctx context.Context) ([]domain.GroupState, error) {
	c.mu.Lock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	active := c.active
	c.mu.Unlock()
	if !active {
		return nil, swarm.ErrUnavailable
	}
	out := make([]domain.GroupState, 0, len(names))
	for _, name := range names {
		state, err := c.ServiceState(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (c *fakeCluster) RemoveService(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return swarm.ErrUnavailable
	}
	if _, ok := c.services[name]; !ok {
		return swarm.ErrNotFound
	}
	delete(c.services, name)
	return nil
}

func (c *fakeCluster) ServiceLogs(ctx context.Context, name string, tail int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return "", swarm.ErrUnavailable
	}
	if _, ok := c.services[name]; !ok {
		return "", swarm.ErrNotFound
	}
	return "service log output", nil
}

type fakeStore struct {
	mu        sync.Mutex
	projects  map[string]*domain.Project
	instances map[string]*domain.Instance
	order     []string
	groups    map[string]*domain.ReplicaGroup
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:  make(map[string]*domain.Project),
		instances: make(map[string]*domain.Instance),
		groups:    make(map[string]*domain.ReplicaGroup),
	}
}

func (f *fakeStore) CreateProject(ctx context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) FindProjectByIDPrefix(ctx context.Context, prefix string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.projects {
		if strings.HasPrefix(id, prefix) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[p.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.projects, id)
	return nil
}

func (f *fakeStore) CreateInstance(ctx context.Context, in *domain.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *in
	f.instances[in.ContainerID] = &cp
	f.order = append(f.order, in.ContainerID)
	return nil
}

func (f *fakeStore) GetInstanceByContainerID(ctx context.Context, containerID string) (*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.instances[containerID]; ok {
		cp := *in
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) FindInstanceByContainerIDPrefix(ctx context.Context, prefix string) (*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, in := range f.instances {
		if strings.HasPrefix(id, prefix) {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Instance, 0, len(f.instances))
	for _, id := range f.order {
		if in, ok := f.instances[id]; ok {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (f *fakeStore) ListInstancesByProject(ctx context.Context, projectID string) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Instance, 0)
	for _, id := range f.order {
		if in, ok := f.instances[id]; ok && in.ProjectID == projectID {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (f *fakeStore) ListInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Instance, 0)
	for _, id := range f.order {
		if in, ok := f.instances[id]; ok && in.Status == status {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateInstanceStatus(ctx context.Context, containerID string, status domain.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.instances[containerID]
	if !ok {
		return repository.ErrNotFound
	}
	in.Status = status
	if status == domain.InstanceStopped && in.StoppedAt == nil {
		now := time.Now().UTC()
		in.StoppedAt = &now
	}
	return nil
}

func (f *fakeStore) DeleteInstance(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[containerID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.instances, containerID)
	return nil
}

func (f *fakeStore) PurgeStoppedInstances(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	purged := 0
	for id, in := range f.instances {
		if in.Status == domain.InstanceStopped {
			delete(f.instances, id)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeStore) CreateReplicaGroup(ctx context.Context, g *domain.ReplicaGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *g
	f.groups[g.Name] = &cp
	return nil
}

func (f *fakeStore) GetReplicaGroupByName(ctx context.Context, name string) (*domain.ReplicaGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[name]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetReplicaGroupByServiceID(ctx context.Context, serviceID string) (*domain.ReplicaGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.ServiceID == serviceID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListReplicaGroups(ctx context.Context) ([]domain.ReplicaGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ReplicaGroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeStore) UpdateReplicaGroup(ctx context.Context, g *domain.ReplicaGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, existing := range f.groups {
		if existing.ID == g.ID {
			cp := *g
			f.groups[name] = &cp
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeStore) DeleteReplicaGroup(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, g := range f.groups {
		if g.ID == id {
			delete(f.groups, name)
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakePorts struct {
	mu       sync.Mutex
	next     int
	released []int
}

func (p *fakePorts) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == 0 {
		p.next = 8000
	}
	port := p.next
	p.next++
	return port, nil
}

func (p *fakePorts) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, port)
}

type fakeCollector struct {
	mu       sync.Mutex
	attached map[string]bool
	lines    map[string][]string
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{attached: make(map[string]bool), lines: make(map[string][]string)}
}

func (c *fakeCollector) Attach(instanceID string, open logs.StreamFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[instanceID] = true
}

func (c *fakeCollector) Detach(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, instanceID)
}

func (c *fakeCollector) Tail(instanceID string, n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines[instanceID]
}

type fakeValidator struct {
	name string
	err  error
}

func (v *fakeValidator) Validate(path string) (*manifest.Result, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &manifest.Result{Valid: true, ProjectName: v.name, ResolvedPath: path}, nil
}

type fakeFetcher struct {
	dir string
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, repoURL string) (string, error) {
	return f.dir, f.err
}

type fixture struct {
	runtime   *fakeRuntime
	cluster   *fakeCluster
	store     *fakeStore
	ports     *fakePorts
	collector *fakeCollector
	svc       Service
}

func newFixture(t *testing.T, projectName string) *fixture {
	t.Helper()
	f := &fixture{
		runtime:   newFakeRuntime(),
		cluster:   newFakeCluster(),
		store:     newFakeStore(),
		ports:     &fakePorts{},
		collector: newFakeCollector(),
	}
	f.svc = New(context.Background(), Options{
		Runtime:   f.runtime,
		Cluster:   f.cluster,
		Projects:  f.store,
		Instances: f.store,
		Groups:    f.store,
		Ports:     f.ports,
		Collector: f.collector,
		Validator: &fakeValidator{name: projectName},
		Fetcher:   &fakeFetcher{},
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Probe:     func(ctx context.Context, url string) error { return nil },
	})
	return f
}

func TestRunFreshDeployment(t *testing.T) {
	f := newFixture(t, "demo")

	result, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if !strings.HasPrefix(result.Instance.ContainerName, "demo-") {
		t.Fatalf("unexpected container name %q", result.Instance.ContainerName)
	}
	if len(result.Instance.Ports) != 1 {
		t.Fatalf("expected exactly one port mapping, got %v", result.Instance.Ports)
	}
	if result.Project == nil || result.Project.Name != "demo" {
		t.Fatalf("expected project record, got %+v", result.Project)
	}

	stored, err := f.store.GetInstanceByContainerID(context.Background(), result.Instance.ContainerID)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if stored.Status != domain.InstanceRunning {
		t.Fatalf("expected running record, got %s", stored.Status)
	}
	if stored.ProjectID != result.Project.ID {
		t.Fatal("instance record not linked to project")
	}
	if !f.collector.attached[result.Instance.ContainerID] {
		t.Fatal("log collector not attached")
	}
	if len(f.runtime.built) != 1 {
		t.Fatalf("expected one image build, got %v", f.runtime.built)
	}
}

func TestRunRequiresSource(t *testing.T) {
	f := newFixture(t, "demo")

	_, err := f.svc.Run(context.Background(), RunRequest{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRunBuildFailure(t *testing.T) {
	f := newFixture(t, "demo")
	f.runtime.buildErr = errors.New("step 3 failed")

	_, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()})
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
}

func TestRunStartFailureReleasesPort(t *testing.T) {
	f := newFixture(t, "demo")
	f.runtime.startErr = errors.New("no such image")

	_, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()})
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if len(f.ports.released) != 1 {
		t.Fatalf("allocated port was not released, released=%v", f.ports.released)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, "demo")
	run, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.svc.Stop(context.Background(), run.Instance.ContainerID)
	if err != nil || !first.Success {
		t.Fatalf("first stop failed: %v", err)
	}
	second, err := f.svc.Stop(context.Background(), run.Instance.ContainerID)
	if err != nil || !second.Success {
		t.Fatalf("second stop failed: %v", err)
	}

	stored, err := f.store.GetInstanceByContainerID(context.Background(), run.Instance.ContainerID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.InstanceStopped {
		t.Fatalf("expected stopped, got %s", stored.Status)
	}
}

func TestStopUnknownIdentifier(t *testing.T) {
	f := newFixture(t, "demo")

	_, err := f.svc.Stop(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopAdoptsUntrackedContainer(t *testing.T) {
	f := newFixture(t, "demo")
	f.runtime.addContainer("feedfacefeedface", "orphan-1700000000-abcdef01", "running", map[int]int{8005: 8000})

	result, err := f.svc.Stop(context.Background(), "feedfacefeedface")
	if err != nil {
		t.Fatalf("adopting stop failed: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if f.runtime.container("feedfacefeedface").status != "exited" {
		t.Fatal("container was not stopped")
	}

	adopted, err := f.store.GetInstanceByContainerID(context.Background(), "feedfacefeedface")
	if err != nil {
		t.Fatalf("adopted record missing: %v", err)
	}
	if adopted.Status != domain.InstanceStopped {
		t.Fatalf("expected stopped record, got %s", adopted.Status)
	}

	project, err := f.store.GetProjectByName(context.Background(), "orphan")
	if err != nil {
		t.Fatalf("adopted project missing: %v", err)
	}
	if adopted.ProjectID != project.ID {
		t.Fatal("adopted record not linked to recovered project")
	}
}

func TestResolutionPrefersProjectNameOverContainerPrefix(t *testing.T) {
	f := newFixture(t, "abc")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	// A container whose id starts with the project name must not shadow it.
	now := time.Now().UTC()
	decoy := &domain.Instance{
		ID: "decoy", ContainerID: "abc9999999999999", ContainerName: "other-1700000000-deadbeef",
		Status: domain.InstanceRunning, StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateInstance(ctx, decoy); err != nil {
		t.Fatal(err)
	}

	resolved, err := f.svc.ResolveContainer(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != run.Instance.ContainerID {
		t.Fatalf("expected project resolution to win, got %s", resolved)
	}
}

func TestResolveByContainerIDPrefix(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.svc.ResolveContainer(ctx, run.Instance.ContainerID[:12])
	if err != nil {
		t.Fatal(err)
	}
	if resolved != run.Instance.ContainerID {
		t.Fatalf("prefix did not resolve: got %s", resolved)
	}
}

func TestRerunKeepsStoppedPredecessor(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	rerun, err := f.svc.Rerun(ctx, "demo", false)
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if rerun.OldContainerID != run.Instance.ContainerID {
		t.Fatalf("unexpected predecessor %s", rerun.OldContainerID)
	}
	if rerun.Instance.ContainerID == run.Instance.ContainerID {
		t.Fatal("rerun must create a new instance")
	}

	old, err := f.store.GetInstanceByContainerID(ctx, run.Instance.ContainerID)
	if err != nil {
		t.Fatalf("predecessor record missing: %v", err)
	}
	if old.Status != domain.InstanceStopped {
		t.Fatalf("predecessor should be stopped, got %s", old.Status)
	}

	replacement, err := f.store.GetInstanceByContainerID(ctx, rerun.Instance.ContainerID)
	if err != nil {
		t.Fatalf("replacement record missing: %v", err)
	}
	if replacement.Status != domain.InstanceRunning {
		t.Fatalf("replacement should be running, got %s", replacement.Status)
	}
}

func TestCleanupRemovesOnlyNonRunning(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	running, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	exited, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Stop(ctx, exited.Instance.ContainerID); err != nil {
		t.Fatal(err)
	}
	// A record whose container vanished from the runtime entirely.
	now := time.Now().UTC()
	ghost := &domain.Instance{
		ID: "ghost", ContainerID: "feed000000000001", ContainerName: "ghost-1700000000-01234567",
		Status: domain.InstanceRunning, StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateInstance(ctx, ghost); err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if len(result.Removed) != 2 {
		t.Fatalf("expected 2 removals, got %v", result.Removed)
	}

	if _, err := f.store.GetInstanceByContainerID(ctx, running.Instance.ContainerID); err != nil {
		t.Fatal("running instance must survive cleanup")
	}
	if _, err := f.store.GetInstanceByContainerID(ctx, exited.Instance.ContainerID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("exited instance record should be gone")
	}
	if _, err := f.store.GetInstanceByContainerID(ctx, ghost.ContainerID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("ghost record should be gone")
	}
	if f.runtime.container(running.Instance.ContainerID) == nil {
		t.Fatal("running container must not be removed")
	}
}

func TestScaleStopsStandaloneFirst(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 3})
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	if result.Group == nil || result.Group.Replicas != 3 {
		t.Fatalf("unexpected group record: %+v", result.Group)
	}
	if f.runtime.container(run.Instance.ContainerID).status != "exited" {
		t.Fatal("standalone instance should be stopped before scaling")
	}
	if result.State == nil || result.State.DesiredReplicas != 3 {
		t.Fatalf("unexpected live state: %+v", result.State)
	}
}

func TestScaleToZero(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 0})
	if err != nil {
		t.Fatalf("scale to zero failed: %v", err)
	}
	if result.Group.Replicas != 0 {
		t.Fatalf("expected zero replicas, got %d", result.Group.Replicas)
	}
	if result.State == nil || result.State.Status != "stopped" {
		t.Fatalf("expected stopped state, got %+v", result.State)
	}
}

func TestScaleUpMissingGroup(t *testing.T) {
	f := newFixture(t, "demo")

	_, err := f.svc.ScaleUp(context.Background(), "ghost", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error should mention the group is not found: %v", err)
	}
}

func TestScaleUpAndDown(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	up, err := f.svc.ScaleUp(ctx, "demo", 2)
	if err != nil {
		t.Fatal(err)
	}
	if up.Group.Replicas != 4 {
		t.Fatalf("expected 4 replicas, got %d", up.Group.Replicas)
	}

	down, err := f.svc.ScaleDown(ctx, "demo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if down.Group.Replicas != 0 {
		t.Fatalf("scale down must floor at zero, got %d", down.Group.Replicas)
	}
}

func TestStatusGroupTakesPrecedence(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	status, err := f.svc.Status(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if status.Kind != "group" {
		t.Fatalf("expected group status, got %s", status.Kind)
	}
	if status.Group == nil || status.Group.DesiredReplicas != 2 {
		t.Fatalf("unexpected group state: %+v", status.Group)
	}
}

func TestStatusReportsStoppedContainer(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Stop(ctx, run.Instance.ContainerID); err != nil {
		t.Fatal(err)
	}

	status, err := f.svc.Status(ctx, run.Instance.ContainerID)
	if err != nil {
		t.Fatal(err)
	}
	if status.AppAccessible {
		t.Fatal("stopped container cannot be accessible")
	}
	if status.Runtime == nil || status.Runtime.Status != "exited" {
		t.Fatalf("unexpected runtime state: %+v", status.Runtime)
	}
	if status.Diagnostic == "" {
		t.Fatal("expected diagnostic for non-running container")
	}
}

func TestStatusProbeFailureSetsDiagnostic(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	failing := New(ctx, Options{
		Runtime:   f.runtime,
		Cluster:   f.cluster,
		Projects:  f.store,
		Instances: f.store,
		Groups:    f.store,
		Ports:     f.ports,
		Collector: f.collector,
		Validator: &fakeValidator{name: "demo"},
		Fetcher:   &fakeFetcher{},
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Probe:     func(ctx context.Context, url string) error { return errors.New("connection refused") },
	})

	run, err := failing.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	status, err := failing.Status(ctx, run.Instance.ContainerID)
	if err != nil {
		t.Fatal(err)
	}
	if status.AppAccessible {
		t.Fatal("probe failed, app must not be reported accessible")
	}
	if !status.Runtime.Running() {
		t.Fatal("container itself is still running")
	}
	if status.Diagnostic == "" {
		t.Fatal("expected diagnostic explaining the probe failure")
	}
}

func TestDegradedModeRecovers(t *testing.T) {
	f := &fixture{
		runtime:   newFakeRuntime(),
		cluster:   newFakeCluster(),
		store:     newFakeStore(),
		ports:     &fakePorts{},
		collector: newFakeCollector(),
	}
	f.runtime.pingErr = errors.New("cannot connect to the docker daemon")
	f.svc = New(context.Background(), Options{
		Runtime:   f.runtime,
		Cluster:   f.cluster,
		Projects:  f.store,
		Instances: f.store,
		Groups:    f.store,
		Ports:     f.ports,
		Collector: f.collector,
		Validator: &fakeValidator{name: "demo"},
		Fetcher:   &fakeFetcher{},
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Probe:     func(ctx context.Context, url string) error { return nil },
	})

	if !f.svc.Degraded() {
		t.Fatal("service should start degraded when the runtime is unreachable")
	}
	_, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()})
	if !errors.Is(err, ErrRuntimeUnreachable) {
		t.Fatalf("expected ErrRuntimeUnreachable, got %v", err)
	}

	f.runtime.pingErr = nil
	if _, err := f.svc.Run(context.Background(), RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatalf("run should succeed after the runtime recovers: %v", err)
	}
	if f.svc.Degraded() {
		t.Fatal("degraded flag should clear on recovery")
	}
}

func TestListMergesGroupsOverInstances(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, item := range result.Items {
		if item.Name == "demo" {
			count++
			if item.Kind != "group" {
				t.Fatalf("group entry must win for %s, got %s", item.Name, item.Kind)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry for demo, got %d", count)
	}
}

func TestLogsFallsBackToBuffer(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.runtime.RemoveInstance(ctx, run.Instance.ContainerID); err != nil {
		t.Fatal(err)
	}
	f.collector.lines[run.Instance.ContainerID] = []string{"buffered line"}

	result, err := f.svc.Logs(ctx, run.Instance.ContainerID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Logs != "buffered line" {
		t.Fatalf("expected buffered fallback, got %q", result.Logs)
	}
}

func TestContainersRefreshesDriftedStatus(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	// The container died outside our control; the record still says running.
	f.runtime.container(run.Instance.ContainerID).status = "exited"

	containers, err := f.svc.Containers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected one record, got %d", len(containers))
	}
	if containers[0].Status != domain.InstanceStopped {
		t.Fatalf("expected refreshed status stopped, got %s", containers[0].Status)
	}

	stored, err := f.store.GetInstanceByContainerID(ctx, run.Instance.ContainerID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.InstanceStopped {
		t.Fatal("drift was not written back to the registry")
	}
}

func TestStopConfirmsRuntimeBeforeTrustingRecord(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	// The record drifted to stopped while the container kept running.
	if err := f.store.UpdateInstanceStatus(ctx, run.Instance.ContainerID, domain.InstanceStopped); err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.Stop(ctx, run.Instance.ContainerID)
	if err != nil || !result.Success {
		t.Fatalf("stop failed: %v", err)
	}
	if f.runtime.container(run.Instance.ContainerID).status != "exited" {
		t.Fatal("live container must be stopped despite the stale record")
	}
	if strings.Contains(result.Message, "already stopped") {
		t.Fatalf("stop must not report a live container as already stopped: %q", result.Message)
	}
}

func TestContainersKeepsRecordOnInspectFailure(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	run, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	f.runtime.inspectErr = errors.New("request canceled while waiting for connection")

	containers, err := f.svc.Containers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected one record, got %d", len(containers))
	}
	if containers[0].Status != domain.InstanceRunning {
		t.Fatalf("inspect failure must not downgrade the record, got %s", containers[0].Status)
	}

	stored, err := f.store.GetInstanceByContainerID(ctx, run.Instance.ContainerID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.InstanceRunning {
		t.Fatalf("registry record was downgraded on a transient error: %s", stored.Status)
	}
}

func TestScaleReleasesFreshPortOnServiceFailure(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}

	f.cluster.ensureErr = errors.New("rpc error: context deadline exceeded")
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	// The run took 8000; the failed scale allocated and must return 8001.
	if len(f.ports.released) != 1 || f.ports.released[0] != 8001 {
		t.Fatalf("freshly allocated port was not released, released=%v", f.ports.released)
	}

	f.cluster.ensureErr = nil
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	// A retry over an existing group reuses its recorded port; a failure now
	// must not release a port the group still holds.
	f.cluster.ensureErr = errors.New("rpc error: context deadline exceeded")
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 3}); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if len(f.ports.released) != 1 {
		t.Fatalf("group-held port must stay reserved across failures, released=%v", f.ports.released)
	}
}

func TestListNamesInstanceByProjectLink(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	now := time.Now().UTC()
	project := &domain.Project{
		ID: "proj-1", Name: "webapp", ImageName: "webapp:latest", AppPort: 8000,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	// The container was renamed out from under us; the project link is what
	// identifies the deployment.
	instance := &domain.Instance{
		ID: "inst-1", ContainerID: "cafe000000000001", ContainerName: "renamed-1700000000-abcdef01",
		ProjectID: project.ID, Status: domain.InstanceRunning,
		StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateInstance(ctx, instance); err != nil {
		t.Fatal(err)
	}
	f.runtime.addContainer(instance.ContainerID, instance.ContainerName, "running", map[int]int{8005: 8000})

	result, err := f.svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected one item, got %+v", result.Items)
	}
	if result.Items[0].Name != "webapp" {
		t.Fatalf("expected project name webapp, got %q", result.Items[0].Name)
	}
}

func TestServiceRemoveClearsRecord(t *testing.T) {
	f := newFixture(t, "demo")
	ctx := context.Background()

	if _, err := f.svc.Run(ctx, RunRequest{Path: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scale(ctx, ScaleRequest{Name: "demo", Replicas: 2}); err != nil {
		t.Fatal(err)
	}

	result, err := f.svc.ServiceRemove(ctx, "demo")
	if err != nil || !result.Success {
		t.Fatalf("service remove failed: %v", err)
	}
	if _, err := f.store.GetReplicaGroupByName(ctx, "demo"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("group record should be deleted")
	}
	if _, err := f.cluster.ServiceState(ctx, "demo"); !errors.Is(err, swarm.ErrNotFound) {
		t.Fatal("cluster service should be gone")
	}
}
