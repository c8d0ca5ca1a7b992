package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/jnoller/racer/internal/domain"
)

// StartedInstance captures runtime details about a freshly started container.
type StartedInstance struct {
	ContainerID   string
	ContainerName string
	Ports         map[int]int
}

// InstanceName derives a unique container name for a project. The timestamp
// plus random suffix keeps concurrent starts of the same project collision
// free.
func InstanceName(project string) string {
	return fmt.Sprintf("%s-%d-%s", project, time.Now().Unix(), uuid.NewString()[:8])
}

// StartInstance creates and starts a container for the image, publishing the
// requested host to container port mappings.
func (c *Client) StartInstance(ctx context.Context, name, image string, cmd []string, env []string, ports map[int]int) (StartedInstance, error) {
	if strings.TrimSpace(name) == "" {
		return StartedInstance{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return StartedInstance{}, fmt.Errorf("image name cannot be empty")
	}

	bindings := toPortMap(ports)
	config := &container.Config{
		Image:        image,
		Cmd:          cmd,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range bindings {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return StartedInstance{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return StartedInstance{}, fmt.Errorf("container start: %w", err)
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, r.ID)
		if err != nil {
			return StartedInstance{}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) || len(ports) == 0 {
			break
		}
		if attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return StartedInstance{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	effective := ports
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Ports) > 0 {
		effective = fromNatPorts(inspect.NetworkSettings.Ports)
	}

	return StartedInstance{ContainerID: r.ID, ContainerName: name, Ports: effective}, nil
}

// StopInstance stops a container with the given grace period. Stopping an
// already stopped container succeeds; stopping an unknown one is ErrNotFound.
func (c *Client) StopInstance(ctx context.Context, containerID string, grace time.Duration) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	timeout := int(grace.Seconds())
	opts := container.StopOptions{}
	if timeout > 0 {
		opts.Timeout = &timeout
	}
	if err := c.inner.ContainerStop(ctx, containerID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveInstance force removes a container and its anonymous volumes.
func (c *Client) RemoveInstance(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// InspectInstance queries the runtime for the live state of a container. The
// result is never cached; this is the reconciliation point against drift.
func (c *Client) InspectInstance(ctx context.Context, containerID string) (domain.RuntimeState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return domain.RuntimeState{}, ErrNotFound
		}
		return domain.RuntimeState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := domain.RuntimeState{
		ContainerID:   inspect.ID,
		ContainerName: strings.TrimPrefix(inspect.Name, "/"),
		Image:         inspect.Config.Image,
	}
	if inspect.State != nil {
		state.Status = inspect.State.Status
		state.StartedAt = inspect.State.StartedAt
		state.FinishedAt = inspect.State.FinishedAt
	}
	if inspect.NetworkSettings != nil {
		state.Ports = fromNatPorts(inspect.NetworkSettings.Ports)
	}
	return state, nil
}

// ListInstances returns every container known to the runtime, running or not.
func (c *Client) ListInstances(ctx context.Context) ([]domain.RuntimeState, error) {
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	states := make([]domain.RuntimeState, 0, len(containers))
	for _, ct := range containers {
		state := domain.RuntimeState{
			ContainerID: ct.ID,
			Image:       ct.Image,
			Status:      ct.State,
			Ports:       make(map[int]int),
		}
		if len(ct.Names) > 0 {
			state.ContainerName = strings.TrimPrefix(ct.Names[0], "/")
		}
		for _, p := range ct.Ports {
			if p.PublicPort > 0 {
				state.Ports[int(p.PublicPort)] = int(p.PrivatePort)
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// FetchLogs returns up to tail lines of container output, demultiplexed.
func (c *Client) FetchLogs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demux container logs: %w", err)
	}
	return buf.String(), nil
}

// StreamLogs follows container output. The returned reader yields
// demultiplexed lines until the container stops or the context is cancelled.
func (c *Client) StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true, Follow: true}
	rc, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		pw.CloseWithError(copyErr)
	}()
	return pr, nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func toPortMap(ports map[int]int) nat.PortMap {
	bindings := nat.PortMap{}
	for host, cont := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", cont))
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(host)})
	}
	return bindings
}

func fromNatPorts(ports nat.PortMap) map[int]int {
	out := make(map[int]int)
	for port, bindings := range ports {
		for _, binding := range bindings {
			host, err := strconv.Atoi(strings.TrimSpace(binding.HostPort))
			if err != nil || host == 0 {
				continue
			}
			out[host] = port.Int()
		}
	}
	return out
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
