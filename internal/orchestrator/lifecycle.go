package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/repository"
	"github.com/jnoller/racer/internal/swarm"
)

// Stop halts the identified instance. Stopping an already stopped instance
// succeeds. A container the runtime knows but the registry does not is
// adopted: stopped and recorded.
func (s *service) Stop(ctx context.Context, identifier string) (*OpResult, error) {
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}

	instance, err := s.resolveInstance(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return s.adoptAndStop(ctx, identifier)
	}
	if err != nil {
		return nil, err
	}

	// The registry is a cache; only the runtime can confirm the instance is
	// actually down before stop reports success.
	if instance.Status != domain.InstanceRunning {
		state, err := s.runtime.InspectInstance(ctx, instance.ContainerID)
		switch {
		case errors.Is(err, docker.ErrNotFound):
			return s.alreadyStopped(instance), nil
		case err != nil:
			return nil, fmt.Errorf("inspect instance: %w", err)
		case !state.Running():
			return s.alreadyStopped(instance), nil
		}
		// The record drifted; the container is still live, stop it below.
	}

	if err := s.runtime.StopInstance(ctx, instance.ContainerID, s.stopGrace); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return nil, fmt.Errorf("stop instance: %w", err)
	}
	s.collector.Detach(instance.ContainerID)
	if err := s.instances.UpdateInstanceStatus(ctx, instance.ContainerID, domain.InstanceStopped); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("instance record update failed", "container_id", instance.ContainerID, "error", err)
	}

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("instance %s stopped", instance.ContainerName),
		ContainerID: instance.ContainerID,
	}, nil
}

func (s *service) alreadyStopped(instance *domain.Instance) *OpResult {
	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("instance %s already stopped", instance.ContainerName),
		ContainerID: instance.ContainerID,
	}
}

// adoptAndStop handles stop requests for containers that exist in the
// runtime but not in the registry, recording them so later operations can
// see them.
func (s *service) adoptAndStop(ctx context.Context, identifier string) (*OpResult, error) {
	state, err := s.runtime.InspectInstance(ctx, identifier)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, fmt.Errorf("%w: no instance matches %q", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("inspect instance: %w", err)
	}

	if state.Running() {
		if err := s.runtime.StopInstance(ctx, state.ContainerID, s.stopGrace); err != nil && !errors.Is(err, docker.ErrNotFound) {
			return nil, fmt.Errorf("stop instance: %w", err)
		}
	}

	now := time.Now().UTC()
	adopted := &domain.Instance{
		ID:            uuid.NewString(),
		ContainerID:   state.ContainerID,
		ContainerName: state.ContainerName,
		Status:        domain.InstanceStopped,
		Ports:         state.Ports,
		StartedAt:     now,
		StoppedAt:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if project := s.adoptProject(ctx, state); project != nil {
		adopted.ProjectID = project.ID
	}
	s.recordInstance(ctx, adopted)

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("untracked instance %s adopted and stopped", state.ContainerName),
		ContainerID: state.ContainerID,
	}, nil
}

func (s *service) adoptProject(ctx context.Context, state domain.RuntimeState) *domain.Project {
	name := projectNameFromContainer(state.ContainerName)
	if name == "" {
		return nil
	}
	appPort := s.defaultAppPort
	for _, cont := range state.Ports {
		appPort = cont
	}
	return s.recordProject(ctx, name, "", "", state.Image, appPort)
}

// Remove force-removes the identified instance's container and deletes its
// record. A container already gone from the runtime is not an error.
func (s *service) Remove(ctx context.Context, identifier string) (*OpResult, error) {
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}

	instance, err := s.resolveInstance(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if err := s.runtime.RemoveInstance(ctx, instance.ContainerID); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return nil, fmt.Errorf("remove instance: %w", err)
	}
	s.collector.Detach(instance.ContainerID)
	s.releaseHostPorts(instance.Ports)
	if err := s.instances.DeleteInstance(ctx, instance.ContainerID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("instance record delete failed", "container_id", instance.ContainerID, "error", err)
	}

	return &OpResult{
		Success:     true,
		Message:     fmt.Sprintf("instance %s removed", instance.ContainerName),
		ContainerID: instance.ContainerID,
	}, nil
}

// Status reports live state for an identifier. A replica group matching the
// name takes precedence over instance resolution.
func (s *service) Status(ctx context.Context, identifier string) (*StatusResult, error) {
	if group, err := s.groups.GetReplicaGroupByName(ctx, identifier); err == nil {
		state, err := s.cluster.ServiceState(ctx, group.Name)
		if err != nil {
			if errors.Is(err, swarm.ErrUnavailable) {
				return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
			}
			if errors.Is(err, swarm.ErrNotFound) {
				return &StatusResult{
					Success:    true,
					Kind:       "group",
					Diagnostic: "replica group record exists but the cluster service is gone",
				}, nil
			}
			return nil, err
		}
		return &StatusResult{
			Success:       true,
			Kind:          "group",
			Group:         &state,
			AppAccessible: state.RunningReplicas > 0 && s.probeState(ctx, state.Ports),
		}, nil
	}

	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}
	instance, err := s.resolveInstance(ctx, identifier)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{Success: true, Kind: "instance", Instance: instance}
	state, err := s.runtime.InspectInstance(ctx, instance.ContainerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			result.Diagnostic = "container no longer exists in the runtime"
			return result, nil
		}
		return nil, fmt.Errorf("inspect instance: %w", err)
	}
	result.Runtime = &state

	if !state.Running() {
		result.Diagnostic = fmt.Sprintf("container is %s", state.Status)
		return result, nil
	}
	if s.probeState(ctx, state.Ports) {
		result.AppAccessible = true
	} else {
		result.Diagnostic = "container is running but the application endpoint is not answering"
	}
	return result, nil
}

func (s *service) probeState(ctx context.Context, ports map[int]int) bool {
	for host := range ports {
		url := fmt.Sprintf("http://localhost:%d%s", host, s.healthPath)
		if err := s.probe(ctx, url); err == nil {
			return true
		}
	}
	return false
}

// Logs fetches recent output for an instance. The runtime is asked first;
// the collector's buffer serves as fallback when the runtime cannot answer.
func (s *service) Logs(ctx context.Context, identifier string, tail int) (*LogsResult, error) {
	instance, err := s.resolveInstance(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = s.logTailDefault
	}

	output, err := s.runtime.FetchLogs(ctx, instance.ContainerID, tail)
	if err != nil {
		buffered := s.collector.Tail(instance.ContainerID, tail)
		if len(buffered) == 0 {
			if errors.Is(err, docker.ErrNotFound) {
				return nil, fmt.Errorf("%w: container logs unavailable", ErrNotFound)
			}
			return nil, fmt.Errorf("fetch logs: %w", err)
		}
		output = strings.Join(buffered, "\n")
	}

	return &LogsResult{
		Success:     true,
		ContainerID: instance.ContainerID,
		Name:        instance.ContainerName,
		Logs:        output,
	}, nil
}

// Cleanup reconciles the registry against the runtime: every tracked
// instance whose container is no longer running is removed from both.
// Running instances are never touched.
func (s *service) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}
	tracked, err := s.instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	removed := make([]string, 0)
	for _, instance := range tracked {
		state, err := s.runtime.InspectInstance(ctx, instance.ContainerID)
		if err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				if err := s.instances.DeleteInstance(ctx, instance.ContainerID); err != nil && !errors.Is(err, repository.ErrNotFound) {
					s.log.Warn("instance record delete failed", "container_id", instance.ContainerID, "error", err)
				}
				removed = append(removed, instance.ContainerID)
			}
			continue
		}
		if state.Running() {
			continue
		}
		if err := s.runtime.RemoveInstance(ctx, instance.ContainerID); err != nil && !errors.Is(err, docker.ErrNotFound) {
			s.log.Warn("instance remove failed", "container_id", instance.ContainerID, "error", err)
			continue
		}
		s.collector.Detach(instance.ContainerID)
		s.releaseHostPorts(instance.Ports)
		if err := s.instances.DeleteInstance(ctx, instance.ContainerID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("instance record delete failed", "container_id", instance.ContainerID, "error", err)
		}
		removed = append(removed, instance.ContainerID)
	}

	purged, err := s.instances.PurgeStoppedInstances(ctx)
	if err != nil {
		s.log.Warn("stopped record purge failed", "error", err)
	}

	return &CleanupResult{
		Success: true,
		Message: fmt.Sprintf("removed %d non-running instances", len(removed)),
		Removed: removed,
		Purged:  purged,
	}, nil
}

// List merges replica groups and standalone instances into one view. When a
// project appears as both, the group entry wins.
func (s *service) List(ctx context.Context) (*ListResult, error) {
	items := make([]ListItem, 0)
	seen := make(map[string]bool)

	groups, err := s.groups.ListReplicaGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list replica groups: %w", err)
	}
	liveStates := make(map[string]domain.GroupState)
	if states, err := s.cluster.ListServices(ctx); err == nil {
		for _, st := range states {
			liveStates[st.Name] = st
		}
	} else if !errors.Is(err, swarm.ErrUnavailable) {
		s.log.Warn("cluster service list failed", "error", err)
	}
	for _, g := range groups {
		item := ListItem{
			Name:      g.Name,
			Kind:      "group",
			Status:    "stopped",
			Replicas:  g.Replicas,
			ServiceID: g.ServiceID,
			Ports:     g.Ports,
		}
		if st, ok := liveStates[g.Name]; ok {
			item.Status = st.Status
			item.Replicas = st.DesiredReplicas
			item.Ports = st.Ports
		}
		items = append(items, item)
		seen[g.Name] = true
	}

	instances, err := s.instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	projectNames := make(map[string]string)
	if projects, err := s.projects.ListProjects(ctx); err == nil {
		for _, p := range projects {
			projectNames[p.ID] = p.Name
		}
	} else {
		s.log.Warn("project list failed", "error", err)
	}
	for _, in := range instances {
		if in.Status == domain.InstanceRemoved {
			continue
		}
		// The registry association names the instance; parsing the container
		// name is the fallback for records without a project link.
		name := projectNames[in.ProjectID]
		if name == "" {
			name = projectNameFromContainer(in.ContainerName)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		items = append(items, ListItem{
			Name:        name,
			Kind:        "instance",
			Status:      string(in.Status),
			ContainerID: in.ContainerID,
			Ports:       in.Ports,
		})
	}

	return &ListResult{Success: true, Items: items}, nil
}

// Containers returns every tracked instance with its status refreshed
// against the live runtime. Drift from running to not-running is written
// back to the registry.
func (s *service) Containers(ctx context.Context) ([]domain.Instance, error) {
	tracked, err := s.instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	if err := s.runtimeReady(ctx); err != nil {
		// Cached records are still useful while the runtime is down.
		s.log.Warn("serving cached instance records", "error", err)
		return tracked, nil
	}
	for i := range tracked {
		in := &tracked[i]
		if in.Status != domain.InstanceRunning {
			continue
		}
		state, err := s.runtime.InspectInstance(ctx, in.ContainerID)
		if err != nil && !errors.Is(err, docker.ErrNotFound) {
			// A transient inspect failure says nothing about the container;
			// leave the record as it is.
			s.log.Warn("instance inspect failed", "container_id", in.ContainerID, "error", err)
			continue
		}
		if err == nil && state.Running() {
			continue
		}
		in.Status = domain.InstanceStopped
		if err := s.instances.UpdateInstanceStatus(ctx, in.ContainerID, domain.InstanceStopped); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("instance record update failed", "container_id", in.ContainerID, "error", err)
		}
	}
	return tracked, nil
}

func (s *service) releaseHostPorts(ports map[int]int) {
	for host := range ports {
		s.ports.Release(host)
	}
}
