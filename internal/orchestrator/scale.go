package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/repository"
	"github.com/jnoller/racer/internal/swarm"
)

// Scale converts a deployment into a replica group at an absolute count.
// Standalone instances of the project are stopped first; cluster mode is
// initialized lazily on first use. Scaling to zero is valid and leaves the
// group defined with no running replicas.
func (s *service) Scale(ctx context.Context, req ScaleRequest) (*ScaleResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if req.Replicas < 0 {
		return nil, fmt.Errorf("%w: replicas cannot be negative", ErrValidation)
	}
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}

	image := req.Image
	appPort := req.AppPort
	project, err := s.projects.GetProjectByName(ctx, req.Name)
	if err == nil {
		if image == "" {
			image = project.ImageName
		}
		if appPort == 0 {
			appPort = project.AppPort
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if image == "" {
		return nil, fmt.Errorf("%w: no image known for %q, run the project first or pass an image", ErrValidation, req.Name)
	}
	if appPort == 0 {
		appPort = s.defaultAppPort
	}

	if project != nil {
		if err := s.stopProjectInstances(ctx, project.ID); err != nil {
			return nil, err
		}
	}

	if err := s.cluster.Init(ctx, s.advertiseAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}

	group, err := s.groups.GetReplicaGroupByName(ctx, req.Name)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	// A port reused from the existing group record stays reserved across
	// failures; only a port allocated here goes back to the pool on error.
	ports := map[int]int{}
	allocatedPort := 0
	if group != nil && len(group.Ports) > 0 {
		ports = group.Ports
	} else {
		hostPort, err := s.ports.Allocate()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		allocatedPort = hostPort
		ports[hostPort] = appPort
	}

	serviceID, err := s.cluster.EnsureService(ctx, swarm.GroupSpec{
		Name:        req.Name,
		Image:       image,
		Replicas:    req.Replicas,
		Ports:       ports,
		Environment: req.Environment,
		HealthPath:  s.healthPath,
	})
	if err != nil {
		if allocatedPort != 0 {
			s.ports.Release(allocatedPort)
		}
		if errors.Is(err, swarm.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	group = s.recordGroup(ctx, group, req.Name, serviceID, image, req.Replicas, ports, req.Environment)

	result := &ScaleResult{
		Success: true,
		Message: fmt.Sprintf("%s scaled to %d replicas", req.Name, req.Replicas),
		Group:   group,
	}
	if state, err := s.cluster.ServiceState(ctx, req.Name); err == nil {
		result.State = &state
	}
	return result, nil
}

// ScaleUp raises an existing group's replica count by delta.
func (s *service) ScaleUp(ctx context.Context, name string, delta int) (*ScaleResult, error) {
	return s.scaleRelative(ctx, name, delta)
}

// ScaleDown lowers an existing group's replica count by delta, floored at
// zero.
func (s *service) ScaleDown(ctx context.Context, name string, delta int) (*ScaleResult, error) {
	return s.scaleRelative(ctx, name, -delta)
}

func (s *service) scaleRelative(ctx context.Context, name string, delta int) (*ScaleResult, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	group, err := s.groups.GetReplicaGroupByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: replica group %q not found, scale it first", ErrNotFound, name)
		}
		return nil, err
	}

	target := group.Replicas + delta
	if target < 0 {
		target = 0
	}
	if err := s.cluster.Scale(ctx, name, target); err != nil {
		switch {
		case errors.Is(err, swarm.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		case errors.Is(err, swarm.ErrNotFound):
			return nil, fmt.Errorf("%w: replica group %q not found in the cluster", ErrNotFound, name)
		default:
			return nil, fmt.Errorf("scale service: %w", err)
		}
	}

	group.Replicas = target
	group.UpdatedAt = time.Now().UTC()
	if err := s.groups.UpdateReplicaGroup(ctx, group); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("replica group record update failed", "name", name, "error", err)
	}

	result := &ScaleResult{
		Success: true,
		Message: fmt.Sprintf("%s scaled to %d replicas", name, target),
		Group:   group,
	}
	if state, err := s.cluster.ServiceState(ctx, name); err == nil {
		result.State = &state
	}
	return result, nil
}

// Services lists the live state of every managed replica group.
func (s *service) Services(ctx context.Context) ([]domain.GroupState, error) {
	states, err := s.cluster.ListServices(ctx)
	if err != nil {
		if errors.Is(err, swarm.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		}
		return nil, err
	}
	return states, nil
}

// ServiceStatus returns the live state of one replica group.
func (s *service) ServiceStatus(ctx context.Context, name string) (*domain.GroupState, error) {
	state, err := s.cluster.ServiceState(ctx, name)
	if err != nil {
		switch {
		case errors.Is(err, swarm.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		case errors.Is(err, swarm.ErrNotFound):
			return nil, fmt.Errorf("%w: replica group %q not found", ErrNotFound, name)
		default:
			return nil, err
		}
	}
	return &state, nil
}

// ServiceLogs fetches aggregated output across a group's replicas.
func (s *service) ServiceLogs(ctx context.Context, name string, tail int) (*LogsResult, error) {
	if tail <= 0 {
		tail = s.logTailDefault
	}
	output, err := s.cluster.ServiceLogs(ctx, name, tail)
	if err != nil {
		switch {
		case errors.Is(err, swarm.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		case errors.Is(err, swarm.ErrNotFound):
			return nil, fmt.Errorf("%w: replica group %q not found", ErrNotFound, name)
		default:
			return nil, err
		}
	}
	return &LogsResult{Success: true, Name: name, Logs: output}, nil
}

// ServiceRemove deletes a replica group's service and its record.
func (s *service) ServiceRemove(ctx context.Context, name string) (*OpResult, error) {
	if err := s.cluster.RemoveService(ctx, name); err != nil {
		switch {
		case errors.Is(err, swarm.ErrUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
		case errors.Is(err, swarm.ErrNotFound):
			// Record-only groups still get their record cleared below.
		default:
			return nil, fmt.Errorf("remove service: %w", err)
		}
	}
	group, err := s.groups.GetReplicaGroupByName(ctx, name)
	if err == nil {
		s.releaseHostPorts(group.Ports)
		if err := s.groups.DeleteReplicaGroup(ctx, group.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("replica group record delete failed", "name", name, "error", err)
		}
	}
	return &OpResult{
		Success: true,
		Message: fmt.Sprintf("replica group %s removed", name),
	}, nil
}

// stopProjectInstances stops every running standalone instance of a project
// before it converts to a replica group.
func (s *service) stopProjectInstances(ctx context.Context, projectID string) error {
	instances, err := s.instances.ListInstancesByProject(ctx, projectID)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		if instance.Status != domain.InstanceRunning {
			continue
		}
		if err := s.runtime.StopInstance(ctx, instance.ContainerID, s.stopGrace); err != nil && !errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("stop instance %s: %w", instance.ContainerName, err)
		}
		s.collector.Detach(instance.ContainerID)
		if err := s.instances.UpdateInstanceStatus(ctx, instance.ContainerID, domain.InstanceStopped); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("instance record update failed", "container_id", instance.ContainerID, "error", err)
		}
	}
	return nil
}

func (s *service) recordGroup(ctx context.Context, existing *domain.ReplicaGroup, name, serviceID, image string, replicas int, ports map[int]int, env map[string]string) *domain.ReplicaGroup {
	now := time.Now().UTC()
	if existing != nil {
		existing.ServiceID = serviceID
		existing.Replicas = replicas
		existing.Image = image
		existing.Ports = ports
		existing.Environment = env
		existing.UpdatedAt = now
		if err := s.groups.UpdateReplicaGroup(ctx, existing); err != nil {
			s.log.Warn("replica group record update failed", "name", name, "error", err)
		}
		return existing
	}
	group := &domain.ReplicaGroup{
		ID:          uuid.NewString(),
		ServiceID:   serviceID,
		Name:        name,
		Replicas:    replicas,
		Image:       image,
		Ports:       ports,
		Environment: env,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.groups.CreateReplicaGroup(ctx, group); err != nil {
		s.log.Warn("replica group record create failed", "name", name, "error", err)
	}
	return group
}
