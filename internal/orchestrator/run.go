package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnoller/racer/internal/docker"
	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/repository"
	"github.com/jnoller/racer/internal/swarm"
)

const rerunStopTimeout = 30 * time.Second

// Run deploys a project as a standalone instance: validate, build, allocate
// a host port, start, then record. The registry write is best effort; a
// running container is reported as success even when the record fails.
func (s *service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Path == "" && req.GitURL == "" {
		return nil, fmt.Errorf("%w: either path or git_url is required", ErrValidation)
	}
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}

	dir := req.Path
	if req.GitURL != "" {
		fetched, err := s.fetcher.Fetch(ctx, req.GitURL)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch repository: %v", ErrValidation, err)
		}
		dir = fetched
	}

	result, err := s.validator.Validate(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	name := result.ProjectName
	for _, w := range result.Warnings {
		s.log.Warn("manifest warning", "project", name, "warning", w)
	}

	if _, err := manifest.EnsureBuildSpec(result.ResolvedPath, req.CustomSteps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	image := imageTag(name)
	if err := s.buildImage(ctx, result.ResolvedPath, image); err != nil {
		return nil, err
	}

	appPort := req.AppPort
	if appPort == 0 {
		appPort = s.defaultAppPort
	}

	instance, hostPort, err := s.startInstance(ctx, name, image, req.Command, req.Environment, appPort, "")
	if err != nil {
		return nil, err
	}

	project := s.recordProject(ctx, name, dir, req.GitURL, image, appPort)
	if project != nil {
		instance.ProjectID = project.ID
	}
	s.recordInstance(ctx, instance)
	s.attach(instance.ContainerID)

	return &RunResult{
		Success:  true,
		Message:  fmt.Sprintf("project %s running", name),
		Project:  project,
		Instance: instance,
		AppURL:   fmt.Sprintf("http://localhost:%d", hostPort),
	}, nil
}

// Rerun stops the identified instance, waits for it to reach a terminal
// state, then starts a fresh instance of the same project. The predecessor's
// record is kept in the stopped state.
func (s *service) Rerun(ctx context.Context, identifier string, rebuild bool) (*RerunResult, error) {
	if err := s.runtimeReady(ctx); err != nil {
		return nil, err
	}
	old, err := s.resolveInstance(ctx, identifier)
	if err != nil {
		return nil, err
	}

	name := projectNameFromContainer(old.ContainerName)
	var project *domain.Project
	if old.ProjectID != "" {
		if p, err := s.projects.GetProjectByID(ctx, old.ProjectID); err == nil {
			project = p
			name = p.Name
		}
	}

	if err := s.runtime.StopInstance(ctx, old.ContainerID, s.stopGrace); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return nil, fmt.Errorf("stop previous instance: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, rerunStopTimeout)
	if _, err := s.runtime.WaitForStop(waitCtx, old.ContainerID); err != nil {
		s.log.Warn("previous instance did not confirm stop", "container_id", old.ContainerID, "error", err)
	}
	cancel()
	s.collector.Detach(old.ContainerID)
	if err := s.instances.UpdateInstanceStatus(ctx, old.ContainerID, domain.InstanceStopped); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("instance record update failed", "container_id", old.ContainerID, "error", err)
	}

	// A previous scale may have left a replica group behind under the same
	// name; a rerun reverts the project to a standalone instance.
	s.dropGroup(ctx, name)

	image := imageTag(name)
	appPort := s.defaultAppPort
	if project != nil {
		image = project.ImageName
		if project.AppPort != 0 {
			appPort = project.AppPort
		}
		if rebuild && project.Path != "" {
			if err := s.buildImage(ctx, project.Path, image); err != nil {
				return nil, err
			}
		}
	}

	var command []string
	if old.Command != "" {
		command = strings.Fields(old.Command)
	}
	instance, hostPort, err := s.startInstance(ctx, name, image, command, old.Environment, appPort, old.ProjectID)
	if err != nil {
		return nil, err
	}
	s.recordInstance(ctx, instance)
	s.attach(instance.ContainerID)

	return &RerunResult{
		Success:        true,
		Message:        fmt.Sprintf("project %s restarted", name),
		OldContainerID: old.ContainerID,
		Instance:       instance,
		AppURL:         fmt.Sprintf("http://localhost:%d", hostPort),
	}, nil
}

func (s *service) buildImage(ctx context.Context, dir, image string) error {
	onOutput := func(line string) {
		s.log.Debug("image build", "image", image, "output", line)
	}
	if err := s.runtime.BuildImage(ctx, dir, image, nil, onOutput); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return nil
}

// startInstance allocates a host port and starts a container. The port is
// returned to the pool when the start fails.
func (s *service) startInstance(ctx context.Context, name, image string, command []string, env map[string]string, appPort int, projectID string) (*domain.Instance, int, error) {
	hostPort, err := s.ports.Allocate()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	containerName := docker.InstanceName(name)
	started, err := s.runtime.StartInstance(ctx, containerName, image, command, envSlice(env), map[int]int{hostPort: appPort})
	if err != nil {
		s.ports.Release(hostPort)
		return nil, 0, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	now := time.Now().UTC()
	instance := &domain.Instance{
		ID:            uuid.NewString(),
		ContainerID:   started.ContainerID,
		ContainerName: started.ContainerName,
		ProjectID:     projectID,
		Status:        domain.InstanceRunning,
		Ports:         started.Ports,
		Environment:   env,
		Command:       strings.Join(command, " "),
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return instance, hostPort, nil
}

// recordProject upserts the registry record for a project name. Failures are
// logged and tolerated; the registry is a cache, not the source of truth.
func (s *service) recordProject(ctx context.Context, name, path, gitURL, image string, appPort int) *domain.Project {
	now := time.Now().UTC()
	project, err := s.projects.GetProjectByName(ctx, name)
	if err == nil {
		project.Path = path
		project.GitURL = gitURL
		project.ImageName = image
		project.AppPort = appPort
		project.UpdatedAt = now
		if err := s.projects.UpdateProject(ctx, project); err != nil {
			s.log.Warn("project record update failed", "project", name, "error", err)
		}
		return project
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("project lookup failed", "project", name, "error", err)
		return nil
	}
	project = &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		GitURL:    gitURL,
		ImageName: image,
		AppPort:   appPort,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		s.log.Warn("project record create failed", "project", name, "error", err)
		return nil
	}
	return project
}

func (s *service) recordInstance(ctx context.Context, instance *domain.Instance) {
	if err := s.instances.CreateInstance(ctx, instance); err != nil {
		s.log.Warn("instance record create failed",
			"container_id", instance.ContainerID, "error", err)
	}
}

func (s *service) attach(containerID string) {
	s.collector.Attach(containerID, func(ctx context.Context) (io.ReadCloser, error) {
		return s.runtime.StreamLogs(ctx, containerID)
	})
}

// dropGroup removes any replica group, service and record, for a name.
// Cluster inactivity and missing services are not failures here.
func (s *service) dropGroup(ctx context.Context, name string) {
	if err := s.cluster.RemoveService(ctx, name); err != nil &&
		!errors.Is(err, swarm.ErrNotFound) && !errors.Is(err, swarm.ErrUnavailable) {
		s.log.Warn("replica group service remove failed", "name", name, "error", err)
	}
	group, err := s.groups.GetReplicaGroupByName(ctx, name)
	if err != nil {
		return
	}
	if err := s.groups.DeleteReplicaGroup(ctx, group.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("replica group record delete failed", "name", name, "error", err)
	}
}

// imageTag derives the image tag for a project name.
func imageTag(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	return sanitized + ":latest"
}
