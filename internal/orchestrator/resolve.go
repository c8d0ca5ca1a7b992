package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/repository"
)

// resolveInstance maps a user-supplied identifier onto a tracked instance.
// Exact matches win over prefix matches, and project identity wins over
// container identity:
//
//	project id, project name, container id, project id prefix,
//	container id prefix.
func (s *service) resolveInstance(ctx context.Context, identifier string) (*domain.Instance, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier cannot be empty", ErrValidation)
	}

	if p, err := s.projects.GetProjectByID(ctx, identifier); err == nil {
		return s.latestInstance(ctx, p.ID)
	} else if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, repository.ErrInvalidArgument) {
		return nil, err
	}

	if p, err := s.projects.GetProjectByName(ctx, identifier); err == nil {
		return s.latestInstance(ctx, p.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if in, err := s.instances.GetInstanceByContainerID(ctx, identifier); err == nil {
		return in, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if p, err := s.projects.FindProjectByIDPrefix(ctx, identifier); err == nil {
		return s.latestInstance(ctx, p.ID)
	} else if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, repository.ErrInvalidArgument) {
		return nil, err
	}

	if in, err := s.instances.FindInstanceByContainerIDPrefix(ctx, identifier); err == nil {
		return in, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return nil, fmt.Errorf("%w: no instance matches %q", ErrNotFound, identifier)
}

// latestInstance picks the instance a project identifier refers to: the most
// recent running one, falling back to the most recent not yet removed.
func (s *service) latestInstance(ctx context.Context, projectID string) (*domain.Instance, error) {
	instances, err := s.instances.ListInstancesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var fallback *domain.Instance
	for i := range instances {
		in := &instances[i]
		switch in.Status {
		case domain.InstanceRunning:
			return in, nil
		case domain.InstanceStopped:
			if fallback == nil {
				fallback = in
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: project has no instances", ErrNotFound)
}

// ResolveContainer maps an identifier to a runtime container id for log
// streaming.
func (s *service) ResolveContainer(ctx context.Context, identifier string) (string, error) {
	in, err := s.resolveInstance(ctx, identifier)
	if err != nil {
		return "", err
	}
	return in.ContainerID, nil
}

var instanceSuffix = regexp.MustCompile(`-\d+-[0-9a-f]{8}$`)

// projectNameFromContainer recovers the project name from a generated
// container name. Names that do not match the generated shape pass through
// unchanged.
func projectNameFromContainer(containerName string) string {
	return instanceSuffix.ReplaceAllString(containerName, "")
}
