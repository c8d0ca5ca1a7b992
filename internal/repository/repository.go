package repository

import (
	"context"

	"github.com/jnoller/racer/internal/domain"
)

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	FindProjectByIDPrefix(ctx context.Context, prefix string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	DeleteProject(ctx context.Context, id string) error
}

// InstanceRepository stores container instance records.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, instance *domain.Instance) error
	GetInstanceByContainerID(ctx context.Context, containerID string) (*domain.Instance, error)
	FindInstanceByContainerIDPrefix(ctx context.Context, prefix string) (*domain.Instance, error)
	ListInstances(ctx context.Context) ([]domain.Instance, error)
	ListInstancesByProject(ctx context.Context, projectID string) ([]domain.Instance, error)
	ListInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.Instance, error)
	UpdateInstanceStatus(ctx context.Context, containerID string, status domain.InstanceStatus) error
	DeleteInstance(ctx context.Context, containerID string) error
	PurgeStoppedInstances(ctx context.Context) (int, error)
}

// ReplicaGroupRepository stores replica group records.
type ReplicaGroupRepository interface {
	CreateReplicaGroup(ctx context.Context, group *domain.ReplicaGroup) error
	GetReplicaGroupByName(ctx context.Context, name string) (*domain.ReplicaGroup, error)
	GetReplicaGroupByServiceID(ctx context.Context, serviceID string) (*domain.ReplicaGroup, error)
	ListReplicaGroups(ctx context.Context) ([]domain.ReplicaGroup, error)
	UpdateReplicaGroup(ctx context.Context, group *domain.ReplicaGroup) error
	DeleteReplicaGroup(ctx context.Context, id string) error
}
