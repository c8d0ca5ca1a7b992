package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository      = (*Repository)(nil)
	_ repository.InstanceRepository     = (*Repository)(nil)
	_ repository.ReplicaGroupRepository = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, path, git_url, image_name, app_port, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Path, project.GitURL, project.ImageName, project.AppPort, project.CreatedAt, project.UpdatedAt)
	return wrapError(err)
}

const projectColumns = `id, name, path, git_url, image_name, app_port, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.GitURL, &p.ImageName, &p.AppPort, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, id))
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE name = $1`
	return scanProject(r.pool.QueryRow(ctx, query, name))
}

// FindProjectByIDPrefix resolves a short identifier to a project.
func (r *Repository) FindProjectByIDPrefix(ctx context.Context, prefix string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id LIKE $1 || '%' ORDER BY created_at LIMIT 1`
	return scanProject(r.pool.QueryRow(ctx, query, prefix))
}

// ListProjects returns all projects ordered by creation time.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.GitURL, &p.ImageName, &p.AppPort, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject rewrites the mutable fields of a project record.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET path = $2, git_url = $3, image_name = $4, app_port = $5, updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, project.ID, project.Path, project.GitURL, project.ImageName, project.AppPort)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project; instances cascade.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateInstance inserts an instance record.
func (r *Repository) CreateInstance(ctx context.Context, instance *domain.Instance) error {
	const query = `INSERT INTO instances (id, container_id, container_name, project_id, group_id, status, ports, environment, command, started_at, stopped_at, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		instance.ID, instance.ContainerID, instance.ContainerName, instance.ProjectID, instance.GroupID,
		instance.Status, instance.Ports, instance.Environment, instance.Command,
		instance.StartedAt, instance.StoppedAt, instance.CreatedAt, instance.UpdatedAt)
	return wrapError(err)
}

const instanceColumns = `id, container_id, container_name, COALESCE(project_id, ''), COALESCE(group_id, ''), status,
		COALESCE(ports, '{}'::jsonb), COALESCE(environment, '{}'::jsonb), COALESCE(command, ''),
		started_at, stopped_at, created_at, updated_at`

func scanInstance(row pgx.Row) (*domain.Instance, error) {
	var in domain.Instance
	if err := row.Scan(&in.ID, &in.ContainerID, &in.ContainerName, &in.ProjectID, &in.GroupID, &in.Status,
		&in.Ports, &in.Environment, &in.Command, &in.StartedAt, &in.StoppedAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

// GetInstanceByContainerID fetches an instance by its runtime container id.
func (r *Repository) GetInstanceByContainerID(ctx context.Context, containerID string) (*domain.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM instances WHERE container_id = $1`
	return scanInstance(r.pool.QueryRow(ctx, query, containerID))
}

// FindInstanceByContainerIDPrefix resolves a short container id.
func (r *Repository) FindInstanceByContainerIDPrefix(ctx context.Context, prefix string) (*domain.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM instances WHERE container_id LIKE $1 || '%' ORDER BY created_at LIMIT 1`
	return scanInstance(r.pool.QueryRow(ctx, query, prefix))
}

func (r *Repository) listInstances(ctx context.Context, query string, args ...any) ([]domain.Instance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]domain.Instance, 0)
	for rows.Next() {
		var in domain.Instance
		if err := rows.Scan(&in.ID, &in.ContainerID, &in.ContainerName, &in.ProjectID, &in.GroupID, &in.Status,
			&in.Ports, &in.Environment, &in.Command, &in.StartedAt, &in.StoppedAt, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}

// ListInstances returns every tracked instance.
func (r *Repository) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM instances ORDER BY created_at DESC`
	return r.listInstances(ctx, query)
}

// ListInstancesByProject returns instances belonging to a project.
func (r *Repository) ListInstancesByProject(ctx context.Context, projectID string) ([]domain.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM instances WHERE project_id = $1 ORDER BY created_at DESC`
	return r.listInstances(ctx, query, projectID)
}

// ListInstancesByStatus returns instances filtered by tracked status.
func (r *Repository) ListInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]domain.Instance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM instances WHERE status = $1 ORDER BY created_at DESC`
	return r.listInstances(ctx, query, status)
}

// UpdateInstanceStatus moves an instance to a new tracked status. Reaching
// stopped records the stop timestamp.
func (r *Repository) UpdateInstanceStatus(ctx context.Context, containerID string, status domain.InstanceStatus) error {
	const query = `UPDATE instances
		SET status = $2,
			stopped_at = CASE WHEN $2 = 'stopped' AND stopped_at IS NULL THEN now() ELSE stopped_at END,
			updated_at = now()
		WHERE container_id = $1`
	tag, err := r.pool.Exec(ctx, query, containerID, status)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteInstance removes an instance record.
func (r *Repository) DeleteInstance(ctx context.Context, containerID string) error {
	const query = `DELETE FROM instances WHERE container_id = $1`
	tag, err := r.pool.Exec(ctx, query, containerID)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// PurgeStoppedInstances deletes every record in the stopped status and
// reports how many were removed.
func (r *Repository) PurgeStoppedInstances(ctx context.Context) (int, error) {
	const query = `DELETE FROM instances WHERE status = 'stopped'`
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, wrapError(err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateReplicaGroup inserts a replica group record.
func (r *Repository) CreateReplicaGroup(ctx context.Context, group *domain.ReplicaGroup) error {
	const query = `INSERT INTO replica_groups (id, service_id, name, replicas, image, ports, environment, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		group.ID, group.ServiceID, group.Name, group.Replicas, group.Image,
		group.Ports, group.Environment, group.CreatedAt, group.UpdatedAt)
	return wrapError(err)
}

const groupColumns = `id, COALESCE(service_id, ''), name, replicas, image,
		COALESCE(ports, '{}'::jsonb), COALESCE(environment, '{}'::jsonb), created_at, updated_at`

func scanGroup(row pgx.Row) (*domain.ReplicaGroup, error) {
	var g domain.ReplicaGroup
	if err := row.Scan(&g.ID, &g.ServiceID, &g.Name, &g.Replicas, &g.Image, &g.Ports, &g.Environment, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// GetReplicaGroupByName fetches a group by its project name.
func (r *Repository) GetReplicaGroupByName(ctx context.Context, name string) (*domain.ReplicaGroup, error) {
	const query = `SELECT ` + groupColumns + ` FROM replica_groups WHERE name = $1`
	return scanGroup(r.pool.QueryRow(ctx, query, name))
}

// GetReplicaGroupByServiceID fetches a group by the cluster service id.
func (r *Repository) GetReplicaGroupByServiceID(ctx context.Context, serviceID string) (*domain.ReplicaGroup, error) {
	const query = `SELECT ` + groupColumns + ` FROM replica_groups WHERE service_id = $1`
	return scanGroup(r.pool.QueryRow(ctx, query, serviceID))
}

// ListReplicaGroups returns all replica groups.
func (r *Repository) ListReplicaGroups(ctx context.Context) ([]domain.ReplicaGroup, error) {
	const query = `SELECT ` + groupColumns + ` FROM replica_groups ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]domain.ReplicaGroup, 0)
	for rows.Next() {
		var g domain.ReplicaGroup
		if err := rows.Scan(&g.ID, &g.ServiceID, &g.Name, &g.Replicas, &g.Image, &g.Ports, &g.Environment, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateReplicaGroup rewrites the mutable fields of a group record.
func (r *Repository) UpdateReplicaGroup(ctx context.Context, group *domain.ReplicaGroup) error {
	const query = `UPDATE replica_groups
		SET service_id = NULLIF($2, ''), replicas = $3, image = $4, ports = $5, environment = $6, updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, group.ID, group.ServiceID, group.Replicas, group.Image, group.Ports, group.Environment)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteReplicaGroup removes a group record.
func (r *Repository) DeleteReplicaGroup(ctx context.Context, id string) error {
	const query = `DELETE FROM replica_groups WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return wrapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// wrapError maps PostgreSQL error codes onto repository sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
