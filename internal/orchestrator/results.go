package orchestrator

import "github.com/jnoller/racer/internal/domain"

// RunRequest describes a deployment to launch. Exactly one of Path or GitURL
// locates the project source.
type RunRequest struct {
	Path        string            `json:"path,omitempty"`
	GitURL      string            `json:"git_url,omitempty"`
	AppPort     int               `json:"app_port,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Command     []string          `json:"command,omitempty"`
	CustomSteps []string          `json:"custom_steps,omitempty"`
}

// RunResult reports a successful launch.
type RunResult struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	Project  *domain.Project  `json:"project"`
	Instance *domain.Instance `json:"instance"`
	AppURL   string           `json:"app_url,omitempty"`
}

// OpResult is the outcome of a simple lifecycle operation.
type OpResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ContainerID string `json:"container_id,omitempty"`
}

// StatusResult reports the live state of an identifier. Kind distinguishes a
// single instance from a replica group; the group view wins when a name
// matches both.
type StatusResult struct {
	Success       bool                 `json:"success"`
	Kind          string               `json:"kind"`
	Instance      *domain.Instance     `json:"instance,omitempty"`
	Runtime       *domain.RuntimeState `json:"runtime,omitempty"`
	Group         *domain.GroupState   `json:"group,omitempty"`
	AppAccessible bool                 `json:"app_accessible"`
	Diagnostic    string               `json:"diagnostic,omitempty"`
}

// LogsResult carries fetched log output.
type LogsResult struct {
	Success     bool   `json:"success"`
	ContainerID string `json:"container_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Logs        string `json:"logs"`
}

// RerunResult reports a restart. The predecessor record is retained in the
// stopped state; Instance is the replacement.
type RerunResult struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	OldContainerID string           `json:"old_container_id"`
	Instance       *domain.Instance `json:"instance"`
	AppURL         string           `json:"app_url,omitempty"`
}

// ScaleRequest sets the absolute replica count for a named deployment.
type ScaleRequest struct {
	Name        string            `json:"name"`
	Replicas    int               `json:"replicas"`
	Image       string            `json:"image,omitempty"`
	AppPort     int               `json:"app_port,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// ScaleResult reports the replica group after a scaling operation.
type ScaleResult struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Group   *domain.ReplicaGroup `json:"group"`
	State   *domain.GroupState   `json:"state,omitempty"`
}

// CleanupResult reports which tracked instances were reaped.
type CleanupResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Removed []string `json:"removed"`
	Purged  int      `json:"purged_records"`
}

// ListItem is one row of the merged deployment listing.
type ListItem struct {
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Status      string      `json:"status"`
	Replicas    int         `json:"replicas,omitempty"`
	ContainerID string      `json:"container_id,omitempty"`
	ServiceID   string      `json:"service_id,omitempty"`
	Ports       map[int]int `json:"ports,omitempty"`
}

// ListResult is the merged view of instances and replica groups.
type ListResult struct {
	Success bool       `json:"success"`
	Items   []ListItem `json:"items"`
}
