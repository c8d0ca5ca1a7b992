package domain

import "time"

// InstanceStatus is the registry-tracked lifecycle state of an instance.
// The runtime's own status is the ground truth and may diverge.
type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstanceStopped InstanceStatus = "stopped"
	InstanceRemoved InstanceStatus = "removed"
)

// Instance is one running (or previously running) container realizing a
// project. Status transitions are forward only; a rerun creates a new
// Instance record rather than reviving an old one.
type Instance struct {
	ID            string            `json:"id"`
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	ProjectID     string            `json:"project_id"`
	GroupID       string            `json:"group_id,omitempty"`
	Status        InstanceStatus    `json:"status"`
	Ports         map[int]int       `json:"ports,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Command       string            `json:"command,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RuntimeState is a point-in-time view of a container as reported by the
// runtime itself. Ports map host port to container port.
type RuntimeState struct {
	ContainerID   string      `json:"container_id"`
	ContainerName string      `json:"container_name"`
	Image         string      `json:"image"`
	Status        string      `json:"status"`
	Ports         map[int]int `json:"ports,omitempty"`
	StartedAt     string      `json:"started_at,omitempty"`
	FinishedAt    string      `json:"finished_at,omitempty"`
}

// Running reports whether the runtime considers the container live.
func (s RuntimeState) Running() bool {
	return s.Status == "running"
}
