package domain

import "time"

// ReplicaGroup is a named horizontally-scaled deployment backed by the
// cluster runtime. The registry record is a cache of desired state; the
// cluster is authoritative for the actual replica processes.
type ReplicaGroup struct {
	ID          string            `json:"id"`
	ServiceID   string            `json:"service_id,omitempty"`
	Name        string            `json:"name"`
	Replicas    int               `json:"replicas"`
	Image       string            `json:"image"`
	Ports       map[int]int       `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// GroupState is a point-in-time view of a replica group as reported by the
// cluster runtime. Status derives from the observed replica count: running
// when at least one replica is live, stopped otherwise.
type GroupState struct {
	ServiceID       string      `json:"service_id"`
	Name            string      `json:"name"`
	Image           string      `json:"image"`
	DesiredReplicas int         `json:"desired_replicas"`
	RunningReplicas int         `json:"running_replicas"`
	Ports           map[int]int `json:"ports,omitempty"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
