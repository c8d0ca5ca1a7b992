package domain

import "time"

// Project is a named deployable unit. A project is created implicitly the
// first time an instance runs for a previously unseen name.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	GitURL    string    `json:"git_url,omitempty"`
	ImageName string    `json:"image_name"`
	AppPort   int       `json:"app_port"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
