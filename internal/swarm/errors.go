package swarm

import "errors"

var (
	// ErrUnavailable indicates the runtime is not running in cluster mode.
	ErrUnavailable = errors.New("swarm: cluster mode not active")
	// ErrNotFound indicates the requested service does not exist.
	ErrNotFound = errors.New("swarm: service not found")
)
