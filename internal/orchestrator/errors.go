package orchestrator

import "errors"

// Operation failures are classified into a small set of sentinel errors so
// the transport layer can map them to response codes without string matching.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrBuildFailed        = errors.New("image build failed")
	ErrStartFailed        = errors.New("instance start failed")
	ErrRuntimeUnreachable = errors.New("container runtime unreachable")
	ErrClusterUnavailable = errors.New("cluster mode unavailable")
)

// Category names the failure class of an orchestrator error.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBuildFailed):
		return "build_failed"
	case errors.Is(err, ErrStartFailed):
		return "start_failed"
	case errors.Is(err, ErrRuntimeUnreachable):
		return "runtime_unreachable"
	case errors.Is(err, ErrClusterUnavailable):
		return "cluster_unavailable"
	default:
		return "internal_error"
	}
}
