package registry

import (
	"errors"

	"github.com/helixml/deskpool/api/pkg/metrics"
)

var (
	ErrCapacityExhausted = errors.New("maximum number of instances reached")
	ErrAllocationFailed  = errors.New("unable to allocate a display and ports")
	ErrStartFailed       = errors.New("instance failed to start")
	ErrReadinessTimeout  = errors.New("instance did not become ready in time")
	ErrNotFound          = errors.New("instance not found")
	ErrAlreadyExists     = errors.New("instance already exists")
	ErrInstanceStarting  = errors.New("instance is still starting")
	ErrShuttingDown      = errors.New("registry is shutting down")
)

// createOutcome maps the result of Create to a metrics label
func createOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrCapacityExhausted), errors.Is(err, ErrShuttingDown):
		return metrics.OutcomeCapacityExhausted
	case errors.Is(err, ErrAllocationFailed):
		return metrics.OutcomeAllocationFailed
	case errors.Is(err, ErrReadinessTimeout):
		return metrics.OutcomeReadinessTimeout
	case errors.Is(err, ErrAlreadyExists):
		return metrics.OutcomeAlreadyExists
	default:
		return metrics.OutcomeStartFailed
	}
}
