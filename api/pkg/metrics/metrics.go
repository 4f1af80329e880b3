// Package metrics exposes instance lifecycle counters and timings.
package metrics

import (
	"net/http"
	"time"

	"github.com/helixml/deskpool/api/pkg/types"
)

// Collector receives lifecycle observations from the registry and reaper.
// Labels are kept low cardinality, session ids never become label values.
type Collector interface {
	StateTransition(from, to types.InstanceState)
	CreateDuration(outcome string, duration time.Duration)
	TerminationDuration(reason string, duration time.Duration)
	ActiveInstances(count int)
	InstancesReaped(count int)
	Handler() http.Handler
}

// Outcomes and reasons used as label values
const (
	OutcomeSuccess           = "success"
	OutcomeCapacityExhausted = "capacity_exhausted"
	OutcomeAllocationFailed  = "allocation_failed"
	OutcomeStartFailed       = "start_failed"
	OutcomeReadinessTimeout  = "readiness_timeout"
	OutcomeAlreadyExists     = "already_exists"

	ReasonDeleted  = "deleted"
	ReasonExpired  = "expired"
	ReasonFailed   = "failed"
	ReasonShutdown = "shutdown"
)

type noop struct{}

// NewNoop returns a collector that discards everything
func NewNoop() Collector {
	return noop{}
}

func (noop) StateTransition(types.InstanceState, types.InstanceState) {}
func (noop) CreateDuration(string, time.Duration) {}
func (noop) TerminationDuration(string, time.Duration) {}
func (noop) ActiveInstances(int) {}
func (noop) InstancesReaped(int) {}

func (noop) Handler() http.Handler {
	return http.NotFoundHandler()
}
