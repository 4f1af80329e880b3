package types

import "time"

// Status values used in API bodies that carry no instance data
const (
	APIStatusOK       = "ok"
	APIStatusDeleted  = "deleted"
	APIStatusError    = "error"
	APIStatusNotFound = "not_found"
	APIStatusHealthy  = "healthy"
)

// StatusResponse is the body of heartbeat, delete and not-found replies
type StatusResponse struct {
	Status string `json:"status"`
}

// StatsResponse is returned by GET /api/stats
type StatsResponse struct {
	ActiveInstances int     `json:"active_instances"`
	MaxInstances    int     `json:"max_instances"`
	Uptime          float64 `json:"uptime"`
}

// InstanceResponse is returned by GET /api/instance/{id}
type InstanceResponse struct {
	Status    InstanceState `json:"status"`
	NoVNCPort int           `json:"novnc_port"`
	VNCPort   int           `json:"vnc_port"`
	CreatedAt float64       `json:"created_at"`
}

// InstanceSummary is one entry of GET /api/instances
type InstanceSummary struct {
	ID         string        `json:"id"`
	Status     InstanceState `json:"status"`
	CreatedAt  float64       `json:"created_at"`
	LastAccess float64       `json:"last_access"`
}

// InstanceListResponse is returned by GET /api/instances
type InstanceListResponse struct {
	Instances []InstanceSummary `json:"instances"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status       string          `json:"status"`
	Instances    int             `json:"instances"`
	Dependencies map[string]bool `json:"dependencies"`
	Scripts      map[string]bool `json:"scripts"`
}

// InstanceEvent is one diagnostics record kept for an instance
type InstanceEvent struct {
	ID     string            `json:"id"`
	Time   time.Time         `json:"time"`
	Event  string            `json:"event"`
	Fields map[string]string `json:"fields,omitempty"`
}

// InstanceEventsResponse is returned by GET /api/instance/{id}/events
type InstanceEventsResponse struct {
	Events []InstanceEvent `json:"events"`
}

// UnixSeconds renders a timestamp the way the browser client expects it
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// ToResponse converts an instance snapshot to its poll response
func (i *Instance) ToResponse() *InstanceResponse {
	return &InstanceResponse{
		Status:    i.State,
		NoVNCPort: i.Resources.NoVNCPort,
		VNCPort:   i.Resources.VNCPort,
		CreatedAt: UnixSeconds(i.CreatedAt),
	}
}

// ToSummary converts an instance snapshot to its list entry
func (i *Instance) ToSummary() InstanceSummary {
	return InstanceSummary{
		ID:         i.SessionID,
		Status:     i.State,
		CreatedAt:  UnixSeconds(i.CreatedAt),
		LastAccess: UnixSeconds(i.LastAccess),
	}
}
