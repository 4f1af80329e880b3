package types

import (
	"fmt"
	"time"
)

// InstanceState is the lifecycle state of a managed desktop instance
type InstanceState string

const (
	InstanceStateStarting   InstanceState = "starting"
	InstanceStateRunning    InstanceState = "running"
	InstanceStateError      InstanceState = "error"
	InstanceStateTerminated InstanceState = "terminated"
)

// Visible reports whether clients may observe an instance in this state.
// Terminated records only linger while their process tree is torn down.
func (s InstanceState) Visible() bool {
	return s == InstanceStateStarting || s == InstanceStateRunning || s == InstanceStateError
}

// ResourceTriple is the set of numeric resources bound to one instance.
// Every coordinate is base + Offset, so two triples with different offsets
// never share a display or a port.
type ResourceTriple struct {
	Offset    int `json:"offset"`
	Display   int `json:"display"`
	VNCPort   int `json:"vnc_port"`
	NoVNCPort int `json:"novnc_port"`
}

func (r ResourceTriple) String() string {
	return fmt.Sprintf(":%d vnc=%d novnc=%d", r.Display, r.VNCPort, r.NoVNCPort)
}

// Overlaps reports whether the two triples share any coordinate
func (r ResourceTriple) Overlaps(other ResourceTriple) bool {
	return r.Display == other.Display ||
		r.VNCPort == other.VNCPort ||
		r.NoVNCPort == other.NoVNCPort
}

// Instance is a snapshot of one managed desktop session. The registry owns
// the authoritative copy; everything handed out is a value copy.
type Instance struct {
	SessionID  string         `json:"id"`
	Name       string         `json:"name"`
	Resources  ResourceTriple `json:"resources"`
	WorkDir    string         `json:"work_dir"`
	PID        int            `json:"pid"`
	State      InstanceState  `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	LastAccess time.Time      `json:"last_access"`
}

// InstanceName derives the process-tree name for a session
func InstanceName(prefix, sessionID string) string {
	if prefix == "" {
		return sessionID
	}
	return prefix + "_" + sessionID
}
