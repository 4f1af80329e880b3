package registry

import (
	"context"
	"time"

	"github.com/helixml/deskpool/api/pkg/supervisor"
	"github.com/helixml/deskpool/api/pkg/types"
)

//go:generate mockgen -source $GOFILE -destination registry_mocks.go -package $GOPACKAGE

type Allocator interface {
	Capacity() int
	Allocate(inUse []types.ResourceTriple) (types.ResourceTriple, error)
}

type Supervisor interface {
	Spawn(ctx context.Context, name string, resources types.ResourceTriple, workDir string) (*supervisor.Process, error)
	Terminate(ctx context.Context, proc *supervisor.Process, workDir string) error
}

type Prober interface {
	WaitUntilReady(ctx context.Context, port int, timeout, interval time.Duration) bool
}

// Diagnostics receives lifecycle events. It never influences the outcome of
// an operation.
type Diagnostics interface {
	Record(sessionID, event string, fields map[string]string)
	DumpFailure(sessionID, workDir string)
	Watch(sessionID, workDir string) error
	Forget(sessionID string)
}

type noopDiagnostics struct{}

func (noopDiagnostics) Record(string, string, map[string]string) {}
func (noopDiagnostics) DumpFailure(string, string) {}
func (noopDiagnostics) Watch(string, string) error { return nil }
func (noopDiagnostics) Forget(string) {}
