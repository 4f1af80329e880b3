// Package allocator hands out display/port triples from a fixed-size pool.
package allocator

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helixml/deskpool/api/pkg/types"
)

// ErrNoFreeResources is returned when every offset of the pool is taken,
// either by a registered instance or by a process bound outside our control
var ErrNoFreeResources = errors.New("no free display/port triple")

const defaultDialTimeout = 200 * time.Millisecond

// PortChecker reports whether something already accepts connections on a
// local TCP port
type PortChecker func(port int) bool

// Options configures the pool layout
type Options struct {
	PoolSize      int
	BaseDisplay   int
	BaseVNCPort   int
	BaseNoVNCPort int
	// PortInUse defaults to a TCP dial against 127.0.0.1
	PortInUse PortChecker
}

// Allocator scans the pool for the first usable offset. It keeps no state of
// its own; reservations live in the registry.
type Allocator struct {
	poolSize      int
	baseDisplay   int
	baseVNCPort   int
	baseNoVNCPort int
	portInUse     PortChecker
}

func New(opts Options) (*Allocator, error) {
	if opts.PoolSize <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", opts.PoolSize)
	}
	if opts.BaseDisplay < 0 || opts.BaseVNCPort <= 0 || opts.BaseNoVNCPort <= 0 {
		return nil, fmt.Errorf("invalid pool bases: display %d, vnc %d, novnc %d",
			opts.BaseDisplay, opts.BaseVNCPort, opts.BaseNoVNCPort)
	}
	if opts.BaseVNCPort+opts.PoolSize-1 > 65535 || opts.BaseNoVNCPort+opts.PoolSize-1 > 65535 {
		return nil, fmt.Errorf("port range exceeds 65535 for pool size %d", opts.PoolSize)
	}
	portInUse := opts.PortInUse
	if portInUse == nil {
		portInUse = IsPortInUse
	}
	return &Allocator{
		poolSize:      opts.PoolSize,
		baseDisplay:   opts.BaseDisplay,
		baseVNCPort:   opts.BaseVNCPort,
		baseNoVNCPort: opts.BaseNoVNCPort,
		portInUse:     portInUse,
	}, nil
}

// Capacity is the number of triples in the pool
func (a *Allocator) Capacity() int {
	return a.poolSize
}

// Triple returns the resources derived from an offset
func (a *Allocator) Triple(offset int) types.ResourceTriple {
	return types.ResourceTriple{
		Offset:    offset,
		Display:   a.baseDisplay + offset,
		VNCPort:   a.baseVNCPort + offset,
		NoVNCPort: a.baseNoVNCPort + offset,
	}
}

// Allocate returns the lowest offset whose triple does not collide with any
// triple in inUse and whose ports are not bound on the host. Bound ports
// usually mean an orphaned process from a previous run.
func (a *Allocator) Allocate(inUse []types.ResourceTriple) (types.ResourceTriple, error) {
	for offset := 0; offset < a.poolSize; offset++ {
		candidate := a.Triple(offset)
		if collides(candidate, inUse) {
			continue
		}
		if a.portInUse(candidate.VNCPort) || a.portInUse(candidate.NoVNCPort) {
			log.Warn().
				Int("offset", offset).
				Int("vnc_port", candidate.VNCPort).
				Int("novnc_port", candidate.NoVNCPort).
				Msg("skipping offset, port already bound on host")
			continue
		}
		return candidate, nil
	}
	return types.ResourceTriple{}, fmt.Errorf("%w: %d in use out of %d", ErrNoFreeResources, len(inUse), a.poolSize)
}

func collides(candidate types.ResourceTriple, inUse []types.ResourceTriple) bool {
	for _, used := range inUse {
		if candidate.Overlaps(used) {
			return true
		}
	}
	return false
}

// IsPortInUse dials the port on the loopback interface
func IsPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), defaultDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
