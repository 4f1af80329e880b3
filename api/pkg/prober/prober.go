// Package prober detects when a freshly spawned process tree starts serving.
package prober

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Prober polls a local TCP port until it accepts connections
type Prober struct {
	host   string
	dialer *net.Dialer
}

func New() *Prober {
	return &Prober{
		host:   "127.0.0.1",
		dialer: &net.Dialer{},
	}
}

// WaitUntilReady blocks until something accepts a TCP connection on port,
// timeout elapses, or ctx is cancelled. Refused and unreachable connections
// are retried every interval; running out of local sockets ends the probe
// early since retrying will not help.
func (p *Prober) WaitUntilReady(ctx context.Context, port int, timeout, interval time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(p.host, strconv.Itoa(port))
	start := time.Now()
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			conn, err := p.dialer.DialContext(probeCtx, "tcp", addr)
			if err != nil {
				if isLocalResourceError(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			_ = conn.Close()
			return nil
		},
		retry.Context(probeCtx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		log.Debug().
			Int("port", port).
			Int("attempts", attempts).
			Dur("elapsed", time.Since(start)).
			Msg("port is accepting connections")
		return true
	}

	if isLocalResourceError(err) {
		log.Error().Err(err).Int("port", port).Msg("readiness probe failed, local socket resources exhausted")
		return false
	}

	log.Warn().
		Err(err).
		Int("port", port).
		Int("attempts", attempts).
		Dur("timeout", timeout).
		Msg("port did not become ready")
	return false
}

func isLocalResourceError(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.EADDRNOTAVAIL)
}
