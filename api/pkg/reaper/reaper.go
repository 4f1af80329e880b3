// Package reaper periodically removes instances nobody has touched for a
// while.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/helixml/deskpool/api/pkg/metrics"
	"github.com/helixml/deskpool/api/pkg/registry"
)

// Registry is the part of the registry the reaper drives
type Registry interface {
	Expired(now time.Time, idleTimeout time.Duration) []string
	Expire(ctx context.Context, sessionID string) error
}

type Options struct {
	Registry    Registry
	IdleTimeout time.Duration
	Interval    time.Duration
	// Concurrency bounds parallel teardowns within one sweep
	Concurrency int
	Metrics     metrics.Collector
	Now         func() time.Time
}

type Reaper struct {
	registry    Registry
	idleTimeout time.Duration
	interval    time.Duration
	concurrency int
	metrics     metrics.Collector
	now         func() time.Time

	mu   sync.Mutex
	cron gocron.Scheduler
}

func New(opts Options) (*Reaper, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.IdleTimeout <= 0 || opts.Interval <= 0 {
		return nil, fmt.Errorf("idle timeout and interval must be positive")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reaper{
		registry:    opts.Registry,
		idleTimeout: opts.IdleTimeout,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}, nil
}

// Sweep removes every instance idle for longer than the idle timeout at now
// and returns the ids it removed. Instances deleted concurrently by a client
// are skipped.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) []string {
	expired := r.registry.Expired(now, r.idleTimeout)
	if len(expired) == 0 {
		return nil
	}

	log.Info().Int("instances", len(expired)).Dur("idle_timeout", r.idleTimeout).Msg("reaping idle instances")

	p := pool.NewWithResults[string]().WithMaxGoroutines(r.concurrency)
	for _, id := range expired {
		p.Go(func() string {
			err := r.registry.Expire(ctx, id)
			switch {
			case err == nil:
				return id
			case errors.Is(err, registry.ErrNotFound):
				log.Debug().Str("session_id", id).Msg("instance already removed")
			default:
				log.Warn().Err(err).Str("session_id", id).Msg("unable to reap instance")
			}
			return ""
		})
	}

	var removed []string
	for _, id := range p.Wait() {
		if id != "" {
			removed = append(removed, id)
		}
	}
	r.metrics.InstancesReaped(len(removed))
	return removed
}

// Start schedules Sweep every interval until Stop is called
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			r.Sweep(ctx, r.now())
		}),
		gocron.WithName("idle-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	cron.Start()
	r.cron = cron

	log.Info().Dur("interval", r.interval).Dur("idle_timeout", r.idleTimeout).Msg("reaper started")
	return nil
}

// Stop waits for a running sweep to finish
func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return nil
	}
	err := r.cron.Shutdown()
	r.cron = nil
	if err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}
