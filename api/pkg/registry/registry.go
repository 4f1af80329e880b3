// Package registry is the single source of truth for running desktop
// instances. It bounds the pool, drives each instance through its lifecycle
// and never holds its lock across process or network operations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/helixml/deskpool/api/pkg/allocator"
	"github.com/helixml/deskpool/api/pkg/diagnostics"
	"github.com/helixml/deskpool/api/pkg/metrics"
	"github.com/helixml/deskpool/api/pkg/supervisor"
	"github.com/helixml/deskpool/api/pkg/types"
)

const shutdownConcurrency = 8

type Options struct {
	Allocator   Allocator
	Supervisor  Supervisor
	Prober      Prober
	Diagnostics Diagnostics
	Metrics     metrics.Collector

	InstancesDir  string
	NamePrefix    string
	ReadyTimeout  time.Duration
	ReadyPoll     time.Duration
	RemoveWorkDir bool

	// Now defaults to time.Now
	Now func() time.Time
}

type record struct {
	instance types.Instance
	proc     *supervisor.Process
}

type Registry struct {
	opts Options

	mu        sync.Mutex
	instances map[string]*record
	closed    bool

	// creating tracks Create calls in flight so Shutdown can wait for them
	creating sync.WaitGroup

	// ctx is cancelled by Shutdown and bounds every readiness probe
	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) (*Registry, error) {
	if opts.Allocator == nil || opts.Supervisor == nil || opts.Prober == nil {
		return nil, fmt.Errorf("allocator, supervisor and prober are required")
	}
	if opts.InstancesDir == "" {
		return nil, fmt.Errorf("instances directory is required")
	}
	if opts.ReadyTimeout <= 0 || opts.ReadyPoll <= 0 {
		return nil, fmt.Errorf("readiness timeout and poll interval must be positive")
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = noopDiagnostics{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		instances: make(map[string]*record),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Capacity is the maximum number of instances
func (r *Registry) Capacity() int {
	return r.opts.Allocator.Capacity()
}

// Count is the number of instances holding resources, whatever their state
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Get returns a snapshot of an instance and counts as client activity
func (r *Registry) Get(sessionID string) (types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[sessionID]
	if !ok || !rec.instance.State.Visible() {
		return types.Instance{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	rec.instance.LastAccess = r.opts.Now()
	return rec.instance, nil
}

// Touch records a heartbeat
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[sessionID]
	if !ok || !rec.instance.State.Visible() {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	rec.instance.LastAccess = r.opts.Now()
	return nil
}

// List returns snapshots of every visible instance, oldest first
func (r *Registry) List() []types.Instance {
	r.mu.Lock()
	list := make([]types.Instance, 0, len(r.instances))
	for _, rec := range r.instances {
		if rec.instance.State.Visible() {
			list = append(list, rec.instance)
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].SessionID < list[j].SessionID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Expired returns the running instances idle for longer than idleTimeout
func (r *Registry) Expired(now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, rec := range r.instances {
		if rec.instance.State != types.InstanceStateRunning {
			continue
		}
		if now.Sub(rec.instance.LastAccess) > idleTimeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Create starts a new instance for sessionID and blocks until it serves on
// its noVNC port or fails. On failure nothing is left registered.
func (r *Registry) Create(ctx context.Context, sessionID string) (types.Instance, error) {
	began := time.Now()
	inst, err := r.create(ctx, sessionID)
	r.opts.Metrics.CreateDuration(createOutcome(err), time.Since(began))
	return inst, err
}

func (r *Registry) create(ctx context.Context, sessionID string) (types.Instance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.Instance{}, ErrShuttingDown
	}
	r.creating.Add(1)
	r.mu.Unlock()
	defer r.creating.Done()

	rec, inst, err := r.reserve(sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("unable to reserve instance")
		return types.Instance{}, err
	}

	return r.launch(ctx, rec, inst)
}

// reserve inserts a starting record holding a free triple. The allocator's
// host port checks run unlocked, so the triple is checked again under the
// lock and the scan repeated if a concurrent creation took it.
func (r *Registry) reserve(sessionID string) (*record, types.Instance, error) {
	capacity := r.opts.Allocator.Capacity()
	attempts := capacity + 2

	for attempt := 0; attempt < attempts; attempt++ {
		r.mu.Lock()
		if err := r.admitLocked(sessionID, capacity); err != nil {
			r.mu.Unlock()
			return nil, types.Instance{}, err
		}
		inUse := r.inUseLocked()
		r.mu.Unlock()

		triple, err := r.opts.Allocator.Allocate(inUse)
		if err != nil {
			if errors.Is(err, allocator.ErrNoFreeResources) {
				return nil, types.Instance{}, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
			}
			return nil, types.Instance{}, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}

		r.mu.Lock()
		if err := r.admitLocked(sessionID, capacity); err != nil {
			r.mu.Unlock()
			return nil, types.Instance{}, err
		}
		if r.takenLocked(triple) {
			r.mu.Unlock()
			log.Debug().Str("session_id", sessionID).Str("resources", triple.String()).Msg("triple taken concurrently, rescanning")
			continue
		}

		now := r.opts.Now()
		name := types.InstanceName(r.opts.NamePrefix, sessionID)
		rec := &record{
			instance: types.Instance{
				SessionID:  sessionID,
				Name:       name,
				Resources:  triple,
				WorkDir:    filepath.Join(r.opts.InstancesDir, name),
				State:      types.InstanceStateStarting,
				CreatedAt:  now,
				LastAccess: now,
			},
		}
		r.instances[sessionID] = rec
		inst := rec.instance
		count := len(r.instances)
		r.mu.Unlock()

		r.opts.Metrics.ActiveInstances(count)
		// rejected requests get no history, it would outlive them
		r.opts.Diagnostics.Record(sessionID, diagnostics.EventCreateRequested, nil)
		r.opts.Diagnostics.Record(sessionID, diagnostics.EventAllocated, map[string]string{
			"display":    strconv.Itoa(triple.Display),
			"vnc_port":   strconv.Itoa(triple.VNCPort),
			"novnc_port": strconv.Itoa(triple.NoVNCPort),
		})
		return rec, inst, nil
	}

	return nil, types.Instance{}, fmt.Errorf("%w: lost the allocation race %d times", ErrAllocationFailed, attempts)
}

func (r *Registry) admitLocked(sessionID string, capacity int) error {
	if r.closed {
		return ErrShuttingDown
	}
	if _, exists := r.instances[sessionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sessionID)
	}
	if len(r.instances) >= capacity {
		return fmt.Errorf("%w: %d of %d in use", ErrCapacityExhausted, len(r.instances), capacity)
	}
	return nil
}

func (r *Registry) inUseLocked() []types.ResourceTriple {
	inUse := make([]types.ResourceTriple, 0, len(r.instances))
	for _, rec := range r.instances {
		inUse = append(inUse, rec.instance.Resources)
	}
	return inUse
}

func (r *Registry) takenLocked(triple types.ResourceTriple) bool {
	for _, rec := range r.instances {
		if rec.instance.Resources.Overlaps(triple) {
			return true
		}
	}
	return false
}

// launch runs the slow part of Create without the lock. The instance must
// survive the caller going away, so only Shutdown cancels it.
func (r *Registry) launch(ctx context.Context, rec *record, inst types.Instance) (types.Instance, error) {
	launchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	var (
		proc     *supervisor.Process
		startErr error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		proc, startErr = r.start(launchCtx, rec, inst)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		log.Error().
			Str("session_id", inst.SessionID).
			Str("stack", string(recovered.Stack)).
			Msgf("panic while starting instance: %v", recovered.Value)
		startErr = fmt.Errorf("%w: %w", ErrStartFailed, recovered.AsError())
		proc = r.processOf(rec)
	}

	if startErr != nil {
		r.fail(launchCtx, rec, proc, startErr)
		return types.Instance{}, startErr
	}

	r.mu.Lock()
	rec.instance.State = types.InstanceStateRunning
	rec.instance.LastAccess = r.opts.Now()
	snapshot := rec.instance
	r.mu.Unlock()

	r.opts.Metrics.StateTransition(types.InstanceStateStarting, types.InstanceStateRunning)
	r.opts.Diagnostics.Record(inst.SessionID, diagnostics.EventReady, map[string]string{
		"pid": strconv.Itoa(snapshot.PID),
	})
	log.Info().
		Str("session_id", inst.SessionID).
		Str("name", inst.Name).
		Int("display", inst.Resources.Display).
		Int("vnc_port", inst.Resources.VNCPort).
		Int("novnc_port", inst.Resources.NoVNCPort).
		Int("pid", snapshot.PID).
		Msg("instance running")
	return snapshot, nil
}

// start prepares the work directory, spawns the process tree and waits for
// the noVNC port
func (r *Registry) start(ctx context.Context, rec *record, inst types.Instance) (*supervisor.Process, error) {
	if err := prepareWorkDir(inst.WorkDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	if err := r.opts.Diagnostics.Watch(inst.SessionID, inst.WorkDir); err != nil {
		log.Debug().Err(err).Str("session_id", inst.SessionID).Msg("unable to watch work directory")
	}

	proc, err := r.opts.Supervisor.Spawn(ctx, inst.Name, inst.Resources, inst.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	r.mu.Lock()
	rec.proc = proc
	rec.instance.PID = proc.PID
	r.mu.Unlock()

	r.opts.Diagnostics.Record(inst.SessionID, diagnostics.EventSpawned, map[string]string{
		"pid": strconv.Itoa(proc.PID),
	})

	if !r.opts.Prober.WaitUntilReady(ctx, inst.Resources.NoVNCPort, r.opts.ReadyTimeout, r.opts.ReadyPoll) {
		return proc, fmt.Errorf("%w: noVNC port %d not reachable after %s",
			ErrReadinessTimeout, inst.Resources.NoVNCPort, r.opts.ReadyTimeout)
	}
	return proc, nil
}

func (r *Registry) processOf(rec *record) *supervisor.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.proc
}

// fail moves a starting instance to error, tears it down and drops it.
// The record stays visible with its error state until teardown finishes.
func (r *Registry) fail(ctx context.Context, rec *record, proc *supervisor.Process, cause error) {
	r.mu.Lock()
	rec.instance.State = types.InstanceStateError
	inst := rec.instance
	r.mu.Unlock()

	r.opts.Metrics.StateTransition(types.InstanceStateStarting, types.InstanceStateError)
	r.opts.Diagnostics.Record(inst.SessionID, diagnostics.EventStartFailed, map[string]string{
		"error": cause.Error(),
	})
	log.Error().Err(cause).Str("session_id", inst.SessionID).Str("work_dir", inst.WorkDir).Msg("instance failed to start")
	r.opts.Diagnostics.DumpFailure(inst.SessionID, inst.WorkDir)

	r.teardown(ctx, inst, proc, metrics.ReasonFailed)
	r.drop(inst.SessionID)
}

// Remove tears down a running instance and forgets it. Only one caller wins
// a concurrent removal; the others get ErrNotFound.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	return r.remove(context.WithoutCancel(ctx), sessionID, metrics.ReasonDeleted)
}

// Expire is Remove on behalf of the idle reaper
func (r *Registry) Expire(ctx context.Context, sessionID string) error {
	return r.remove(context.WithoutCancel(ctx), sessionID, metrics.ReasonExpired)
}

func (r *Registry) remove(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	rec, ok := r.instances[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	switch rec.instance.State {
	case types.InstanceStateRunning:
	case types.InstanceStateStarting:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceStarting, sessionID)
	default:
		// already being torn down by someone else
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	rec.instance.State = types.InstanceStateTerminated
	inst := rec.instance
	proc := rec.proc
	r.mu.Unlock()

	r.opts.Metrics.StateTransition(types.InstanceStateRunning, types.InstanceStateTerminated)
	r.opts.Diagnostics.Record(sessionID, diagnostics.EventTerminating, map[string]string{"reason": reason})

	r.teardown(ctx, inst, proc, reason)
	r.drop(sessionID)

	log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("instance removed")
	return nil
}

// teardown stops the process tree. Failures are logged, never returned: the
// record is dropped regardless so its triple can be reused.
func (r *Registry) teardown(ctx context.Context, inst types.Instance, proc *supervisor.Process, reason string) {
	began := time.Now()
	if proc != nil {
		if err := r.opts.Supervisor.Terminate(ctx, proc, inst.WorkDir); err != nil {
			log.Warn().Err(err).Str("session_id", inst.SessionID).Int("pid", proc.PID).Msg("instance teardown incomplete")
		}
	}
	if r.opts.RemoveWorkDir {
		if err := os.RemoveAll(inst.WorkDir); err != nil {
			log.Warn().Err(err).Str("work_dir", inst.WorkDir).Msg("unable to remove work directory")
		}
	}
	r.opts.Metrics.TerminationDuration(reason, time.Since(began))
	r.opts.Diagnostics.Record(inst.SessionID, diagnostics.EventTerminated, map[string]string{"reason": reason})
}

func (r *Registry) drop(sessionID string) {
	r.mu.Lock()
	delete(r.instances, sessionID)
	count := len(r.instances)
	r.mu.Unlock()

	r.opts.Diagnostics.Forget(sessionID)
	r.opts.Metrics.ActiveInstances(count)
}

// Shutdown refuses new instances, aborts the ones still starting and tears
// down everything that is running. It returns early if ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	creating := make(chan struct{})
	go func() {
		r.creating.Wait()
		close(creating)
	}()
	select {
	case <-creating:
	case <-ctx.Done():
		return fmt.Errorf("waiting for instances to finish starting: %w", ctx.Err())
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id, rec := range r.instances {
		if rec.instance.State == types.InstanceStateRunning {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	log.Info().Int("instances", len(ids)).Msg("terminating all instances")

	p := pool.New().WithMaxGoroutines(shutdownConcurrency)
	for _, id := range ids {
		p.Go(func() {
			if err := r.remove(ctx, id, metrics.ReasonShutdown); err != nil && !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("session_id", id).Msg("error terminating instance during shutdown")
			}
		})
	}
	p.Wait()
	return ctx.Err()
}

// prepareWorkDir recreates dir empty so no stale PID file or log survives
// from a previous instance with the same name
func prepareWorkDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error clearing work directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating work directory %s: %w", dir, err)
	}
	return nil
}
