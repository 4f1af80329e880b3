// Package diagnostics keeps a short structured history of what happened to
// each instance and dumps instance logs when a start fails.
package diagnostics

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/helixml/deskpool/api/pkg/system"
	"github.com/helixml/deskpool/api/pkg/types"
)

// Lifecycle event names
const (
	EventCreateRequested = "create_requested"
	EventAllocated       = "allocated"
	EventSpawned         = "spawned"
	EventProcessStarted  = "process_started"
	EventReady           = "ready"
	EventStartFailed     = "start_failed"
	EventTerminating     = "terminating"
	EventTerminated      = "terminated"
	EventExpired         = "expired"
)

type Options struct {
	EventHistory int
	TailLines    int
	// Retention is how long events of a removed instance stay queryable
	Retention time.Duration
}

type Logger struct {
	history   int
	tailLines int
	retention time.Duration

	rings    *xsync.MapOf[string, *ring]
	watchers *xsync.MapOf[string, *fsnotify.Watcher]
}

func New(opts Options) *Logger {
	if opts.EventHistory <= 0 {
		opts.EventHistory = 100
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 50
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	return &Logger{
		history:   opts.EventHistory,
		tailLines: opts.TailLines,
		retention: opts.Retention,
		rings:     xsync.NewMapOf[string, *ring](),
		watchers:  xsync.NewMapOf[string, *fsnotify.Watcher](),
	}
}

// Record logs a lifecycle event and appends it to the instance's history
func (l *Logger) Record(sessionID, event string, fields map[string]string) {
	ev := types.InstanceEvent{
		ID:     system.GenerateID(),
		Time:   time.Now(),
		Event:  event,
		Fields: fields,
	}

	r, _ := l.rings.LoadOrCompute(sessionID, func() *ring {
		return newRing(l.history)
	})
	r.add(ev)

	logEvent(event).
		Str("session_id", sessionID).
		Str("event", event).
		Fields(toLogFields(fields)).
		Msg("instance event")
}

// Events returns the recorded history of an instance, oldest first. The
// second result is false when nothing was ever recorded for it or its
// retention has passed.
func (l *Logger) Events(sessionID string) ([]types.InstanceEvent, bool) {
	r, ok := l.rings.Load(sessionID)
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Forget stops watching an instance and lets its history expire
func (l *Logger) Forget(sessionID string) {
	if watcher, ok := l.watchers.LoadAndDelete(sessionID); ok {
		if err := watcher.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("error closing pid file watcher")
		}
	}
	if r, ok := l.rings.Load(sessionID); ok {
		r.retire(time.Now())
	}
	l.prune(time.Now())
}

func (l *Logger) prune(now time.Time) {
	l.rings.Range(func(sessionID string, r *ring) bool {
		if r.expired(now, l.retention) {
			l.rings.Delete(sessionID)
		}
		return true
	})
}

// Close stops every watcher
func (l *Logger) Close() {
	l.watchers.Range(func(sessionID string, watcher *fsnotify.Watcher) bool {
		_ = watcher.Close()
		l.watchers.Delete(sessionID)
		return true
	})
}

func logEvent(event string) *zerolog.Event {
	switch event {
	case EventStartFailed:
		return log.Warn()
	case EventAllocated, EventProcessStarted:
		return log.Debug()
	default:
		return log.Info()
	}
}

func toLogFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// ring holds the most recent events of one instance
type ring struct {
	mu        sync.Mutex
	events    []types.InstanceEvent
	start     int
	size      int
	retiredAt time.Time
}

func newRing(capacity int) *ring {
	return &ring{events: make([]types.InstanceEvent, capacity)}
}

func (r *ring) add(ev types.InstanceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retiredAt = time.Time{}
	if r.size < len(r.events) {
		r.events[(r.start+r.size)%len(r.events)] = ev
		r.size++
		return
	}
	r.events[r.start] = ev
	r.start = (r.start + 1) % len(r.events)
}

func (r *ring) snapshot() []types.InstanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.InstanceEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.events[(r.start+i)%len(r.events)])
	}
	return out
}

func (r *ring) retire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retiredAt = now
}

func (r *ring) expired(now time.Time, retention time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.retiredAt.IsZero() && now.Sub(r.retiredAt) > retention
}
