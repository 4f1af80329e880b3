package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/helixml/deskpool/api/pkg/allocator"
	"github.com/helixml/deskpool/api/pkg/registry"
	"github.com/helixml/deskpool/api/pkg/supervisor"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestRegistry(t *testing.T, c *clock) *registry.Registry {
	t.Helper()
	ctrl := gomock.NewController(t)

	sup := registry.NewMockSupervisor(ctrl)
	sup.EXPECT().Spawn(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&supervisor.Process{PID: 1}, nil).AnyTimes()
	sup.EXPECT().Terminate(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	prober := registry.NewMockProber(ctrl)
	prober.EXPECT().WaitUntilReady(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true).AnyTimes()

	alloc, err := allocator.New(allocator.Options{
		PoolSize:      4,
		BaseDisplay:   99,
		BaseVNCPort:   5900,
		BaseNoVNCPort: 6080,
		PortInUse:     func(int) bool { return false },
	})
	require.NoError(t, err)

	r, err := registry.New(registry.Options{
		Allocator:    alloc,
		Supervisor:   sup,
		Prober:       prober,
		InstancesDir: t.TempDir(),
		ReadyTimeout: time.Second,
		ReadyPoll:    10 * time.Millisecond,
		Now:          c.Now,
	})
	require.NoError(t, err)
	return r
}

func newTestReaper(t *testing.T, reg Registry, idle time.Duration, c *clock) *Reaper {
	t.Helper()
	r, err := New(Options{
		Registry:    reg,
		IdleTimeout: idle,
		Interval:    20 * time.Millisecond,
		Concurrency: 2,
		Now:         c.Now,
	})
	require.NoError(t, err)
	return r
}

func TestSweep_Boundary(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: t0}
	idle := time.Hour
	epsilon := 2 * time.Second

	reg := newTestRegistry(t, c)
	_, err := reg.Create(ctx, "s1")
	require.NoError(t, err)

	r := newTestReaper(t, reg, idle, c)

	assert.Empty(t, r.Sweep(ctx, t0.Add(idle-epsilon)))
	_, err = reg.Get("s1")
	require.NoError(t, err, "instance must survive a sweep before the timeout")

	assert.Equal(t, []string{"s1"}, r.Sweep(ctx, t0.Add(idle+epsilon)))
	_, err = reg.Get("s1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweep_HeartbeatKeepsInstanceAlive(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: t0}
	idle := time.Hour
	epsilon := 2 * time.Second

	reg := newTestRegistry(t, c)
	_, err := reg.Create(ctx, "s1")
	require.NoError(t, err)
	_, err = reg.Create(ctx, "s2")
	require.NoError(t, err)

	c.Set(t0.Add(idle - epsilon/2))
	require.NoError(t, reg.Touch("s1"))

	r := newTestReaper(t, reg, idle, c)
	assert.Equal(t, []string{"s2"}, r.Sweep(ctx, t0.Add(idle+epsilon)))

	_, err = reg.Get("s1")
	assert.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
}

type racingRegistry struct {
	expired []string
}

func (r *racingRegistry) Expired(time.Time, time.Duration) []string {
	return r.expired
}

func (r *racingRegistry) Expire(_ context.Context, sessionID string) error {
	if sessionID == "gone" {
		return registry.ErrNotFound
	}
	return nil
}

func TestSweep_ConcurrentDeleteIsNotAnError(t *testing.T) {
	c := &clock{now: time.Now()}
	r := newTestReaper(t, &racingRegistry{expired: []string{"a", "gone", "b"}}, time.Minute, c)

	removed := r.Sweep(context.Background(), c.Now())
	assert.ElementsMatch(t, []string{"a", "b"}, removed)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{now: t0}

	reg := newTestRegistry(t, c)
	_, err := reg.Create(ctx, "s1")
	require.NoError(t, err)

	r := newTestReaper(t, reg, time.Minute, c)
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx))

	c.Set(t0.Add(2 * time.Minute))
	assert.Eventually(t, func() bool { return reg.Count() == 0 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{IdleTimeout: time.Minute, Interval: time.Second})
	assert.Error(t, err)

	_, err = New(Options{Registry: &racingRegistry{}, Interval: time.Second})
	assert.Error(t, err)
}
