package allocator

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/deskpool/api/pkg/types"
)

func newTestAllocator(t *testing.T, size int, inUse func(int) bool) *Allocator {
	t.Helper()
	if inUse == nil {
		inUse = func(int) bool { return false }
	}
	a, err := New(Options{
		PoolSize:      size,
		BaseDisplay:   99,
		BaseVNCPort:   5900,
		BaseNoVNCPort: 6080,
		PortInUse:     inUse,
	})
	require.NoError(t, err)
	return a
}

func TestAllocate_FirstFreeOffset(t *testing.T) {
	a := newTestAllocator(t, 3, nil)

	triple, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, types.ResourceTriple{Offset: 0, Display: 99, VNCPort: 5900, NoVNCPort: 6080}, triple)

	triple, err = a.Allocate([]types.ResourceTriple{a.Triple(0)})
	require.NoError(t, err)
	assert.Equal(t, 1, triple.Offset)
	assert.Equal(t, 100, triple.Display)
	assert.Equal(t, 5901, triple.VNCPort)
	assert.Equal(t, 6081, triple.NoVNCPort)
}

func TestAllocate_ReusesReleasedOffset(t *testing.T) {
	a := newTestAllocator(t, 3, nil)

	triple, err := a.Allocate([]types.ResourceTriple{a.Triple(1), a.Triple(2)})
	require.NoError(t, err)
	assert.Equal(t, 0, triple.Offset)
}

func TestAllocate_PartialCollisionSkipsOffset(t *testing.T) {
	a := newTestAllocator(t, 3, nil)

	// A foreign triple sharing only the display number still blocks offset 0
	foreign := types.ResourceTriple{Display: 99, VNCPort: 7000, NoVNCPort: 7100}
	triple, err := a.Allocate([]types.ResourceTriple{foreign})
	require.NoError(t, err)
	assert.Equal(t, 1, triple.Offset)
}

func TestAllocate_SkipsHostBoundPorts(t *testing.T) {
	bound := map[int]bool{6080: true, 5901: true}
	a := newTestAllocator(t, 3, func(port int) bool { return bound[port] })

	triple, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, triple.Offset)
}

func TestAllocate_Exhausted(t *testing.T) {
	a := newTestAllocator(t, 2, nil)

	_, err := a.Allocate([]types.ResourceTriple{a.Triple(0), a.Triple(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFreeResources))
}

func TestAllocate_Disjoint(t *testing.T) {
	a := newTestAllocator(t, 10, nil)

	var inUse []types.ResourceTriple
	for i := 0; i < 10; i++ {
		triple, err := a.Allocate(inUse)
		require.NoError(t, err)
		for _, other := range inUse {
			assert.False(t, triple.Overlaps(other), "triple %s overlaps %s", triple, other)
		}
		inUse = append(inUse, triple)
	}

	_, err := a.Allocate(inUse)
	assert.ErrorIs(t, err, ErrNoFreeResources)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{PoolSize: 0, BaseDisplay: 99, BaseVNCPort: 5900, BaseNoVNCPort: 6080})
	assert.Error(t, err)

	_, err = New(Options{PoolSize: 10, BaseDisplay: 99, BaseVNCPort: 65530, BaseNoVNCPort: 6080})
	assert.Error(t, err)
}

func TestIsPortInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	assert.True(t, IsPortInUse(port))

	require.NoError(t, listener.Close())
	assert.False(t, IsPortInUse(port))
}
