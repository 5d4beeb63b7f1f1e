package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ScopesAreIndependent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1}, WithClock(newFakeClock()))

	a := r.For("tenant-a")
	b := r.For("tenant-b")
	require.NotSame(t, a, b)
	assert.Same(t, a, r.For("tenant-a"))

	a.RecordFailure()
	assert.False(t, a.CanExecute())
	assert.True(t, b.CanExecute())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "tenant-a", snaps[0].Scope)
	assert.Equal(t, "OPEN", snaps[0].StateName)
	assert.Equal(t, "tenant-b", snaps[1].Scope)
	assert.Equal(t, "CLOSED", snaps[1].StateName)

	r.ResetAll()
	assert.True(t, a.CanExecute())
}

func TestShared_SameBreakerForEveryScope(t *testing.T) {
	b := New(Config{})
	src := Shared(b)

	assert.Same(t, b, src.For("x"))
	assert.Same(t, b, src.For(""))
	assert.Len(t, src.Snapshots(), 1)

	for range DefaultConfig.FailureThreshold {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())
	src.ResetAll()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)
}
