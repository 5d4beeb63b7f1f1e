package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: time.Minute}
}

// ============================================================================
// State transitions
// ============================================================================

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{})
	cfg := b.Config()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.True(t, snap.CanExecute)
	assert.Zero(t, snap.FailureCount)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(testConfig(), WithClock(newFakeClock()))

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.True(t, b.CanExecute(), "still closed after %d failures", i+1)
	}
	b.RecordFailure()

	assert.False(t, b.CanExecute())
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 3, snap.FailureCount)
	assert.False(t, snap.CanExecute)
}

func TestBreaker_StaysOpenBeforeRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.Advance(time.Minute - time.Millisecond)
	assert.False(t, b.CanExecute())
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.Advance(time.Minute)
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State, "snapshot must not transition")
	assert.True(t, snap.CanExecute)

	assert.True(t, b.CanExecute())
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.CanExecute(), "half-open allows further probes")
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	assert.Equal(t, 1, b.Snapshot().SuccessCount)

	b.RecordSuccess()
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanExecute())
	b.RecordSuccess()

	b.RecordFailure()
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Zero(t, snap.SuccessCount)
	assert.Equal(t, clock.Now(), snap.LastFailureTime)
	assert.False(t, b.CanExecute())
}

func TestBreaker_HalfOpenFailureReopensWithResetOnSuccess(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.ResetOnSuccess = true
	b := New(cfg, WithClock(clock))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	require.True(t, b.CanExecute())
	b.RecordSuccess()
	require.Zero(t, b.Snapshot().FailureCount)

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_FailureResetsSuccessCount(t *testing.T) {
	b := New(testConfig(), WithClock(newFakeClock()))
	b.RecordSuccess()
	b.RecordSuccess()
	require.Equal(t, 2, b.Snapshot().SuccessCount)

	b.RecordFailure()
	snap := b.Snapshot()
	assert.Zero(t, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestBreaker_ClosedSuccessKeepsFailureCount(t *testing.T) {
	b := New(testConfig(), WithClock(newFakeClock()))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 2, snap.FailureCount)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestBreaker_ResetOnSuccessMakesFailuresConsecutive(t *testing.T) {
	cfg := testConfig()
	cfg.ResetOnSuccess = true
	b := New(cfg, WithClock(newFakeClock()))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_Reset(t *testing.T) {
	b := New(testConfig(), WithClock(newFakeClock()))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
	assert.True(t, snap.LastFailureTime.IsZero())
	assert.True(t, snap.CanExecute)
}

func TestBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(testConfig(),
		WithClock(clock),
		WithScope("tenant-a"),
		WithStateChangeHook(func(scope string, from, to State) {
			transitions = append(transitions, scope+":"+from.String()+"->"+to.String())
		}),
	)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	b.CanExecute()
	b.RecordSuccess()
	b.RecordSuccess()

	assert.Equal(t, []string{
		"tenant-a:CLOSED->OPEN",
		"tenant-a:OPEN->HALF_OPEN",
		"tenant-a:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestBreaker_HookMayReadSnapshot(t *testing.T) {
	var seen State
	var b *Breaker
	b = New(Config{FailureThreshold: 1}, WithStateChangeHook(func(_ string, _, _ State) {
		seen = b.Snapshot().State
	}))

	b.RecordFailure()
	assert.Equal(t, Open, seen)
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "circuit breaker is OPEN", (&Error{State: Open}).Error())
	assert.Equal(t, `circuit breaker "api" is OPEN`, (&Error{Scope: "api", State: Open}).Error())
	assert.True(t, (&Error{}).CircuitOpen())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

// ============================================================================
// Concurrency
// ============================================================================

func TestBreaker_ConcurrentRecordFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1000, SuccessThreshold: 1, RecoveryTimeout: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.CanExecute()
				b.RecordFailure()
				b.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, b.Snapshot().FailureCount, "no update may be lost")
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_RelaxedAllowsConcurrentHalfOpenProbes(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 5, RecoveryTimeout: time.Second}, WithClock(clock))
	b.RecordFailure()
	clock.Advance(time.Second)

	var inFlight, maxInFlight atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := b.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			if !b.CanExecute() {
				return
			}
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			b.RecordSuccess()
		}()
	}
	close(start)
	wg.Wait()

	assert.Greater(t, maxInFlight.Load(), int32(1), "relaxed mode lets probes overlap")
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_StrictSerializesProbes(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 5, RecoveryTimeout: time.Second, Strict: true}, WithClock(clock))
	b.RecordFailure()
	clock.Advance(time.Second)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := b.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			if !b.CanExecute() {
				return
			}
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "strict mode admits one attempt at a time")
	assert.Equal(t, Open, b.State())
}

func TestBreaker_StrictAcquireHonoursContext(t *testing.T) {
	b := New(Config{Strict: true})
	release, err := b.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := b.Acquire(context.Background())
	require.NoError(t, err)
	again()
}
