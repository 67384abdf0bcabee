package lockout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "principal:trader1", PrincipalKey("  Trader1 "))
	assert.Equal(t, "address:10.0.0.1", AddressKey("10.0.0.1"))
	assert.NotEqual(t, PrincipalKey("x"), AddressKey("x"))
	assert.Equal(t, "token:10.0.0.1", TokenKey("10.0.0.1"))
	assert.NotEqual(t, AddressKey("10.0.0.1"), TokenKey("10.0.0.1"))
}

func TestGuard_LocksAtThreshold(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithThreshold(5), WithClock(clock.Now))
	key := PrincipalKey("trader1")

	for i := 1; i <= 4; i++ {
		st := g.RecordFailure(key)
		assert.Equal(t, i, st.Failures)
		assert.False(t, st.Triggered)
		locked, _ := g.IsLocked(key)
		assert.False(t, locked, "failure %d", i)
	}

	st := g.RecordFailure(key)
	assert.True(t, st.Triggered)
	assert.Equal(t, 1, st.Lockouts)
	assert.Equal(t, clock.Now().Add(DefaultLockoutDuration), st.LockedUntil)

	locked, until := g.IsLocked(key)
	assert.True(t, locked)
	assert.Equal(t, st.LockedUntil, until)

	// Further failures while locked do not re-trigger
	st = g.RecordFailure(key)
	assert.False(t, st.Triggered)
	assert.Equal(t, 1, st.Lockouts)
}

func TestGuard_LockExpires(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithThreshold(2), WithLockoutDuration(time.Minute), WithClock(clock.Now))
	key := AddressKey("10.0.0.9")

	g.RecordFailure(key)
	g.RecordFailure(key)
	locked, _ := g.IsLocked(key)
	require.True(t, locked)

	clock.Advance(59 * time.Second)
	locked, _ = g.IsLocked(key)
	assert.True(t, locked)

	clock.Advance(time.Second)
	locked, _ = g.IsLocked(key)
	assert.False(t, locked)
}

func TestGuard_WindowResets(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithThreshold(3), WithWindow(time.Minute), WithClock(clock.Now))
	key := PrincipalKey("viewer1")

	g.RecordFailure(key)
	g.RecordFailure(key)
	clock.Advance(time.Minute)

	st := g.RecordFailure(key)
	assert.Equal(t, 1, st.Failures, "window rolled over")
	assert.False(t, st.Triggered)
}

func TestGuard_SuccessResets(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithThreshold(3), WithClock(clock.Now))
	key := PrincipalKey("trader1")

	g.RecordFailure(key)
	g.RecordFailure(key)
	g.RecordSuccess(key)

	_, ok := g.Snapshot(key)
	assert.False(t, ok)

	st := g.RecordFailure(key)
	assert.Equal(t, 1, st.Failures)

	g.RecordFailure(key)
	g.RecordFailure(key)
	locked, _ := g.IsLocked(key)
	require.True(t, locked)
	g.RecordSuccess(key)
	locked, _ = g.IsLocked(key)
	assert.False(t, locked, "success clears an active lockout")
}

func TestGuard_Backoff(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{"fixed", PolicyFixed, []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute}},
		{"exponential capped", PolicyExponential, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newClock()
			g := NewGuard(
				WithThreshold(1),
				WithLockoutDuration(time.Minute),
				WithMaxLockout(5*time.Minute),
				WithPolicy(tt.policy),
				WithClock(clock.Now),
			)
			key := PrincipalKey("admin")
			for i, want := range tt.want {
				st := g.RecordFailure(key)
				require.True(t, st.Triggered, "lockout %d", i+1)
				assert.Equal(t, want, st.LockedUntil.Sub(clock.Now()), "lockout %d", i+1)
				clock.Advance(want)
			}
		})
	}
}

func TestGuard_IgnoresInvalidOptions(t *testing.T) {
	g := NewGuard(WithThreshold(0), WithWindow(-1), WithPolicy("linear"), WithLockoutDuration(time.Hour), WithMaxLockout(time.Minute))
	assert.Equal(t, DefaultThreshold, g.threshold)
	assert.Equal(t, DefaultWindow, g.window)
	assert.Equal(t, PolicyFixed, g.policy)
	assert.Equal(t, time.Hour, g.maxDuration, "cap never below base")
}

func TestGuard_ConcurrentFailuresAreNotLost(t *testing.T) {
	g := NewGuard(WithThreshold(1000))
	key := PrincipalKey("trader1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				g.RecordFailure(key)
			}
		}()
	}
	wg.Wait()

	st, ok := g.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, 500, st.Failures)
}

func TestGuard_ConcurrentThresholdTriggersOnce(t *testing.T) {
	g := NewGuard(WithThreshold(5))
	key := AddressKey("192.0.2.1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		triggers int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.RecordFailure(key).Triggered {
				mu.Lock()
				triggers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, triggers)
}

func TestGuard_Sweep(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithThreshold(2), WithWindow(time.Minute), WithLockoutDuration(time.Minute), WithMaxLockout(time.Hour), WithClock(clock.Now))

	g.RecordFailure(PrincipalKey("idle"))
	g.RecordFailure(PrincipalKey("locked"))
	g.RecordFailure(PrincipalKey("locked"))
	assert.Equal(t, 2, g.Len())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, g.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, g.Sweep(), "closed window without lockouts")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, g.Sweep(), "lockout history kept for backoff")

	clock.Advance(time.Hour)
	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 0, g.Len())
}

func TestGuard_StartStop(t *testing.T) {
	clock := newClock()
	g := NewGuard(WithWindow(time.Millisecond), WithClock(clock.Now))
	g.RecordFailure(PrincipalKey("x"))
	clock.Advance(time.Second)

	g.Start(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, 5*time.Millisecond)
	g.Stop()
	g.Stop()
}
