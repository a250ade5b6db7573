package h1

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimers captures AfterFunc callbacks so tests decide when they fire.
type fakeTimers struct {
	fired []func()
	durs  []time.Duration
}

func (f *fakeTimers) after(d time.Duration, cb func()) *time.Timer {
	f.durs = append(f.durs, d)
	f.fired = append(f.fired, cb)
	return time.NewTimer(time.Hour)
}

func newFakeGuard() (*TimeoutGuard, *manualExecutor, *fakeTimers) {
	exec := &manualExecutor{}
	timers := &fakeTimers{}
	g := NewTimeoutGuard(exec)
	g.after = timers.after
	return g, exec, timers
}

func TestTimeoutGuardFires(t *testing.T) {
	g, exec, timers := newFakeGuard()
	calls := 0
	g.Schedule(time.Second, func() { calls++ })
	require.True(t, g.Armed())
	require.Equal(t, []time.Duration{time.Second}, timers.durs)

	timers.fired[0]()
	assert.Equal(t, 0, calls, "expiry is marshaled through the executor")
	exec.runAll()
	assert.Equal(t, 1, calls)
	assert.False(t, g.Armed())
}

func TestTimeoutGuardCancel(t *testing.T) {
	g, exec, timers := newFakeGuard()
	calls := 0
	g.Schedule(time.Second, func() { calls++ })
	g.Cancel()
	assert.False(t, g.Armed())

	timers.fired[0]()
	exec.runAll()
	assert.Equal(t, 0, calls)
}

func TestTimeoutGuardLastScheduleWins(t *testing.T) {
	g, exec, timers := newFakeGuard()
	var first, second int
	g.Schedule(time.Second, func() { first++ })
	g.Schedule(2*time.Second, func() { second++ })

	// The replaced timer's expiry is already queued when it is stale.
	timers.fired[0]()
	timers.fired[1]()
	exec.runAll()
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestTimeoutGuardNonPositiveDisarms(t *testing.T) {
	g, _, timers := newFakeGuard()
	g.Schedule(time.Second, func() {})
	g.Schedule(0, func() {})
	assert.False(t, g.Armed())
	assert.Len(t, timers.fired, 1)
}

func TestTimeoutGuardRealTimer(t *testing.T) {
	exec := &manualExecutor{}
	g := NewTimeoutGuard(exec)
	var fired atomic.Bool
	g.Schedule(10*time.Millisecond, func() { fired.Store(true) })

	require.Eventually(t, func() bool { return exec.pending() == 1 }, time.Second, 5*time.Millisecond)
	exec.runAll()
	assert.True(t, fired.Load())
}
