package h1

import (
	"time"
)

// TimeoutGuard holds a single deadline for a connection. Scheduling a new
// callback replaces the previous one; the last call wins.
//
// The guard is used only from the connection's executor. Expired timers are
// marshaled back through the executor and dropped when stale.
type TimeoutGuard struct {
	exec  Executor
	after func(time.Duration, func()) *time.Timer

	timer *time.Timer
	gen   uint64
}

// NewTimeoutGuard creates a disarmed guard bound to exec.
func NewTimeoutGuard(exec Executor) *TimeoutGuard {
	return &TimeoutGuard{exec: exec, after: time.AfterFunc}
}

// Schedule arms the guard. A non-positive timeout only disarms it.
func (g *TimeoutGuard) Schedule(timeout time.Duration, onTimeout func()) {
	g.Cancel()
	if timeout <= 0 {
		return
	}
	gen := g.gen
	g.timer = g.after(timeout, func() {
		g.exec.Dispatch(func() {
			if g.gen != gen {
				return
			}
			g.timer = nil
			g.gen++
			onTimeout()
		})
	})
}

// Cancel disarms the guard.
func (g *TimeoutGuard) Cancel() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Armed reports whether a callback is scheduled.
func (g *TimeoutGuard) Armed() bool { return g.timer != nil }
