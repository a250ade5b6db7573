package h1

import (
	"sync"
	"sync/atomic"
)

// IDCounter hands out connection ids. It is owned by the acceptor and
// passed to every connection it creates.
type IDCounter struct {
	last atomic.Uint64
}

// Next returns the next connection id, starting at 1.
func (c *IDCounter) Next() uint64 { return c.last.Add(1) }

// ArenaRef addresses an arena entry. A ref whose generation no longer
// matches the entry is stale.
type ArenaRef struct {
	Index uint32
	Gen   uint32
}

type arenaEntry[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena stores values in reusable slots. Asynchronous continuations carry an
// ArenaRef instead of the value, so a continuation that outlives its entry
// finds nothing instead of a recycled value.
type Arena[T any] struct {
	mu      sync.Mutex
	entries []arenaEntry[T]
	free    []uint32
	live    int
}

// Insert stores v and returns its reference.
func (a *Arena[T]) Insert(v T) ArenaRef {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, arenaEntry[T]{})
		idx = uint32(len(a.entries) - 1)
	}
	e := &a.entries[idx]
	e.live = true
	e.val = v
	a.live++
	return ArenaRef{Index: idx, Gen: e.gen}
}

// Get returns the value behind ref if ref is still current.
func (a *Arena[T]) Get(ref ArenaRef) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	if int(ref.Index) >= len(a.entries) {
		return zero, false
	}
	e := &a.entries[ref.Index]
	if !e.live || e.gen != ref.Gen {
		return zero, false
	}
	return e.val, true
}

// Release frees the entry behind ref. Releasing a stale ref is a no-op that
// returns false.
func (a *Arena[T]) Release(ref ArenaRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(ref.Index) >= len(a.entries) {
		return false
	}
	e := &a.entries[ref.Index]
	if !e.live || e.gen != ref.Gen {
		return false
	}
	var zero T
	e.val = zero
	e.live = false
	e.gen++
	a.free = append(a.free, ref.Index)
	a.live--
	return true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Snapshot returns the live values.
func (a *Arena[T]) Snapshot() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]T, 0, a.live)
	for i := range a.entries {
		if a.entries[i].live {
			out = append(out, a.entries[i].val)
		}
	}
	return out
}
