// Package date keeps a cached HTTP date string for response headers.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[[]byte]

	mu       sync.Mutex
	refs     int
	stopTick chan struct{}
)

// StartTicker starts refreshing the cached date every 500ms. Calls nest; the
// ticker stops when every returned stop function has been called.
func StartTicker() func() {
	mu.Lock()
	defer mu.Unlock()

	update(time.Now())
	refs++
	if refs == 1 {
		stopTick = make(chan struct{})
		go tick(stopTick)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	refs--
	if refs == 0 {
		close(stopTick)
		stopTick = nil
	}
}

func tick(done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			update(now)
		case <-done:
			return
		}
	}
}

func update(now time.Time) {
	b := []byte(now.UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached date. The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
