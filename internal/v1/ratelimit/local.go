package ratelimit

import (
	"sync"
	"time"
)

const (
	// localWindowMaxKeys bounds the fallback store; oldest keys are evicted
	// past this point.
	localWindowMaxKeys = 10_000

	// sweepInterval is how often empty windows are removed.
	sweepInterval = 60 * time.Second
)

// localWindows stores a timestamp slice per client key, mirroring the Redis
// sorted-set semantics when the substrate is down.
type localWindows struct {
	mu      sync.Mutex
	maxKeys int
	windows map[string][]int64 // unix-milli timestamps, oldest first

	sweepEvery     time.Duration
	sweepScheduled bool
	done           chan struct{}
	stopOnce       sync.Once
}

func newLocalWindows(maxKeys int, sweepEvery time.Duration) *localWindows {
	return &localWindows{
		maxKeys:    maxKeys,
		windows:    make(map[string][]int64),
		sweepEvery: sweepEvery,
		done:       make(chan struct{}),
	}
}

// record prunes entries older than the window, appends now, and returns the
// resulting cardinality for the key.
func (lw *localWindows) record(key string, now time.Time, window time.Duration) int64 {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	ts := lw.windows[key]
	keep := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			keep = append(keep, t)
		}
	}
	keep = append(keep, nowMs)

	if _, exists := lw.windows[key]; !exists && len(lw.windows) >= lw.maxKeys {
		lw.evictOldestLocked()
	}
	lw.windows[key] = keep

	// One sweeper per store, started on first use.
	if !lw.sweepScheduled {
		lw.sweepScheduled = true
		go lw.sweepLoop()
	}

	return int64(len(keep))
}

// evictOldestLocked removes the key whose most recent request is oldest.
// Caller holds lw.mu.
func (lw *localWindows) evictOldestLocked() {
	var victim string
	var oldest int64 = 1<<63 - 1
	for key, ts := range lw.windows {
		newest := int64(0)
		if len(ts) > 0 {
			newest = ts[len(ts)-1]
		}
		if newest < oldest {
			oldest = newest
			victim = key
		}
	}
	if victim != "" {
		delete(lw.windows, victim)
	}
}

// sweepLoop drops keys whose windows have fully drained.
func (lw *localWindows) sweepLoop() {
	ticker := time.NewTicker(lw.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-lw.done:
			return
		case <-ticker.C:
			lw.sweep(time.Now())
		}
	}
}

func (lw *localWindows) sweep(now time.Time) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	// A window is dead once every timestamp is older than the longest limiter
	// window we support; an hour is comfortably past any configured window.
	cutoff := now.Add(-time.Hour).UnixMilli()
	for key, ts := range lw.windows {
		if len(ts) == 0 || ts[len(ts)-1] < cutoff {
			delete(lw.windows, key)
		}
	}
}

func (lw *localWindows) stop() {
	lw.stopOnce.Do(func() { close(lw.done) })
}

// size reports live key count, for tests.
func (lw *localWindows) size() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return len(lw.windows)
}
