package engine

import "sync"

// BuildTracker records the builds a run received from its sources and the
// builds it delivered to at least one target. The combined workflow
// shares one tracker across both sub-runs to tell an empty run apart from
// a failed one: a build counts as processed no matter which workflow
// handled it. A tracker belongs to a single invocation and is never
// shared across runs.
type BuildTracker struct {
	mu        sync.Mutex
	received  map[int64]struct{}
	processed map[int64]struct{}
}

// NewBuildTracker returns an empty tracker.
func NewBuildTracker() *BuildTracker {
	return &BuildTracker{
		received:  make(map[int64]struct{}),
		processed: make(map[int64]struct{}),
	}
}

// Received records a build id seen while loading push items. A nil
// tracker ignores the call.
func (t *BuildTracker) Received(id int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received[id] = struct{}{}
}

// Processed records a build id delivered to at least one target. A nil
// tracker ignores the call.
func (t *BuildTracker) Processed(id int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed[id] = struct{}{}
}

// Unprocessed reports whether the run left builds behind: nothing was
// received at all, or some received build was never delivered anywhere.
func (t *BuildTracker) Unprocessed() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.received) == 0 {
		return true
	}
	for id := range t.received {
		if _, ok := t.processed[id]; !ok {
			return true
		}
	}
	return false
}
