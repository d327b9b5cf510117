package provider

import "sync"

// OfferTracker records which marketplace offers the current pipeline
// invocation has staged. Touching any plan of an offer flips the whole
// offer to draft, so without this record a later publish call could not
// tell its own draft apart from someone else's manual edit. The tracker
// is scoped to one run and passed through PublishOptions; it is never
// shared across invocations.
type OfferTracker struct {
	mu     sync.Mutex
	offers map[string]struct{}
}

// NewOfferTracker returns an empty tracker.
func NewOfferTracker() *OfferTracker {
	return &OfferTracker{offers: make(map[string]struct{})}
}

// MarkVisited records the offer and reports whether this was its first
// visit in the run. A nil tracker never remembers, so every visit counts
// as the first.
func (t *OfferTracker) MarkVisited(offer string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.offers[offer]; ok {
		return false
	}
	t.offers[offer] = struct{}{}
	return true
}

// Visited reports whether the offer was already staged in this run.
func (t *OfferTracker) Visited(offer string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.offers[offer]
	return ok
}
