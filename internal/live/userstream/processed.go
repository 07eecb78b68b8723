package userstream

import "sync"

// processedCap bounds the processed-id set; once reached, the oldest half is
// evicted to bound memory while still catching near-term duplicate
// deliveries from the exchange.
const processedCap = 10000

// ProcessedSet is a bounded, insertion-ordered set used to make fill
// reconciliation idempotent across reconnects and REST-fallback sweeps.
// Eviction removes the oldest half, not a random half — duplicate
// redeliveries cluster near the most recent entries, so keeping the newest
// half is what actually prevents re-processing.
type ProcessedSet struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

// NewProcessedSet creates an empty set.
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{set: make(map[string]struct{}, processedCap)}
}

// Seen reports whether id was already recorded.
func (p *ProcessedSet) Seen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.set[id]
	return ok
}

// Add records id, evicting the oldest half if the set is at capacity.
// Returns true if id was newly added (false if already present).
func (p *ProcessedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.set[id]; ok {
		return false
	}
	if len(p.order) >= processedCap {
		half := len(p.order) / 2
		for _, old := range p.order[:half] {
			delete(p.set, old)
		}
		p.order = append([]string{}, p.order[half:]...)
	}
	p.set[id] = struct{}{}
	p.order = append(p.order, id)
	return true
}

// Len returns the current entry count.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
