// Package cache provides bounded in-memory caches for parsed workflow assets
// and per-workflow scratch state.
package cache

import "sync"

// DefaultCap is the per-cache entry limit.
const DefaultCap = 100

// Bounded is a size-capped map with insertion-order trimming: when the cap
// is exceeded, only the most-recently-inserted half survives. This is
// deliberately not an access-order LRU.
type Bounded struct {
	mu    sync.Mutex
	cap   int
	items map[string]any
	order []string
}

// NewBounded creates a bounded cache with the given entry cap. A cap of zero
// or less falls back to DefaultCap.
func NewBounded(capacity int) *Bounded {
	if capacity <= 0 {
		capacity = DefaultCap
	}

	return &Bounded{
		cap:   capacity,
		items: make(map[string]any),
	}
}

// Get returns the cached value for key, if present.
func (b *Bounded) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.items[key]

	return value, ok
}

// Set stores value under key, trimming the oldest half when the cap is
// exceeded. Re-inserting an existing key refreshes its insertion position.
func (b *Bounded) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.items[key]; exists {
		for i, k := range b.order {
			if k == key {
				b.order = append(b.order[:i], b.order[i+1:]...)

				break
			}
		}
	}

	b.items[key] = value
	b.order = append(b.order, key)

	if len(b.order) <= b.cap {
		return
	}

	// Keep the most-recently-inserted half, discard the rest.
	keep := len(b.order) / 2
	for _, k := range b.order[:len(b.order)-keep] {
		delete(b.items, k)
	}

	b.order = append([]string(nil), b.order[len(b.order)-keep:]...)
}

// Delete removes key from the cache.
func (b *Bounded) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.items[key]; !exists {
		return
	}

	delete(b.items, key)

	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)

			break
		}
	}
}

// Len returns the number of cached entries.
func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.items)
}

// Manager bundles the five independent caches used by the orchestrator.
// Construct one per orchestrator instance and inject it by reference; the
// caches are not process-wide globals.
type Manager struct {
	Templates  *Bounded
	Tasks      *Bounded
	Checklists *Bounded
	Prompts    *Bounded
	// WorkflowState holds scratch per-workflow state between steps.
	WorkflowState *Bounded
}

// NewManager creates a cache manager with every cache capped at capacity.
func NewManager(capacity int) *Manager {
	return &Manager{
		Templates:     NewBounded(capacity),
		Tasks:         NewBounded(capacity),
		Checklists:    NewBounded(capacity),
		Prompts:       NewBounded(capacity),
		WorkflowState: NewBounded(capacity),
	}
}
