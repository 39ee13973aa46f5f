package collection

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var IndexAccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "collection",
	Name:      "index_accesses",
}, []string{"index"})

// UsageTracker counts per-index accesses for a collection. Indexes are
// registered on catalog creation and unregistered on drop; a build that
// rolls back re-registers through the transaction's rollback hook.
type UsageTracker struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{counts: make(map[string]uint64)}
}

func (t *UsageTracker) RegisterIndex(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[name]; !ok {
		t.counts[name] = 0
	}
}

func (t *UsageTracker) UnregisterIndex(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, name)
}

func (t *UsageTracker) RecordUsage(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[name]; ok {
		t.counts[name]++
		IndexAccesses.WithLabelValues(name).Inc()
	}
}

func (t *UsageTracker) IsRegistered(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.counts[name]
	return ok
}

func (t *UsageTracker) Accesses(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}
