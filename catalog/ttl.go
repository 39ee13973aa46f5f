package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// TTLRegistry is the process-wide registry the TTL sweeper reads:
// collection UUID -> index name -> expiry. It is constructor-injected
// into whoever needs it, never a package singleton, so catalogs stay
// testable in isolation.
type TTLRegistry struct {
	m *xsync.MapOf[uuid.UUID, *xsync.MapOf[string, time.Duration]]
}

func NewTTLRegistry() *TTLRegistry {
	return &TTLRegistry{m: xsync.NewMapOf[uuid.UUID, *xsync.MapOf[string, time.Duration]]()}
}

func (r *TTLRegistry) Register(coll uuid.UUID, index string, expireAfter time.Duration) {
	inner, _ := r.m.LoadOrCompute(coll, func() *xsync.MapOf[string, time.Duration] {
		return xsync.NewMapOf[string, time.Duration]()
	})
	inner.Store(index, expireAfter)
}

func (r *TTLRegistry) Unregister(coll uuid.UUID, index string) {
	if inner, ok := r.m.Load(coll); ok {
		inner.Delete(index)
	}
}

// DropCollection clears every TTL entry for the collection.
func (r *TTLRegistry) DropCollection(coll uuid.UUID) {
	r.m.Delete(coll)
}

func (r *TTLRegistry) ExpireAfter(coll uuid.UUID, index string) (time.Duration, bool) {
	inner, ok := r.m.Load(coll)
	if !ok {
		return 0, false
	}
	return inner.Load(index)
}

// Indexes lists the registered TTL indexes of a collection, the
// sweeper's iteration entry point.
func (r *TTLRegistry) Indexes(coll uuid.UUID) map[string]time.Duration {
	out := make(map[string]time.Duration)
	if inner, ok := r.m.Load(coll); ok {
		inner.Range(func(name string, d time.Duration) bool {
			out[name] = d
			return true
		})
	}
	return out
}
