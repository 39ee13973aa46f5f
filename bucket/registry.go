package bucket

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// StateRegistry is the process-wide map of bucket identities with a
// direct write, a commit, or a reopen in flight. It is the one
// shared-mutable resource outside the transaction boundary, so every
// Start call must be paired with a Finish on all exit paths; the
// commit path holds its markers from staging until the batches are
// finished and releases them on every exit.
type StateRegistry struct {
	m *xsync.MapOf[BucketID, bucketState]
}

type bucketState struct {
	directWrites int
	reopening    bool
}

func NewStateRegistry() *StateRegistry {
	return &StateRegistry{m: xsync.NewMapOf[BucketID, bucketState]()}
}

// DirectWriteStart marks the bucket as being written outside the
// normal batching path. It fails when a reopen is in flight, which the
// caller surfaces as a write conflict.
func (r *StateRegistry) DirectWriteStart(id BucketID) bool {
	ok := true
	r.m.Compute(id, func(old bucketState, loaded bool) (bucketState, bool) {
		if old.reopening {
			ok = false
			return old, false
		}
		old.directWrites++
		return old, false
	})
	return ok
}

func (r *StateRegistry) DirectWriteFinish(id BucketID) {
	r.m.Compute(id, func(old bucketState, loaded bool) (bucketState, bool) {
		if !loaded || old.directWrites == 0 {
			panic("bucket: unpaired DirectWriteFinish")
		}
		old.directWrites--
		return old, old.directWrites == 0 && !old.reopening
	})
}

// StartReopening claims the exclusive right to reopen the bucket.
// Exactly one concurrent caller wins; losers treat it as a conflict.
func (r *StateRegistry) StartReopening(id BucketID) bool {
	ok := true
	r.m.Compute(id, func(old bucketState, loaded bool) (bucketState, bool) {
		if old.reopening || old.directWrites > 0 {
			ok = false
			return old, false
		}
		old.reopening = true
		return old, false
	})
	return ok
}

func (r *StateRegistry) FinishReopening(id BucketID) {
	r.m.Compute(id, func(old bucketState, loaded bool) (bucketState, bool) {
		if !loaded || !old.reopening {
			panic("bucket: unpaired FinishReopening")
		}
		old.reopening = false
		return old, old.directWrites == 0
	})
}

// InConflict reports whether the bucket currently has any marker that
// excludes it from batching.
func (r *StateRegistry) InConflict(id BucketID) bool {
	s, ok := r.m.Load(id)
	return ok && (s.directWrites > 0 || s.reopening)
}

// Size is the number of tracked bucket identities, zero when every
// transition has been properly paired and swept.
func (r *StateRegistry) Size() int { return r.m.Size() }
