package bucket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/storage"
)

// Batch lifecycle. Terminal states are final; the open -> claimed edge
// is the single synchronization point of the whole commit path.
const (
	batchOpen int32 = iota
	batchClaimed
	batchCommitted
	batchAborted
)

// WriteBatch accumulates measurements headed for one bucket. Producers
// append while the batch is open; whoever wins the commit-rights CAS
// closes it and becomes the sole committer. Everyone else waits on the
// batch's result channel.
type WriteBatch struct {
	bucket *Bucket

	mu           sync.Mutex
	measurements []doc.Doc
	min          doc.Doc
	max          doc.Doc
	newFields    []string

	// measurements already durable in the bucket before this batch
	numPreviouslyCommitted int

	state atomic.Int32

	done       chan struct{}
	err        error
	opTime     storage.OpTime
	electionID uuid.UUID
}

func newWriteBatch(b *Bucket) *WriteBatch {
	return &WriteBatch{
		bucket:                 b,
		min:                    doc.Doc{},
		max:                    doc.Doc{},
		numPreviouslyCommitted: b.committed,
		done:                   make(chan struct{}),
	}
}

func (w *WriteBatch) Bucket() *Bucket { return w.bucket }

func (w *WriteBatch) Claimed() bool { return w.state.Load() != batchOpen }

// Measurements snapshots the accumulated rows.
func (w *WriteBatch) Measurements() []doc.Doc {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]doc.Doc(nil), w.measurements...)
}

// NewFields lists fields this batch introduces to the bucket, the ones
// with no prior control bound.
func (w *WriteBatch) NewFields() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.newFields...)
}

// add appends one measurement; only the owning stripe calls this, and
// never after the batch has been claimed.
func (w *WriteBatch) add(m doc.Doc) {
	if w.Claimed() {
		panic("bucket: measurement added to a claimed batch")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.measurements = append(w.measurements, m)
	for field, v := range m {
		nv := normalizeValue(v)
		widenBounds(w.min, w.max, field, nv)
		if _, known := w.bucket.fieldTypes[field]; !known {
			if !containsField(w.newFields, field) {
				w.newFields = append(w.newFields, field)
			}
		}
	}
}

func containsField(s []string, f string) bool {
	for _, x := range s {
		if x == f {
			return true
		}
	}
	return false
}

// Claim takes the batch's commit rights. Exactly one caller across all
// racing threads succeeds; after it does, the batch accepts no more
// measurements.
func (w *WriteBatch) Claim() bool {
	return w.state.CompareAndSwap(batchOpen, batchClaimed)
}

// Finish resolves the batch with the commit's replication bookkeeping.
func (w *WriteBatch) Finish(opTime storage.OpTime, electionID uuid.UUID) {
	if !w.state.CompareAndSwap(batchClaimed, batchCommitted) {
		panic("bucket: finishing a batch that is not claimed")
	}
	w.opTime = opTime
	w.electionID = electionID
	close(w.done)
}

// Abort resolves the batch with an error, unblocking waiters. Aborting
// an already-resolved batch is a no-op so the group-failure sweep can
// be unconditional.
func (w *WriteBatch) Abort(err error) {
	if w.state.CompareAndSwap(batchOpen, batchAborted) ||
		w.state.CompareAndSwap(batchClaimed, batchAborted) {
		w.err = err
		close(w.done)
	}
}

// Wait blocks until the batch resolves and reports its outcome.
func (w *WriteBatch) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.err
	}
}

// OpTime is valid once Wait returned nil.
func (w *WriteBatch) OpTime() (storage.OpTime, uuid.UUID) { return w.opTime, w.electionID }

func (w *WriteBatch) Committed() bool { return w.state.Load() == batchCommitted }
func (w *WriteBatch) Aborted() bool   { return w.state.Load() == batchAborted }
