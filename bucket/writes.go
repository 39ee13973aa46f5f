package bucket

import (
	"context"

	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
)

// PerformAtomicWritesForUpdate rewrites one bucket document outside the
// batching path (user-level update of raw buckets). The identity is
// marked direct-write-in-progress for the duration so the insert path
// refuses to batch into it; the marker clears on every exit path.
func (c *Catalog) PerformAtomicWritesForUpdate(ctx context.Context, metaHash uint64, id BucketID, mutate func(*BucketDoc) error) error {
	if !c.registry.DirectWriteStart(id) {
		return meridianerrors.New(meridianerrors.CodeWriteConflict,
			"bucket %s has a conflicting write in progress", id)
	}
	defer c.registry.DirectWriteFinish(id)

	c.evictOpenBucket(metaHash, id)

	key := bucketDocKey(c.coll.UUID(), metaHash, id)
	cur, err := c.engine.Get(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return meridianerrors.New(meridianerrors.CodeIndexNotFound, "bucket %s does not exist", id)
		}
		return err
	}
	wasCompressed := IsCompressed(cur)
	bd, err := DecodeBucket(cur)
	if err != nil {
		return err
	}
	if err := mutate(bd); err != nil {
		return err
	}
	val, err := EncodeBucket(bd, wasCompressed)
	if err != nil {
		return err
	}

	txn := c.engine.NewTxn()
	if err := txn.Batch().Set(key, val, nil); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// PerformAtomicWritesForDelete removes one bucket document, evicting
// any in-memory open state first.
func (c *Catalog) PerformAtomicWritesForDelete(ctx context.Context, metaHash uint64, id BucketID) error {
	if !c.registry.DirectWriteStart(id) {
		return meridianerrors.New(meridianerrors.CodeWriteConflict,
			"bucket %s has a conflicting write in progress", id)
	}
	defer c.registry.DirectWriteFinish(id)

	c.evictOpenBucket(metaHash, id)

	txn := c.engine.NewTxn()
	if err := txn.Batch().Delete(bucketDocKey(c.coll.UUID(), metaHash, id), nil); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// evictOpenBucket aborts and forgets the in-memory state of a bucket
// about to be written directly; pending batches resolve as conflicts.
func (c *Catalog) evictOpenBucket(metaHash uint64, id BucketID) {
	st := c.stripes[metaHash%uint64(len(c.stripes))]
	st.mu.Lock()
	defer st.mu.Unlock()
	kept := st.open[metaHash][:0]
	for _, b := range st.open[metaHash] {
		if b.id == id {
			b.closed = true
			if b.batch != nil && !b.batch.Committed() {
				b.batch.Abort(meridianerrors.New(meridianerrors.CodeWriteConflict,
					"bucket %s was modified by a direct write", id))
				b.batch = nil
			}
			continue
		}
		kept = append(kept, b)
	}
	st.open[metaHash] = kept
}
