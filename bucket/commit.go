package bucket

import (
	"context"
	"sort"
	"time"

	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
)

// ClaimWriteBatchCommitRights is the commit path's single
// synchronization point: exactly one of N racing callers gets true and
// becomes the batch's committer. Losers must not commit; they observe
// the outcome through WriteBatch.Wait.
func ClaimWriteBatchCommitRights(wb *WriteBatch) bool {
	return wb.Claim()
}

// DetermineBatchesToCommit filters to batches whose rights were claimed
// and fixes the global order: ascending bucket identity. Committing in
// this one order regardless of arrival order is what prevents deadlock
// when one operation spans several buckets.
func DetermineBatchesToCommit(batches []*WriteBatch) []*WriteBatch {
	out := make([]*WriteBatch, 0, len(batches))
	for _, wb := range batches {
		if wb.state.Load() == batchClaimed {
			out = append(out, wb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].bucket.id.Less(out[j].bucket.id)
	})
	return out
}

// CommitBatches writes a claimed batch group in one atomic storage
// transaction: full document insert for brand-new buckets, diff update
// for existing ones (decompress/recompress when the on-disk form is
// compressed). Every staged bucket identity is marked
// direct-write-in-progress for the whole commit, Finish included, so a
// concurrent direct write can neither overwrite a staged document nor
// abort a batch out from under its committer; it surfaces as a write
// conflict on whichever side loses the marker race. On any failure the
// whole group rolls back and every claimed batch is aborted with the
// triggering error, so no waiter ever hangs and no partial write
// survives.
func (c *Catalog) CommitBatches(ctx context.Context, batches []*WriteBatch) (err error) {
	batches = DetermineBatchesToCommit(batches)
	if len(batches) == 0 {
		return nil
	}
	start := time.Now()
	txn := c.engine.NewTxn()

	marked := make([]BucketID, 0, len(batches))
	defer func() {
		for _, id := range marked {
			c.registry.DirectWriteFinish(id)
		}
	}()

	committed := false
	defer func() {
		if committed {
			return
		}
		txn.Rollback()
		for _, wb := range batches {
			wb.Abort(err)
		}
		CommitDuration.WithLabelValues("abort").Observe(float64(time.Since(start).Milliseconds()))
	}()

	for _, wb := range batches {
		id := wb.bucket.id
		if !c.registry.DirectWriteStart(id) {
			err = meridianerrors.New(meridianerrors.CodeWriteConflict,
				"bucket %s has a conflicting write in progress", id)
			return err
		}
		marked = append(marked, id)
		// a direct write that beat the marker to this bucket already
		// resolved the waiters; the batch's rows must not reach disk
		if wb.Aborted() {
			err = meridianerrors.New(meridianerrors.CodeWriteConflict,
				"batch for bucket %s was aborted by a concurrent write", id)
			return err
		}
		if err = c.stageBatch(txn, wb); err != nil {
			return err
		}
		if c.onStaged != nil {
			if err = c.onStaged(wb); err != nil {
				return err
			}
		}
	}

	if err = txn.Commit(); err != nil {
		return err
	}
	committed = true

	opTime := storage.OpTime{TS: c.engine.Now(), Term: c.opts.Term}
	for _, wb := range batches {
		n := len(wb.Measurements())
		wb.Finish(opTime, c.electionID)
		st := c.stripes[wb.bucket.stripe]
		st.mu.Lock()
		wb.bucket.committed += n
		if wb.bucket.batch == wb {
			wb.bucket.batch = nil
		}
		st.mu.Unlock()
	}
	CommitDuration.WithLabelValues("ok").Observe(float64(time.Since(start).Milliseconds()))
	c.log.Debug("bucket: committed batch group",
		"ns", c.coll.Namespace(), "batches", len(batches), "opTime", opTime.TS)
	return nil
}

// stageBatch stages one batch's write into the transaction.
func (c *Catalog) stageBatch(txn *storage.Txn, wb *WriteBatch) error {
	tsOpts := c.coll.GetTimeseriesOptions()
	bkt := wb.bucket
	key := bucketDocKey(bkt.coll, bkt.metaHash, bkt.id)
	meas := wb.Measurements()

	if wb.numPreviouslyCommitted == 0 {
		// brand-new bucket: full columnar document
		bd := &BucketDoc{ID: bkt.id[:], Meta: bkt.meta}
		bd.AppendMeasurements(tsOpts.TimeField, meas)
		val, err := EncodeBucket(bd, c.opts.CompressNewBuckets)
		if err != nil {
			return err
		}
		if err := txn.Batch().Set(key, val, nil); err != nil {
			return err
		}
		BucketCommits.WithLabelValues("insert").Inc()
		return nil
	}

	cur, err := c.engine.Get(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return meridianerrors.New(meridianerrors.CodeWriteConflict,
				"bucket %s disappeared under a pending batch", bkt.id)
		}
		return err
	}
	wasCompressed := IsCompressed(cur)
	bd, err := DecodeBucket(cur)
	if err != nil {
		return err
	}
	bd.AppendMeasurements(tsOpts.TimeField, meas)
	// a compressed bucket stays compressed; an uncompressed one takes
	// the direct diff and is recompressed lazily on a future write
	val, err := EncodeBucket(bd, wasCompressed)
	if err != nil {
		return err
	}
	if err := txn.Batch().Set(key, val, nil); err != nil {
		return err
	}
	if wasCompressed {
		BucketCommits.WithLabelValues("decompress_update").Inc()
	} else {
		BucketCommits.WithLabelValues("update").Inc()
	}
	return nil
}
