package bucket

import (
	"strconv"
	"time"

	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
)

var errReopenRace = meridianerrors.New(meridianerrors.CodeWriteConflict,
	"bucket: another writer reopened the bucket first")

// tryReopen looks for a closed, on-disk, still-uncompressed bucket with
// room for a measurement at time t: first a cached candidate identity,
// then a scan over the collection's buckets for this metadata value
// (the key layout is the meta+time index the scan is hinted to).
// Returns nil without error when no candidate exists.
func (c *Catalog) tryReopen(metaHash uint64, meta any, t time.Time, tsOpts *collection.TimeseriesOptions) (*Bucket, error) {
	if id, ok := c.reopenCache.Get(metaHash); ok {
		c.reopenCache.Remove(metaHash)
		if b, err := c.reopenByID(id, metaHash, meta, t, tsOpts); err != nil || b != nil {
			return b, err
		}
	}

	// concurrent scans for the same series are collapsed; losers of a
	// subsequent reopen race retry the whole insert attempt
	v, err, _ := c.reopenGroup.Do(strconv.FormatUint(metaHash, 16), func() (any, error) {
		return c.scanForCandidate(metaHash, t, tsOpts)
	})
	if err != nil {
		return nil, err
	}
	id, ok := v.(BucketID)
	if !ok {
		ReopenResults.WithLabelValues("none").Inc()
		return nil, nil
	}
	return c.reopenByID(id, metaHash, meta, t, tsOpts)
}

// scanForCandidate walks this series' buckets in time order and picks
// the first uncompressed one whose window contains t and that still has
// room. Returns nil when there is no candidate.
func (c *Catalog) scanForCandidate(metaHash uint64, t time.Time, tsOpts *collection.TimeseriesOptions) (any, error) {
	lo, hi := bucketMetaBounds(c.coll.UUID(), metaHash)
	iter, err := c.engine.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if IsCompressed(iter.Value()) {
			continue
		}
		bd, err := DecodeBucket(iter.Value())
		if err != nil {
			return nil, err
		}
		if bd.Control.Count >= tsOpts.MaxMeasurements {
			continue
		}
		minTime, ok := controlTime(bd, tsOpts.TimeField)
		if !ok {
			continue
		}
		if t.Before(minTime) || !t.Before(minTime.Add(tsOpts.MaxSpan)) {
			continue
		}
		var id BucketID
		key := iter.Key()
		copy(id[:], key[len(key)-12:])
		return id, nil
	}
	return nil, nil
}

func controlTime(bd *BucketDoc, timeField string) (time.Time, bool) {
	v, ok := bd.Control.Min[timeField]
	if !ok {
		return time.Time{}, false
	}
	n, ok := asInt64(v)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, n).Truncate(time.Minute), true
}

// reopenByID claims the reopen marker for the candidate and seeds an
// in-memory bucket from its on-disk state. A concurrent direct write or
// reopen surfaces as a write conflict. On success the marker is still
// held: the caller releases it only once the bucket is published to its
// stripe, so a racing writer either loses the marker race or finds the
// open bucket — it can never build a second in-memory copy of the same
// on-disk document.
func (c *Catalog) reopenByID(id BucketID, metaHash uint64, meta any, t time.Time, tsOpts *collection.TimeseriesOptions) (*Bucket, error) {
	if !c.registry.StartReopening(id) {
		ReopenResults.WithLabelValues("conflict").Inc()
		return nil, errReopenRace
	}
	b, err := c.seedFromDisk(id, metaHash, meta, t, tsOpts)
	if b == nil {
		c.registry.FinishReopening(id)
	}
	return b, err
}

// seedFromDisk builds the in-memory bucket from the on-disk document,
// nil without error when the candidate is gone, compressed, full, or
// out of window. Caller holds the reopen marker.
func (c *Catalog) seedFromDisk(id BucketID, metaHash uint64, meta any, t time.Time, tsOpts *collection.TimeseriesOptions) (*Bucket, error) {
	val, err := c.engine.Get(bucketDocKey(c.coll.UUID(), metaHash, id))
	if err != nil {
		if storage.IsNotFound(err) {
			ReopenResults.WithLabelValues("gone").Inc()
			return nil, nil
		}
		return nil, err
	}
	if IsCompressed(val) {
		// someone compressed it since the scan; no longer reopenable
		ReopenResults.WithLabelValues("compressed").Inc()
		return nil, nil
	}
	bd, err := DecodeBucket(val)
	if err != nil {
		return nil, err
	}
	if bd.Control.Count >= tsOpts.MaxMeasurements {
		ReopenResults.WithLabelValues("full").Inc()
		return nil, nil
	}
	minTime, ok := controlTime(bd, tsOpts.TimeField)
	if !ok || t.Before(minTime) || !t.Before(minTime.Add(tsOpts.MaxSpan)) {
		ReopenResults.WithLabelValues("out_of_window").Inc()
		return nil, nil
	}

	b := &Bucket{
		id:         id,
		coll:       c.coll.UUID(),
		metaHash:   metaHash,
		meta:       meta,
		stripe:     int(metaHash % uint64(len(c.stripes))),
		minTime:    minTime,
		span:       tsOpts.MaxSpan,
		count:      bd.Control.Count,
		committed:  bd.Control.Count,
		fieldTypes: make(map[string]string),
	}
	for field := range bd.Data {
		if col := bd.Data[field]; len(col) > 0 {
			for _, v := range col {
				b.fieldTypes[field] = doc.TypeName(v)
				break
			}
		}
	}
	ReopenResults.WithLabelValues("reopened").Inc()
	c.log.Debug("bucket: reopened", "ns", c.coll.Namespace(), "bucket", id.String())
	return b, nil
}
