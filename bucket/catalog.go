package bucket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
	"github.com/meridiandb/meridian/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

var BucketsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "bucket_catalog",
	Name:      "buckets_opened",
}, []string{"reason"})

var BucketCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "bucket_catalog",
	Name:      "commits",
}, []string{"kind"})

var InsertRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "bucket_catalog",
	Name:      "insert_retries",
})

var ReopenResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "bucket_catalog",
	Name:      "reopen_results",
}, []string{"result"})

var CommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "meridian",
	Subsystem: "bucket_catalog",
	Name:      "commit_duration_ms",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"outcome"})

type Options struct {
	NumStripes              int
	MaxWriteConflictRetries int
	ReopenCacheSize         int
	CompressNewBuckets      bool
	Term                    int64
}

func (o *Options) SetDefaults() {
	if o.NumStripes == 0 {
		o.NumStripes = 32
	}
	if o.MaxWriteConflictRetries == 0 {
		o.MaxWriteConflictRetries = 8
	}
	if o.ReopenCacheSize == 0 {
		o.ReopenCacheSize = 1024
	}
}

type stripe struct {
	mu   sync.Mutex
	open map[uint64][]*Bucket // meta hash -> open buckets
}

// Catalog routes measurements into open buckets and owns the commit
// path. Open buckets are spread over stripes by metadata hash so
// unrelated series never contend on one lock.
type Catalog struct {
	coll     *collection.Collection
	engine   *storage.Engine
	registry *StateRegistry
	log      utils.Logger
	opts     Options

	stripes []*stripe

	reopenCache *lru.Cache[uint64, BucketID]
	reopenGroup singleflight.Group

	electionID uuid.UUID

	// test hook, invoked after each batch is staged
	onStaged func(*WriteBatch) error
}

func New(coll *collection.Collection, engine *storage.Engine, registry *StateRegistry, log utils.Logger, opts Options) *Catalog {
	opts.SetDefaults()
	if log == nil {
		log = utils.NewDefaultLogger(utils.DefaultLogLevel)
	}
	stripes := make([]*stripe, opts.NumStripes)
	for i := range stripes {
		stripes[i] = &stripe{open: make(map[uint64][]*Bucket)}
	}
	cache, _ := lru.New[uint64, BucketID](opts.ReopenCacheSize)
	return &Catalog{
		coll:        coll,
		engine:      engine,
		registry:    registry,
		log:         log,
		opts:        opts,
		stripes:     stripes,
		reopenCache: cache,
		electionID:  uuid.New(),
	}
}

func (c *Catalog) Registry() *StateRegistry { return c.registry }

func hashMeta(meta any) uint64 {
	b, err := msgpack.Marshal(meta)
	if err != nil {
		b = []byte{}
	}
	return xxhash.Sum64(b)
}

// asInt64 extracts an exact integer, which float conversion cannot do
// for nanosecond timestamps.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	default:
		return 0, false
	}
}

func measurementTime(m doc.Doc, timeField string) (time.Time, error) {
	v, ok := m.Get(timeField)
	if !ok {
		return time.Time{}, meridianerrors.New(meridianerrors.CodeFailedToParse,
			"measurement is missing its time field %q", timeField)
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	if n, ok := asInt64(v); ok {
		return time.Unix(0, n), nil
	}
	return time.Time{}, meridianerrors.New(meridianerrors.CodeFailedToParse,
		"measurement time field %q is not a timestamp", timeField)
}

func estimateSize(m doc.Doc) int {
	b, err := msgpack.Marshal(map[string]any(m))
	if err != nil {
		return 64
	}
	return len(b)
}

// AttemptInsertIntoBucket routes one measurement: join an open bucket,
// reopen a closed on-disk one with room, or open a fresh bucket. A
// reopen race surfaces as a write conflict and retries the whole
// attempt a bounded number of times.
func (c *Catalog) AttemptInsertIntoBucket(ctx context.Context, m doc.Doc) (*WriteBatch, error) {
	var err error
	for attempt := 0; attempt <= c.opts.MaxWriteConflictRetries; attempt++ {
		var wb *WriteBatch
		wb, err = c.tryInsert(ctx, m)
		if err == nil {
			return wb, nil
		}
		if !meridianerrors.IsWriteConflict(err) {
			return nil, err
		}
		InsertRetries.Inc()
	}
	return nil, err
}

func (c *Catalog) tryInsert(ctx context.Context, m doc.Doc) (*WriteBatch, error) {
	tsOpts := c.coll.GetTimeseriesOptions()
	if tsOpts == nil {
		return nil, meridianerrors.New(meridianerrors.CodeFailedToParse,
			"%s is not a time-series collection", c.coll.Namespace())
	}
	t, err := measurementTime(m, tsOpts.TimeField)
	if err != nil {
		return nil, err
	}
	var meta any
	if tsOpts.MetaField != "" {
		meta, _ = m.Get(tsOpts.MetaField)
	}
	metaHash := hashMeta(meta)
	st := c.stripes[metaHash%uint64(len(c.stripes))]

	st.mu.Lock()
	if wb := c.appendToOpenLocked(st, metaHash, t, m, tsOpts); wb != nil {
		st.mu.Unlock()
		return wb, nil
	}
	st.mu.Unlock()

	// nothing open fits; look for a closed on-disk bucket with room
	reopened, err := c.tryReopen(metaHash, meta, t, tsOpts)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if reopened != nil {
		// a racing writer may have published this bucket between our
		// open-bucket miss and the reopen; never hold two in-memory
		// copies of one on-disk document
		dup := false
		for _, b := range st.open[metaHash] {
			if b.id == reopened.id && !b.closed {
				dup = true
				break
			}
		}
		if !dup {
			st.open[metaHash] = append(st.open[metaHash], reopened)
		}
		// the reopen marker drops only now, with the bucket visible in
		// the stripe map
		c.registry.FinishReopening(reopened.id)
		if wb := c.appendToOpenLocked(st, metaHash, t, m, tsOpts); wb != nil {
			return wb, nil
		}
	}

	b := &Bucket{
		id:         NewBucketID(t),
		coll:       c.coll.UUID(),
		metaHash:   metaHash,
		meta:       meta,
		stripe:     int(metaHash % uint64(len(c.stripes))),
		minTime:    t.Truncate(time.Minute),
		span:       tsOpts.MaxSpan,
		fieldTypes: make(map[string]string),
	}
	st.open[metaHash] = append(st.open[metaHash], b)
	BucketsOpened.WithLabelValues("new").Inc()
	return c.appendLocked(b, m), nil
}

// appendToOpenLocked finds an open bucket the measurement fits and
// appends it, closing buckets whose rollover condition fired. Caller
// holds the stripe lock.
func (c *Catalog) appendToOpenLocked(st *stripe, metaHash uint64, t time.Time, m doc.Doc, tsOpts *collection.TimeseriesOptions) *WriteBatch {
	kept := st.open[metaHash][:0]
	var target *Bucket
	for _, b := range st.open[metaHash] {
		if b.closed {
			continue
		}
		if c.registry.InConflict(b.id) {
			// a commit or direct write holds the identity; keep the
			// bucket but do not batch into it
			kept = append(kept, b)
			continue
		}
		reason := b.rolloverReason(t, m, tsOpts.MaxMeasurements, tsOpts.MaxBucketBytes)
		switch reason {
		case RolloverNone:
			if target == nil {
				target = b
			}
			kept = append(kept, b)
		case RolloverPendingCommit:
			kept = append(kept, b) // still committing, leave it alone
		default:
			b.closed = true
			BucketsOpened.WithLabelValues(reason.String()).Inc()
			c.reopenCache.Add(metaHash, b.id)
		}
	}
	st.open[metaHash] = kept
	if target == nil {
		return nil
	}
	return c.appendLocked(target, m)
}

func (c *Catalog) appendLocked(b *Bucket, m doc.Doc) *WriteBatch {
	if b.batch == nil || b.batch.Claimed() {
		b.batch = newWriteBatch(b)
	}
	b.batch.add(m)
	b.absorbSchema(m)
	b.count++
	b.size += estimateSize(m)
	return b.batch
}
