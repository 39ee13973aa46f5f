// Package bucket is the time-series write engine: it routes
// measurements into columnar bucket documents, accumulates them in
// per-bucket write batches and commits batch groups atomically with
// replication bookkeeping.
package bucket

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/storage"
)

// BucketID is a 12-byte identity: 4 bytes of unix seconds followed by 8
// random bytes. Byte order doubles as the global commit order, which is
// what keeps multi-bucket commit groups deadlock free.
type BucketID [12]byte

func NewBucketID(t time.Time) BucketID {
	var id BucketID
	binary.BigEndian.PutUint32(id[:4], uint32(t.Unix()))
	if _, err := rand.Read(id[4:]); err != nil {
		panic("bucket: cannot read random bytes: " + err.Error())
	}
	return id
}

func (id BucketID) Time() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[:4])), 0)
}

func (id BucketID) Less(other BucketID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id BucketID) String() string { return hex.EncodeToString(id[:]) }

// bucketDocKey lays a bucket document out under the 'B' prefix as
// collection uuid | meta hash | bucket id, so a scan over one metadata
// value walks buckets in time order — the key itself is the meta+time
// index the reopen query is hinted to.
func bucketDocKey(coll uuid.UUID, metaHash uint64, id BucketID) []byte {
	key := make([]byte, 0, 1+16+8+12)
	key = append(key, storage.PrefixBucket)
	key = append(key, coll[:]...)
	key = binary.BigEndian.AppendUint64(key, metaHash)
	return append(key, id[:]...)
}

func bucketMetaBounds(coll uuid.UUID, metaHash uint64) (lo, hi []byte) {
	lo = bucketDocKey(coll, metaHash, BucketID{})
	hi = bucketDocKey(coll, metaHash+1, BucketID{})
	return
}

// RolloverReason says why an incoming measurement could not join an
// open bucket.
type RolloverReason byte

const (
	RolloverNone RolloverReason = iota
	RolloverTimeForward
	RolloverTimeBackward
	RolloverCount
	RolloverSize
	RolloverSchemaChange
	RolloverPendingCommit
)

func (r RolloverReason) String() string {
	switch r {
	case RolloverTimeForward:
		return "time_forward"
	case RolloverTimeBackward:
		return "time_backward"
	case RolloverCount:
		return "count"
	case RolloverSize:
		return "size"
	case RolloverSchemaChange:
		return "schema_change"
	case RolloverPendingCommit:
		return "pending_commit"
	default:
		return "none"
	}
}

// Bucket is the in-memory state of one open bucket: identity, time
// span, schema summary and the currently accumulating batch.
type Bucket struct {
	id       BucketID
	coll     uuid.UUID
	metaHash uint64
	meta     any
	stripe   int

	minTime time.Time
	span    time.Duration

	count int // committed + accumulating measurements
	size  int // rough encoded size

	fieldTypes map[string]string

	committed  int // measurements durably in the on-disk document
	compressed bool

	batch  *WriteBatch
	closed bool
}

func (b *Bucket) ID() BucketID { return b.id }

// rolloverReason decides whether a measurement at time t with the given
// fields can still join this bucket.
func (b *Bucket) rolloverReason(t time.Time, m doc.Doc, max int, maxBytes int) RolloverReason {
	if b.closed {
		return RolloverPendingCommit
	}
	if t.Before(b.minTime) {
		return RolloverTimeBackward
	}
	if !t.Before(b.minTime.Add(b.span)) {
		return RolloverTimeForward
	}
	if b.count >= max {
		return RolloverCount
	}
	if b.size >= maxBytes {
		return RolloverSize
	}
	for field, v := range m {
		if want, ok := b.fieldTypes[field]; ok && want != doc.TypeName(v) {
			return RolloverSchemaChange
		}
	}
	if b.batch != nil && b.batch.Claimed() {
		return RolloverPendingCommit
	}
	return RolloverNone
}

func (b *Bucket) absorbSchema(m doc.Doc) {
	for field, v := range m {
		if _, ok := b.fieldTypes[field]; !ok {
			b.fieldTypes[field] = doc.TypeName(v)
		}
	}
}
