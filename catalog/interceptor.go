package catalog

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/meridiandb/meridian/storage"
)

// Side-write op tags, first byte of every side-table row value.
const (
	sideOpInsert byte = 'i'
	sideOpDelete byte = 'd'
)

// BuildInterceptor buffers writes arriving while a hybrid index build
// is bulk-loading. Concurrent inserts/deletes land in a side-writes
// table instead of the half-built index and are drained once the bulk
// phase finishes. It also tracks duplicate keys seen by a unique build
// and records skipped during the scan for later retry.
type BuildInterceptor struct {
	engine *storage.Engine

	sideIdent    string
	skippedIdent string

	seq     atomic.Uint64
	pending atomic.Int64
	skipped atomic.Int64

	dupMu  sync.Mutex
	dupKeys [][]byte
}

// NewBuildInterceptor allocates fresh side tables for one build.
func NewBuildInterceptor(engine *storage.Engine, catalogID uint64) (*BuildInterceptor, error) {
	bi := &BuildInterceptor{
		engine:       engine,
		sideIdent:    engine.NewIdent("side-writes", catalogID),
		skippedIdent: engine.NewIdent("skipped-records", catalogID),
	}
	if err := engine.CreateIndexTable(bi.sideIdent); err != nil {
		return nil, err
	}
	if err := engine.CreateIndexTable(bi.skippedIdent); err != nil {
		return nil, err
	}
	return bi, nil
}

// ResumeBuildInterceptor reattaches to side tables persisted by an
// interrupted build. Counters are rebuilt from the tables themselves.
func ResumeBuildInterceptor(engine *storage.Engine, sideIdent, skippedIdent string) (*BuildInterceptor, error) {
	bi := &BuildInterceptor{
		engine:       engine,
		sideIdent:    sideIdent,
		skippedIdent: skippedIdent,
	}
	for _, t := range []struct {
		ident string
		n     *atomic.Int64
	}{{sideIdent, &bi.pending}, {skippedIdent, &bi.skipped}} {
		iter, err := engine.ScanTable(t.ident)
		if err != nil {
			return nil, err
		}
		count := int64(0)
		for valid := iter.First(); valid; valid = iter.Next() {
			count++
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
		t.n.Store(count)
	}
	return bi, nil
}

func (bi *BuildInterceptor) SideWritesIdent() string    { return bi.sideIdent }
func (bi *BuildInterceptor) SkippedRecordsIdent() string { return bi.skippedIdent }

// SideWrite stages one intercepted index mutation. The pending counter
// only moves once the enclosing transaction commits.
func (bi *BuildInterceptor) SideWrite(txn *storage.Txn, op byte, indexKey []byte) error {
	seq := bi.seq.Add(1)
	rowKey := binary.BigEndian.AppendUint64(nil, seq)
	val := append([]byte{op}, indexKey...)
	if err := txn.Batch().Set(storage.TableKey(bi.sideIdent, rowKey), val, nil); err != nil {
		return err
	}
	txn.OnCommit(func() { bi.pending.Add(1) })
	return nil
}

// DrainSideWrites replays buffered writes into the target index table
// and clears the buffer, all inside the caller's transaction.
func (bi *BuildInterceptor) DrainSideWrites(txn *storage.Txn, indexIdent string) error {
	iter, err := bi.engine.ScanTable(bi.sideIdent)
	if err != nil {
		return err
	}
	defer iter.Close()
	drained := int64(0)
	for valid := iter.First(); valid; valid = iter.Next() {
		val := iter.Value()
		op, indexKey := val[0], append([]byte(nil), val[1:]...)
		target := storage.TableKey(indexIdent, indexKey)
		switch op {
		case sideOpInsert:
			if err := txn.Batch().Set(target, []byte{}, nil); err != nil {
				return err
			}
		case sideOpDelete:
			if err := txn.Batch().Delete(target, nil); err != nil {
				return err
			}
		}
		if err := txn.Batch().Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
		drained++
	}
	n := drained
	txn.OnCommit(func() { bi.pending.Add(-n) })
	return nil
}

// AreAllWritesApplied reports whether the side table has been fully
// drained into the index.
func (bi *BuildInterceptor) AreAllWritesApplied() bool { return bi.pending.Load() == 0 }

// RecordSkipped remembers a record the bulk scan could not index (for
// example one failing a fail-point keyed constraint) for later retry.
func (bi *BuildInterceptor) RecordSkipped(txn *storage.Txn, recordID uint64) error {
	rowKey := binary.BigEndian.AppendUint64(nil, recordID)
	if err := txn.Batch().Set(storage.TableKey(bi.skippedIdent, rowKey), []byte{}, nil); err != nil {
		return err
	}
	txn.OnCommit(func() { bi.skipped.Add(1) })
	return nil
}

// RetrySkippedRecords re-attempts every deferred record through apply
// and removes the ones that now succeed.
func (bi *BuildInterceptor) RetrySkippedRecords(txn *storage.Txn, apply func(recordID uint64) error) error {
	iter, err := bi.engine.ScanTable(bi.skippedIdent)
	if err != nil {
		return err
	}
	defer iter.Close()
	applied := int64(0)
	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		rid := binary.BigEndian.Uint64(key[len(key)-8:])
		if err := apply(rid); err != nil {
			return err
		}
		if err := txn.Batch().Delete(append([]byte(nil), key...), nil); err != nil {
			return err
		}
		applied++
	}
	n := applied
	txn.OnCommit(func() { bi.skipped.Add(-n) })
	return nil
}

// AreAllSkippedRecordsApplied reports whether the deferred-records
// table is empty.
func (bi *BuildInterceptor) AreAllSkippedRecordsApplied() bool { return bi.skipped.Load() == 0 }

// RecordDuplicate notes a duplicate key seen while bulk-building a
// unique index; the caller decides at commit time whether duplicates
// are fatal.
func (bi *BuildInterceptor) RecordDuplicate(key []byte) {
	bi.dupMu.Lock()
	defer bi.dupMu.Unlock()
	bi.dupKeys = append(bi.dupKeys, append([]byte(nil), key...))
}

func (bi *BuildInterceptor) DuplicateKeys() [][]byte {
	bi.dupMu.Lock()
	defer bi.dupMu.Unlock()
	return append([][]byte(nil), bi.dupKeys...)
}

// dropTables removes the interceptor's side tables, used when the build
// finishes either way.
func (bi *BuildInterceptor) dropTables() error {
	if err := bi.engine.DropIdent(bi.sideIdent); err != nil {
		return err
	}
	return bi.engine.DropIdent(bi.skippedIdent)
}
