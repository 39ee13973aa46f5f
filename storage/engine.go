// Package storage is the pebble-backed storage engine the catalog and
// the bucket engine sit on. Everything lives in one pebble DB, keyed
// under one-byte prefixes:
//
//	'I' ident  -> ident marker (existence of a physical table)
//	'T' ident 0x00 key -> row of that table
//	'M' catalog-id     -> versioned collection metadata document
//	'B' ...            -> bucket documents (layout owned by package bucket)
//	'D' ident          -> deferred-drop marker
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/utils"
	"github.com/pkg/errors"
)

const (
	prefixIdent byte = 'I'
	prefixTable byte = 'T'
	prefixMeta  byte = 'M'
	PrefixBucket byte = 'B'
	prefixDrop  byte = 'D'
)

// ErrWriteConflict is returned when a conditional metadata write loses a
// race; callers retry in a bounded loop.
var ErrWriteConflict = meridianerrors.New(meridianerrors.CodeWriteConflict, "storage: conflicting metadata write")

type Engine struct {
	db  *pebble.DB
	dir string
	log utils.Logger
	wo  *pebble.WriteOptions

	identSeq atomic.Uint64
	clock    atomic.Uint64

	metaLock sync.Mutex
}

// OpTime is the replication bookkeeping attached to a committed write.
type OpTime struct {
	TS   uint64
	Term int64
}

func Open(dir string, log utils.Logger) (*Engine, error) {
	if log == nil {
		log = utils.NewDefaultLogger(utils.DefaultLogLevel)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", dir)
	}
	return &Engine{db: db, dir: dir, log: log, wo: pebble.Sync}, nil
}

func (e *Engine) Close() error { return e.db.Close() }

// Now advances and returns the engine's logical clock; used for batch
// timestamps and OpTime assignment.
func (e *Engine) Now() uint64 { return e.clock.Add(1) }

// NewIdent mints a unique physical table name.
func (e *Engine) NewIdent(kind string, catalogID uint64) string {
	return fmt.Sprintf("%s-%d-%d", kind, catalogID, e.identSeq.Add(1))
}

func identKey(ident string) []byte {
	return append([]byte{prefixIdent}, ident...)
}

func dropKey(ident string) []byte {
	return append([]byte{prefixDrop}, ident...)
}

// TableKey addresses one row of an ident's table.
func TableKey(ident string, key []byte) []byte {
	out := make([]byte, 0, 2+len(ident)+len(key))
	out = append(out, prefixTable)
	out = append(out, ident...)
	out = append(out, 0)
	return append(out, key...)
}

func tableBounds(ident string) (lo, hi []byte) {
	lo = TableKey(ident, nil)
	hi = append(append([]byte{prefixTable}, ident...), 1)
	return
}

// CreateIndexTable allocates the physical table for ident. It writes
// straight to the engine, not into any transaction: ident lifetime is
// managed by the caller's rollback handlers, mirroring how storage
// engines create tables outside the data transaction.
func (e *Engine) CreateIndexTable(ident string) error {
	if err := e.db.Set(identKey(ident), []byte{}, e.wo); err != nil {
		return errors.Wrapf(err, "storage: create table %s", ident)
	}
	return nil
}

func (e *Engine) HasIdent(ident string) (bool, error) {
	_, closer, err := e.db.Get(identKey(ident))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// DropIdent removes the table marker and all of its rows immediately.
// Used for tables that never became visible to readers.
func (e *Engine) DropIdent(ident string) error {
	b := e.db.NewBatch()
	defer b.Close()
	if err := b.Delete(identKey(ident), nil); err != nil {
		return err
	}
	lo, hi := tableBounds(ident)
	if err := b.DeleteRange(lo, hi, nil); err != nil {
		return err
	}
	if err := e.db.Apply(b, e.wo); err != nil {
		return errors.Wrapf(err, "storage: drop ident %s", ident)
	}
	return nil
}

// DropIdentDeferred marks the ident for a later sweep so readers holding
// an older snapshot can still see the table until they drain.
func (e *Engine) DropIdentDeferred(ident string) error {
	return e.db.Set(dropKey(ident), []byte{}, e.wo)
}

// SweepDroppedIdents applies every deferred drop. Called from the
// checkpoint path once no snapshot can reference the tables anymore.
func (e *Engine) SweepDroppedIdents() (int, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixDrop},
		UpperBound: []byte{prefixDrop + 1},
	})
	if err != nil {
		return 0, err
	}
	var idents []string
	for valid := iter.First(); valid; valid = iter.Next() {
		idents = append(idents, string(iter.Key()[1:]))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, ident := range idents {
		if err := e.DropIdent(ident); err != nil {
			return 0, err
		}
		if err := e.db.Delete(dropKey(ident), e.wo); err != nil {
			return 0, err
		}
		e.log.Debug("storage: swept dropped ident", "ident", ident)
	}
	return len(idents), nil
}

// Get reads one key, copying the value out of pebble's buffer.
func (e *Engine) Get(key []byte) ([]byte, error) {
	v, closer, err := e.db.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

// IsNotFound reports whether err is the engine's missing-key error.
func IsNotFound(err error) bool { return err == pebble.ErrNotFound }

// NewIter opens a bounded iterator over the live keyspace.
func (e *Engine) NewIter(lo, hi []byte) (*pebble.Iterator, error) {
	return e.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
}

// ScanTable iterates an ident's rows.
func (e *Engine) ScanTable(ident string) (*pebble.Iterator, error) {
	lo, hi := tableBounds(ident)
	return e.NewIter(lo, hi)
}

func metaKey(catalogID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixMeta}, catalogID)
}

// GetMeta reads a collection's metadata document and its version.
func (e *Engine) GetMeta(catalogID uint64) (version uint64, payload []byte, err error) {
	v, err := e.Get(metaKey(catalogID))
	if err == pebble.ErrNotFound {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint64(v[:8]), v[8:], nil
}

// UpdateMeta is a compare-and-set on the metadata document: it fails
// with ErrWriteConflict when the stored version is not expectVersion.
// This is the device the multikey-path commit retries around.
func (e *Engine) UpdateMeta(catalogID uint64, expectVersion uint64, payload []byte) error {
	e.metaLock.Lock()
	defer e.metaLock.Unlock()
	cur, _, err := e.GetMeta(catalogID)
	if err != nil {
		return err
	}
	if cur != expectVersion {
		return ErrWriteConflict
	}
	v := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(payload)), expectVersion+1)
	v = append(v, payload...)
	return e.db.Set(metaKey(catalogID), v, e.wo)
}
