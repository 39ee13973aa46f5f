package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Txn is the write-unit-of-work handed to catalog and bucket
// operations. Data mutations are staged into one pebble batch; commit
// and rollback closures registered during the operation run exactly
// once when the transaction resolves. The core only registers closures,
// the transaction driver (this type) invokes them.
type Txn struct {
	e  *Engine
	b  *pebble.Batch
	ts uint64

	onCommit   []func()
	onRollback []func()
	done       bool
}

func (e *Engine) NewTxn() *Txn {
	return &Txn{e: e, b: e.db.NewBatch()}
}

// Batch exposes the staged pebble batch for direct Set/Delete staging.
func (t *Txn) Batch() *pebble.Batch { return t.b }

// SetTimestamp records the timestamp the caller assigned to this unit
// of work. The catalog never assigns timestamps itself.
func (t *Txn) SetTimestamp(ts uint64) { t.ts = ts }
func (t *Txn) Timestamp() uint64      { return t.ts }

func (t *Txn) OnCommit(f func())   { t.onCommit = append(t.onCommit, f) }
func (t *Txn) OnRollback(f func()) { t.onRollback = append(t.onRollback, f) }

// Commit applies the staged batch atomically, then runs commit hooks in
// registration order. The hooks run after the write is durably visible.
func (t *Txn) Commit() error {
	if t.done {
		panic("storage: transaction resolved twice")
	}
	if err := t.e.db.Apply(t.b, t.e.wo); err != nil {
		t.b.Close()
		t.done = true
		return errors.Wrap(err, "storage: commit")
	}
	t.b.Close()
	t.done = true
	for _, f := range t.onCommit {
		f()
	}
	return nil
}

// Rollback discards staged writes and runs rollback hooks in reverse
// registration order, undoing side effects newest-first.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.b.Close()
	t.done = true
	for i := len(t.onRollback) - 1; i >= 0; i-- {
		t.onRollback[i]()
	}
}
