package catalog

import (
	"testing"

	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, opts Options) (*Catalog, *storage.Engine) {
	t.Helper()
	e, err := storage.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	coll := collection.New("db.coll", 1, collection.Options{}, e)
	return New(coll, e, NewTTLRegistry(), nil, opts), e
}

func mustCreateReady(t *testing.T, c *Catalog, e *storage.Engine, raw doc.Doc) *Entry {
	t.Helper()
	txn := e.NewTxn()
	entry, err := c.CreateIndexOnEmptyCollection(txn, raw)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return entry
}

func TestCatalog_IdenticalCreateIsIdempotent(t *testing.T) {
	c, e := testCatalog(t, Options{})
	raw := doc.Doc{"name": "a_1", "key": doc.Key("a", 1)}

	mustCreateReady(t, c, e, raw)
	require.Equal(t, 1, c.NumReady())

	_, err := c.PrepareSpecForCreate(raw)
	assert.Equal(t, meridianerrors.CodeIndexAlreadyExists, meridianerrors.CodeOf(err))
	assert.True(t, meridianerrors.Soft(err))
	assert.Equal(t, 1, c.Total(), "a duplicate create must not add an entry")
}

func TestCatalog_SameNameDifferentKey(t *testing.T) {
	c, e := testCatalog(t, Options{})
	mustCreateReady(t, c, e, doc.Doc{"name": "idx", "key": doc.Key("a", 1)})

	_, err := c.PrepareSpecForCreate(doc.Doc{"name": "idx", "key": doc.Key("b", 1)})
	assert.Equal(t, meridianerrors.CodeIndexKeySpecsConflict, meridianerrors.CodeOf(err))
}

func TestCatalog_OptionsConflicts(t *testing.T) {
	c, e := testCatalog(t, Options{})
	mustCreateReady(t, c, e, doc.Doc{"name": "idx", "key": doc.Key("a", 1)})

	// same name, same key, different identifying options
	_, err := c.PrepareSpecForCreate(doc.Doc{"name": "idx", "key": doc.Key("a", 1), "unique": true})
	assert.Equal(t, meridianerrors.CodeIndexOptionsConflict, meridianerrors.CodeOf(err))

	// same index hiding under a different name
	_, err = c.PrepareSpecForCreate(doc.Doc{"name": "other", "key": doc.Key("a", 1)})
	assert.Equal(t, meridianerrors.CodeIndexOptionsConflict, meridianerrors.CodeOf(err))
}

func TestCatalog_DuplicateOfUnfinishedBuild(t *testing.T) {
	c, e := testCatalog(t, Options{})
	raw := doc.Doc{"name": "idx", "key": doc.Key("a", 1)}

	s, err := c.PrepareSpecForCreate(raw)
	require.NoError(t, err)
	txn := e.NewTxn()
	_, err = c.CreateIndexEntry(txn, s, FlagNone)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.Equal(t, 1, c.NumBuilding())

	_, err = c.PrepareSpecForCreate(raw)
	assert.Equal(t, meridianerrors.CodeIndexBuildAlreadyInProgress, meridianerrors.CodeOf(err))
}

func TestCatalog_MaxIndexes(t *testing.T) {
	c, e := testCatalog(t, Options{MaxIndexes: 2})
	mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})
	mustCreateReady(t, c, e, doc.Doc{"name": "b_1", "key": doc.Key("b", 1)})

	_, err := c.PrepareSpecForCreate(doc.Doc{"name": "c_1", "key": doc.Key("c", 1)})
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestCatalog_OnlyOneTextIndex(t *testing.T) {
	c, e := testCatalog(t, Options{})
	mustCreateReady(t, c, e, doc.Doc{"name": "t1", "key": doc.Key("body", "text")})

	_, err := c.PrepareSpecForCreate(doc.Doc{"name": "t2", "key": doc.Key("title", "text")})
	assert.Equal(t, meridianerrors.CodeCannotCreateIndex, meridianerrors.CodeOf(err))
}

func TestCatalog_CopyOnWrite(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})

	// unpinned: writable acquisition returns the entry itself
	w := c.GetWritableEntryByName("a_1", IncludeReady)
	assert.Same(t, entry, w)

	snap := c.Snapshot(IncludeReady)
	w = c.GetWritableEntryByName("a_1", IncludeReady)
	assert.NotSame(t, entry, w, "a pinned entry must be cloned before mutation")

	// the snapshot keeps seeing the original
	require.Len(t, snap.Entries(), 1)
	assert.Same(t, entry, snap.Entries()[0])

	// the container now holds the clone
	assert.Same(t, w, c.FindByName("a_1", IncludeReady))
	snap.Release()
}

func TestCatalog_SnapshotReleaseIsIdempotent(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})

	snap := c.Snapshot(IncludeReady)
	snap.Release()
	snap.Release()
	assert.Equal(t, int64(0), entry.pins.Load())
}

func TestCatalog_DropAndRollback(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})
	ut := c.Collection().UsageTracker()
	require.True(t, ut.IsRegistered("a_1"))

	txn := e.NewTxn()
	require.NoError(t, c.DropIndexEntry(txn, entry))
	assert.Equal(t, 0, c.NumReady())
	assert.False(t, ut.IsRegistered("a_1"))
	txn.Rollback()

	// rollback restores the entry and its usage slot
	assert.Equal(t, 1, c.NumReady())
	assert.True(t, ut.IsRegistered("a_1"))
	assert.False(t, entry.IsDropped())
}

func TestCatalog_DropCommitted(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})
	ident := entry.Ident()

	txn := e.NewTxn()
	require.NoError(t, c.DropIndexEntry(txn, entry))
	require.NoError(t, txn.Commit())

	assert.Equal(t, 0, c.Total())
	assert.Empty(t, c.Collection().GetAllIndexes())

	// a ready index drops deferred: the table survives until the sweep
	ok, err := e.HasIdent(ident)
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := e.SweepDroppedIdents()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCatalog_CreateRollbackDropsTable(t *testing.T) {
	c, e := testCatalog(t, Options{})
	s, err := c.PrepareSpecForCreate(doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})
	require.NoError(t, err)

	txn := e.NewTxn()
	entry, err := c.CreateIndexEntry(txn, s, FlagNone)
	require.NoError(t, err)
	ident := entry.Ident()
	txn.Rollback()

	assert.Equal(t, 0, c.Total())
	ok, err := e.HasIdent(ident)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.Collection().UsageTracker().IsRegistered("a_1"))
}

func TestCatalog_IndexRecordsWritesRows(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})

	txn := e.NewTxn()
	require.NoError(t, c.IndexRecords(txn, []Record{
		{ID: 1, Doc: doc.Doc{"a": 10}},
		{ID: 2, Doc: doc.Doc{"a": 20}},
	}))
	require.NoError(t, txn.Commit())

	assert.Equal(t, 2, countTableRows(t, e, entry.Ident()))

	txn = e.NewTxn()
	require.NoError(t, c.UnindexRecord(txn, doc.Doc{"a": 10}, 1))
	require.NoError(t, txn.Commit())
	assert.Equal(t, 1, countTableRows(t, e, entry.Ident()))
}

func TestCatalog_IndexRecordsRespectsPartialFilter(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{
		"name": "a_1", "key": doc.Key("a", 1),
		"partialFilterExpression": doc.Doc{"a": doc.Doc{"$gt": 5}},
	})

	txn := e.NewTxn()
	require.NoError(t, c.IndexRecords(txn, []Record{
		{ID: 1, Doc: doc.Doc{"a": 3}},
		{ID: 2, Doc: doc.Doc{"a": 7}},
	}))
	require.NoError(t, txn.Commit())

	assert.Equal(t, 1, countTableRows(t, e, entry.Ident()))
}

func TestCatalog_MultikeyPropagation(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "tags_1", "key": doc.Key("tags", 1)})
	require.False(t, entry.IsMultikey())

	txn := e.NewTxn()
	require.NoError(t, c.IndexRecords(txn, []Record{
		{ID: 1, Doc: doc.Doc{"tags": []any{"x", "y"}}},
	}))
	require.NoError(t, txn.Commit())

	w := c.FindByName("tags_1", IncludeReady)
	require.NotNil(t, w)
	assert.True(t, w.IsMultikey())
	assert.Equal(t, []string{"tags"}, w.MultikeyPaths())

	// array fan-out: one row per element
	assert.Equal(t, 2, countTableRows(t, e, w.Ident()))

	// the durable catalog document carries the flag too
	for _, im := range c.Collection().GetAllIndexes() {
		if im.Name == "tags_1" {
			assert.True(t, im.Multikey)
		}
	}
}

func TestCatalog_UpdateRecord(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1)})

	txn := e.NewTxn()
	require.NoError(t, c.IndexRecords(txn, []Record{{ID: 1, Doc: doc.Doc{"a": 10}}}))
	require.NoError(t, txn.Commit())

	txn = e.NewTxn()
	require.NoError(t, c.UpdateRecord(txn, doc.Doc{"a": 10}, doc.Doc{"a": 99}, 1))
	require.NoError(t, txn.Commit())

	// still exactly one row, now under the new key
	assert.Equal(t, 1, countTableRows(t, e, entry.Ident()))
}

func TestCatalog_SparseSkipsMissingField(t *testing.T) {
	c, e := testCatalog(t, Options{})
	entry := mustCreateReady(t, c, e, doc.Doc{"name": "a_1", "key": doc.Key("a", 1), "sparse": true})

	txn := e.NewTxn()
	require.NoError(t, c.IndexRecords(txn, []Record{
		{ID: 1, Doc: doc.Doc{"b": 1}},
		{ID: 2, Doc: doc.Doc{"a": 1}},
	}))
	require.NoError(t, txn.Commit())

	assert.Equal(t, 1, countTableRows(t, e, entry.Ident()))
}

func countTableRows(t *testing.T, e *storage.Engine, ident string) int {
	t.Helper()
	iter, err := e.ScanTable(ident)
	require.NoError(t, err)
	defer iter.Close()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n
}
