package catalog

import (
	"fmt"

	"github.com/meridiandb/meridian/collection"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/meridianerrors"
	"github.com/meridiandb/meridian/storage"
	"github.com/meridiandb/meridian/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var IndexCreateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "index_catalog",
	Name:      "creates",
}, []string{"outcome"})

var IndexDropCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "index_catalog",
	Name:      "drops",
}, []string{"phase"})

var CatalogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "meridian",
	Subsystem: "index_catalog",
	Name:      "entries",
}, []string{"state"})

var MultikeyWriteRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "index_catalog",
	Name:      "multikey_write_retries",
})

// InclusionPolicy selects which containers a lookup sees.
type InclusionPolicy byte

const (
	IncludeReady InclusionPolicy = 1 << iota
	IncludeBuilding
	IncludeFrozen

	IncludeAll = IncludeReady | IncludeBuilding | IncludeFrozen
)

// CreateFlags tune CreateIndexEntry. FlagIsReady and FlagFrozen are
// mutually exclusive by entry construction.
type CreateFlags byte

const (
	FlagNone CreateFlags = 0
	// the entry starts in the ready container (empty-collection create)
	FlagIsReady CreateFlags = 1 << iota
	// the entry starts frozen (standalone-member resume)
	FlagFrozen
	// the collection is brand new in this transaction; rollback will
	// discard the whole collection, so no usage-tracker fixup is needed
	FlagNewCollection
)

type Options struct {
	MaxIndexes              int
	MaxFilterDepth          int
	MaxWriteConflictRetries int
}

func (o *Options) SetDefaults() {
	if o.MaxIndexes == 0 {
		o.MaxIndexes = 64
	}
	if o.MaxFilterDepth == 0 {
		o.MaxFilterDepth = doc.DefaultMaxFilterDepth
	}
	if o.MaxWriteConflictRetries == 0 {
		o.MaxWriteConflictRetries = 16
	}
}

// Catalog owns the three entry containers of one collection. The
// enclosing collection-lock discipline serializes mutators; the catalog
// itself never blocks.
type Catalog struct {
	coll   *collection.Collection
	engine *storage.Engine
	ttl    *TTLRegistry
	log    utils.Logger
	opts   Options

	ready    entryContainer
	building entryContainer
	frozen   entryContainer
}

func New(coll *collection.Collection, engine *storage.Engine, ttl *TTLRegistry, log utils.Logger, opts Options) *Catalog {
	opts.SetDefaults()
	if log == nil {
		log = utils.NewDefaultLogger(utils.DefaultLogLevel)
	}
	return &Catalog{coll: coll, engine: engine, ttl: ttl, log: log, opts: opts}
}

func (c *Catalog) Collection() *collection.Collection { return c.coll }

func (c *Catalog) NumReady() int    { return c.ready.len() }
func (c *Catalog) NumBuilding() int { return c.building.len() }
func (c *Catalog) NumFrozen() int   { return c.frozen.len() }
func (c *Catalog) Total() int       { return c.ready.len() + c.building.len() + c.frozen.len() }

func (c *Catalog) containers(policy InclusionPolicy) []*entryContainer {
	var out []*entryContainer
	if policy&IncludeReady != 0 {
		out = append(out, &c.ready)
	}
	if policy&IncludeBuilding != 0 {
		out = append(out, &c.building)
	}
	if policy&IncludeFrozen != 0 {
		out = append(out, &c.frozen)
	}
	return out
}

func (c *Catalog) FindByName(name string, policy InclusionPolicy) *Entry {
	for _, cont := range c.containers(policy) {
		if e := cont.findByName(name); e != nil {
			return e
		}
	}
	return nil
}

// Snapshot pins the selected entries for stable reading. The caller
// must Release it; outstanding pins are what force copy-on-write on the
// mutation path.
func (c *Catalog) Snapshot(policy InclusionPolicy) *Snapshot {
	s := &Snapshot{}
	for _, cont := range c.containers(policy) {
		for _, e := range cont.all() {
			e.pins.Add(1)
			s.entries = append(s.entries, e)
		}
	}
	return s
}

// PrepareSpecForCreate validates and normalizes a candidate spec, then
// checks it for conflicts: first against ready indexes only, then
// against everything, so "already exists" against an unfinished build
// surfaces as IndexBuildAlreadyInProgress.
func (c *Catalog) PrepareSpecForCreate(raw doc.Doc) (*Spec, error) {
	s, err := ValidateAndFix(c.coll, raw, c.opts.MaxFilterDepth)
	if err != nil {
		IndexCreateCount.WithLabelValues(meridianerrors.CodeOf(err).String()).Inc()
		return nil, err
	}

	if s.Kind() == KindText {
		for _, cont := range c.containers(IncludeAll) {
			for _, e := range cont.all() {
				if e.spec.Kind() == KindText {
					return nil, cannotCreate("this collection already has a text index, only one is allowed")
				}
			}
		}
	}

	if err := c.doesSpecConflictWithExisting(s, IncludeReady, false); err != nil {
		return nil, err
	}
	if err := c.doesSpecConflictWithExisting(s, IncludeAll, true); err != nil {
		return nil, err
	}

	if c.Total() >= c.opts.MaxIndexes {
		return nil, cannotCreate("cannot create more than %d indexes on a collection", c.opts.MaxIndexes)
	}
	return s, nil
}

// The tie-break policy: identical name and identical key+identifying
// options is the soft already-exists case; same name with a different
// key is a key conflict; everything else that collides is an options
// conflict, including the same index hiding under a different name.
func (c *Catalog) doesSpecConflictWithExisting(s *Spec, policy InclusionPolicy, includeUnfinished bool) error {
	for _, cont := range c.containers(policy) {
		for _, e := range cont.all() {
			if e.spec.Name == s.Name {
				if e.spec.Key.Equal(s.Key) && e.spec.SameIdentifyingOptions(s) {
					if includeUnfinished && !e.IsReady() {
						return meridianerrors.New(meridianerrors.CodeIndexBuildAlreadyInProgress,
							"an identical index %q is already being built", s.Name)
					}
					return meridianerrors.New(meridianerrors.CodeIndexAlreadyExists,
						"index %q already exists", s.Name)
				}
				if !e.spec.Key.Equal(s.Key) {
					return meridianerrors.New(meridianerrors.CodeIndexKeySpecsConflict,
						"an index named %q already exists with a different key: %s vs %s",
						s.Name, e.spec.Key, s.Key)
				}
				return meridianerrors.New(meridianerrors.CodeIndexOptionsConflict,
					"an index named %q already exists with different options", s.Name)
			}
			if e.spec.Key.Equal(s.Key) && e.spec.SameIdentifyingOptions(s) {
				return meridianerrors.New(meridianerrors.CodeIndexOptionsConflict,
					"an index with key %s already exists under the name %q", s.Key, e.spec.Name)
			}
		}
	}
	return nil
}

// CreateIndexEntry allocates the physical table and registers the entry
// in the container the flags select. Ident creation is a blocking
// storage call; its failure propagates verbatim.
func (c *Catalog) CreateIndexEntry(txn *storage.Txn, s *Spec, flags CreateFlags) (*Entry, error) {
	if c.Total() >= c.opts.MaxIndexes {
		return nil, cannotCreate("cannot create more than %d indexes on a collection", c.opts.MaxIndexes)
	}

	ident := c.engine.NewIdent("index", c.coll.GetCatalogID())
	if err := c.engine.CreateIndexTable(ident); err != nil {
		return nil, err
	}

	e := newEntry(s, ident, flags&FlagIsReady != 0, flags&FlagFrozen != 0)
	cont := c.containerFor(e)
	cont.add(e)

	c.coll.UsageTracker().RegisterIndex(s.Name)
	newCollection := flags&FlagNewCollection != 0
	txn.OnRollback(func() {
		c.containerFor(e).release(ident)
		_ = c.engine.DropIdent(ident)
		if !newCollection {
			c.coll.UsageTracker().UnregisterIndex(s.Name)
		}
	})

	c.coll.ClearQueryInfoCache()
	c.updateGauges()
	IndexCreateCount.WithLabelValues("ok").Inc()
	c.log.Debug("index catalog: created entry",
		"ns", c.coll.Namespace(), "index", s.Name, "ident", ident, "state", e.State().String())
	return e, nil
}

// CreateIndexOnEmptyCollection creates a ready index in one step: with
// no documents there is nothing to build.
func (c *Catalog) CreateIndexOnEmptyCollection(txn *storage.Txn, raw doc.Doc) (*Entry, error) {
	s, err := c.PrepareSpecForCreate(raw)
	if err != nil {
		return nil, err
	}
	e, err := c.CreateIndexEntry(txn, s, FlagIsReady|FlagNewCollection)
	if err != nil {
		return nil, err
	}
	blob, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.coll.PrepareForIndexBuild(s.Name, e.ident, blob); err != nil {
		return nil, err
	}
	if err := c.retryOnConflict(func() error { return c.coll.MarkIndexReady(s.Name) }); err != nil {
		return nil, err
	}
	return e, nil
}

// GetWritableEntryByName is the copy-on-write acquisition: an entry
// pinned by any snapshot is cloned and swapped into the container so
// the mutation never reaches older readers.
func (c *Catalog) GetWritableEntryByName(name string, policy InclusionPolicy) *Entry {
	e := c.FindByName(name, policy)
	if e == nil {
		return nil
	}
	if e.pins.Load() == 0 {
		return e
	}
	w := e.clone()
	if !c.containerFor(e).replace(e, w) {
		panic(fmt.Sprintf("index catalog: entry %q missing from its container", name))
	}
	return w
}

func (c *Catalog) containerFor(e *Entry) *entryContainer {
	switch e.State() {
	case StateReady:
		return &c.ready
	case StateFrozen:
		return &c.frozen
	default:
		return &c.building
	}
}

// DropIndexEntry removes the entry from its container and schedules
// physical removal: deferred for indexes that became ready (snapshot
// readers may still need the table), immediate otherwise.
func (c *Catalog) DropIndexEntry(txn *storage.Txn, e *Entry) error {
	if e == nil {
		panic("index catalog: dropping a nil entry")
	}
	if e.pins.Load() != 0 {
		panic(fmt.Sprintf("index catalog: dropping shared entry %q, writable acquisition was skipped", e.Name()))
	}
	cont := c.containerFor(e)
	if cont.release(e.ident) == nil {
		panic(fmt.Sprintf("index catalog: entry %q not present in the catalog", e.Name()))
	}
	wasReady := e.ready
	e.dropped = true

	name := e.Name()
	c.coll.UsageTracker().UnregisterIndex(name)
	txn.OnRollback(func() {
		e.dropped = false
		cont.add(e)
		c.coll.UsageTracker().RegisterIndex(name)
	})

	if err := c.retryOnConflict(func() error { return c.coll.RemoveIndex(name) }); err != nil {
		return err
	}

	if wasReady {
		if err := c.engine.DropIdentDeferred(e.ident); err != nil {
			return err
		}
		IndexDropCount.WithLabelValues("deferred").Inc()
	} else {
		if err := c.engine.DropIdent(e.ident); err != nil {
			return err
		}
		IndexDropCount.WithLabelValues("immediate").Inc()
	}

	c.coll.ClearQueryInfoCache()
	c.updateGauges()
	c.log.Debug("index catalog: dropped entry", "ns", c.coll.Namespace(), "index", name, "wasReady", wasReady)
	return nil
}

// DropUnfinishedIndex drops an entry that never became ready. Calling
// it on a ready index is unreachable given upstream checks.
func (c *Catalog) DropUnfinishedIndex(txn *storage.Txn, e *Entry) error {
	if e != nil && e.IsReady() {
		panic(fmt.Sprintf("index catalog: %q is ready, not an unfinished index", e.Name()))
	}
	return c.DropIndexEntry(txn, e)
}

// ResetUnfinishedIndexForRecovery drops and recreates the physical
// table of an unfinished build, returning a fresh entry. A bulk-load
// cursor needs an empty table to restart into.
func (c *Catalog) ResetUnfinishedIndexForRecovery(txn *storage.Txn, e *Entry) (*Entry, error) {
	if e == nil || e.IsReady() {
		panic("index catalog: reset requires an unfinished entry")
	}
	cont := c.containerFor(e)
	if cont.release(e.ident) == nil {
		panic(fmt.Sprintf("index catalog: entry %q not present in the catalog", e.Name()))
	}
	if err := c.engine.DropIdent(e.ident); err != nil {
		return nil, err
	}
	if err := c.engine.CreateIndexTable(e.ident); err != nil {
		return nil, err
	}
	fresh := newEntry(e.spec.Clone(), e.ident, false, false)
	c.building.add(fresh)
	c.updateGauges()
	return fresh, nil
}

// markEntryReady moves a building entry into the ready container and
// persists the ready flag. Used by BuildBlock.Success.
func (c *Catalog) markEntryReady(txn *storage.Txn, name string) (*Entry, error) {
	w := c.GetWritableEntryByName(name, IncludeBuilding)
	if w == nil {
		panic(fmt.Sprintf("index catalog: no building entry named %q", name))
	}
	c.building.release(w.ident)
	w.ready = true
	w.interceptor = nil
	c.ready.add(w)

	if err := c.retryOnConflict(func() error { return c.coll.MarkIndexReady(name) }); err != nil {
		return nil, err
	}
	c.coll.ClearQueryInfoCache()
	c.updateGauges()
	return w, nil
}

// IndexRecords fans a vectored insert out to every ready and building
// index. Multikey path changes are aggregated across the whole batch
// and committed as one extra write at the batch timestamp, so the
// shared metadata document never sees out-of-order timestamps.
func (c *Catalog) IndexRecords(txn *storage.Txn, records []Record) error {
	changes := make(map[string][]string)
	for _, cont := range c.containers(IncludeReady | IncludeBuilding) {
		for _, e := range cont.all() {
			if e.dropped {
				continue
			}
			for _, rec := range records {
				if e.spec.filter != nil && !e.spec.filter.Matches(rec.Doc) {
					continue
				}
				rows, mk := encodeIndexRows(e.spec, rec.Doc, rec.ID)
				for _, row := range rows {
					if !e.ready && e.interceptor != nil {
						if err := e.interceptor.SideWrite(txn, sideOpInsert, row); err != nil {
							return err
						}
					} else if err := txn.Batch().Set(storage.TableKey(e.ident, row), []byte{}, nil); err != nil {
						return err
					}
				}
				for _, p := range mk {
					if !containsPath(changes[e.Name()], p) {
						changes[e.Name()] = append(changes[e.Name()], p)
					}
				}
			}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return c.commitMultikeyChanges(changes)
}

// UpdateRecord reindexes one document mutation.
func (c *Catalog) UpdateRecord(txn *storage.Txn, oldDoc, newDoc doc.Doc, rid uint64) error {
	if err := c.UnindexRecord(txn, oldDoc, rid); err != nil {
		return err
	}
	return c.IndexRecords(txn, []Record{{ID: rid, Doc: newDoc}})
}

// UnindexRecord removes one document's rows from every ready and
// building index whose filter matched it.
func (c *Catalog) UnindexRecord(txn *storage.Txn, d doc.Doc, rid uint64) error {
	for _, cont := range c.containers(IncludeReady | IncludeBuilding) {
		for _, e := range cont.all() {
			if e.dropped {
				continue
			}
			if e.spec.filter != nil && !e.spec.filter.Matches(d) {
				continue
			}
			rows, _ := encodeIndexRows(e.spec, d, rid)
			for _, row := range rows {
				if !e.ready && e.interceptor != nil {
					if err := e.interceptor.SideWrite(txn, sideOpDelete, row); err != nil {
						return err
					}
				} else if err := txn.Batch().Delete(storage.TableKey(e.ident, row), nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// commitMultikeyChanges persists new multikey paths, retrying bounded
// while the conditional write loses races. The source left this loop
// unbounded; we cap it and re-surface the conflict to the caller's
// outer retry loop instead of risking starvation.
func (c *Catalog) commitMultikeyChanges(changes map[string][]string) error {
	err := c.retryOnConflict(func() error { return c.coll.SetIndexesMultikey(changes) })
	if err != nil {
		return err
	}
	for name, paths := range changes {
		w := c.GetWritableEntryByName(name, IncludeReady|IncludeBuilding)
		if w == nil {
			continue
		}
		w.isMultikey = true
		for _, p := range paths {
			if !containsPath(w.multikeyPaths, p) {
				w.multikeyPaths = append(w.multikeyPaths, p)
			}
		}
	}
	return nil
}

func (c *Catalog) retryOnConflict(op func() error) error {
	var err error
	for attempt := 0; attempt <= c.opts.MaxWriteConflictRetries; attempt++ {
		err = op()
		if err == nil || !meridianerrors.IsWriteConflict(err) {
			return err
		}
		MultikeyWriteRetries.Inc()
	}
	return err
}

func containsPath(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (c *Catalog) updateGauges() {
	CatalogEntries.WithLabelValues("ready").Set(float64(c.ready.len()))
	CatalogEntries.WithLabelValues("building").Set(float64(c.building.len()))
	CatalogEntries.WithLabelValues("frozen").Set(float64(c.frozen.len()))
}
