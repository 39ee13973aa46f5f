// Package collection is the collection collaborator the index catalog
// and bucket engine are built against: namespace identity, options
// (clustered key, default collation, time-series parameters) and the
// durable index-metadata document kept in the storage engine.
package collection

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/doc"
	"github.com/meridiandb/meridian/storage"
	"github.com/vmihailenco/msgpack/v5"
)

type Collation struct {
	Locale   string `msgpack:"locale"`
	Strength int    `msgpack:"strength,omitempty"`
}

// IsSimple reports the binary-comparison collation, which is normalized
// to "absent" everywhere.
func (c *Collation) IsSimple() bool {
	return c == nil || c.Locale == "" || c.Locale == "simple"
}

func (c *Collation) Equal(o *Collation) bool {
	if c.IsSimple() || o.IsSimple() {
		return c.IsSimple() && o.IsSimple()
	}
	return c.Locale == o.Locale && c.Strength == o.Strength
}

// ClusteredInfo describes a clustered collection's record-id key.
type ClusteredInfo struct {
	Key    doc.KeyPattern
	Name   string
	Unique bool
	V      int
}

type TimeseriesOptions struct {
	TimeField       string
	MetaField       string
	MaxSpan         time.Duration
	MaxMeasurements int
	MaxBucketBytes  int
}

func (o *TimeseriesOptions) SetDefaults() {
	if o.MaxSpan == 0 {
		o.MaxSpan = time.Hour
	}
	if o.MaxMeasurements == 0 {
		o.MaxMeasurements = 1000
	}
	if o.MaxBucketBytes == 0 {
		o.MaxBucketBytes = 128 << 10
	}
}

type Options struct {
	Capped           bool
	Clustered        *ClusteredInfo
	DefaultCollation *Collation
	Timeseries       *TimeseriesOptions
}

// IndexMeta is one index's slot in the durable catalog document. Spec
// is the msgpack-encoded specification; the catalog package owns its
// shape.
type IndexMeta struct {
	Name          string   `msgpack:"name"`
	Ident         string   `msgpack:"ident"`
	Spec          []byte   `msgpack:"spec"`
	Ready         bool     `msgpack:"ready"`
	Multikey      bool     `msgpack:"multikey,omitempty"`
	MultikeyPaths []string `msgpack:"multikeyPaths,omitempty"`
}

type catalogDoc struct {
	Indexes []IndexMeta `msgpack:"indexes"`
}

type Collection struct {
	ns        string
	uuid      uuid.UUID
	catalogID uint64
	opts      Options
	engine    *storage.Engine

	queryInfoGen atomic.Uint64
	usage        *UsageTracker
}

func New(ns string, catalogID uint64, opts Options, engine *storage.Engine) *Collection {
	if opts.Timeseries != nil {
		opts.Timeseries.SetDefaults()
	}
	return &Collection{
		ns:        ns,
		uuid:      uuid.New(),
		catalogID: catalogID,
		opts:      opts,
		engine:    engine,
		usage:     NewUsageTracker(),
	}
}

func (c *Collection) Namespace() string       { return c.ns }
func (c *Collection) UUID() uuid.UUID         { return c.uuid }
func (c *Collection) GetCatalogID() uint64    { return c.catalogID }
func (c *Collection) GetCollectionOptions() Options { return c.opts }
func (c *Collection) IsClustered() bool       { return c.opts.Clustered != nil }
func (c *Collection) GetClusteredInfo() *ClusteredInfo { return c.opts.Clustered }
func (c *Collection) GetDefaultCollator() *Collation   { return c.opts.DefaultCollation }
func (c *Collection) GetTimeseriesOptions() *TimeseriesOptions { return c.opts.Timeseries }
func (c *Collection) UsageTracker() *UsageTracker { return c.usage }

// QueryInfoGen is a generation counter standing in for the plan cache:
// any catalog change that can invalidate cached plans bumps it.
func (c *Collection) QueryInfoGen() uint64   { return c.queryInfoGen.Load() }
func (c *Collection) ClearQueryInfoCache()   { c.queryInfoGen.Add(1) }

func (c *Collection) loadCatalogDoc() (uint64, *catalogDoc, error) {
	version, payload, err := c.engine.GetMeta(c.catalogID)
	if err != nil {
		return 0, nil, err
	}
	cd := &catalogDoc{}
	if len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, cd); err != nil {
			return 0, nil, err
		}
	}
	return version, cd, nil
}

func (c *Collection) storeCatalogDoc(version uint64, cd *catalogDoc) error {
	payload, err := msgpack.Marshal(cd)
	if err != nil {
		return err
	}
	return c.engine.UpdateMeta(c.catalogID, version, payload)
}

// PrepareForIndexBuild reserves the index's slot in the durable catalog
// document before any build work starts. Replayed builds during startup
// recovery find the slot already present and skip this.
func (c *Collection) PrepareForIndexBuild(name, ident string, spec []byte) error {
	version, cd, err := c.loadCatalogDoc()
	if err != nil {
		return err
	}
	for _, im := range cd.Indexes {
		if im.Name == name {
			return nil
		}
	}
	cd.Indexes = append(cd.Indexes, IndexMeta{Name: name, Ident: ident, Spec: spec})
	return c.storeCatalogDoc(version, cd)
}

func (c *Collection) GetIndexSpec(name string) ([]byte, bool) {
	_, cd, err := c.loadCatalogDoc()
	if err != nil {
		return nil, false
	}
	for _, im := range cd.Indexes {
		if im.Name == name {
			return im.Spec, true
		}
	}
	return nil, false
}

func (c *Collection) IsIndexReady(name string) bool {
	_, cd, err := c.loadCatalogDoc()
	if err != nil {
		return false
	}
	for _, im := range cd.Indexes {
		if im.Name == name {
			return im.Ready
		}
	}
	return false
}

func (c *Collection) GetAllIndexes() []IndexMeta {
	_, cd, err := c.loadCatalogDoc()
	if err != nil {
		return nil
	}
	return cd.Indexes
}

func (c *Collection) MarkIndexReady(name string) error {
	version, cd, err := c.loadCatalogDoc()
	if err != nil {
		return err
	}
	for i := range cd.Indexes {
		if cd.Indexes[i].Name == name {
			cd.Indexes[i].Ready = true
			return c.storeCatalogDoc(version, cd)
		}
	}
	return nil
}

func (c *Collection) RemoveIndex(name string) error {
	version, cd, err := c.loadCatalogDoc()
	if err != nil {
		return err
	}
	out := cd.Indexes[:0]
	for _, im := range cd.Indexes {
		if im.Name != name {
			out = append(out, im)
		}
	}
	cd.Indexes = out
	return c.storeCatalogDoc(version, cd)
}

// SetIndexesMultikey merges multikey path changes for several indexes
// into one conditional write. A concurrent writer racing on the same
// metadata document surfaces as storage.ErrWriteConflict; the caller
// owns the retry loop.
func (c *Collection) SetIndexesMultikey(changes map[string][]string) error {
	version, cd, err := c.loadCatalogDoc()
	if err != nil {
		return err
	}
	dirty := false
	for i := range cd.Indexes {
		paths, ok := changes[cd.Indexes[i].Name]
		if !ok {
			continue
		}
		im := &cd.Indexes[i]
		if !im.Multikey {
			im.Multikey = true
			dirty = true
		}
		for _, p := range paths {
			if !containsString(im.MultikeyPaths, p) {
				im.MultikeyPaths = append(im.MultikeyPaths, p)
				dirty = true
			}
		}
	}
	if !dirty {
		return nil
	}
	return c.storeCatalogDoc(version, cd)
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
