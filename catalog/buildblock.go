package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/storage"
	"github.com/prometheus/client_golang/prometheus"
)

var IndexBuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "index_catalog",
	Name:      "builds",
}, []string{"method", "event"})

// BuildMethod selects how an index build runs. Hybrid builds accept
// concurrent writes through a side-writes interceptor; foreground
// builds hold the collection exclusively for the duration.
type BuildMethod byte

const (
	BuildMethodForeground BuildMethod = iota
	BuildMethodHybrid
)

func (m BuildMethod) String() string {
	if m == BuildMethodHybrid {
		return "hybrid"
	}
	return "foreground"
}

// ResumePhase is where an interrupted build gets picked back up.
type ResumePhase byte

const (
	ResumePhaseBulkLoad ResumePhase = iota
	ResumePhaseDrainWrites
)

// ResumeInfo carries the persisted side-table identities an interrupted
// hybrid build left behind.
type ResumeInfo struct {
	Phase        ResumePhase
	SideIdent    string
	SkippedIdent string
}

// BuildBlock drives one index through init -> bulk load -> success or
// fail. It is single-use and scoped to one build; every method requires
// the caller to already be inside a write unit of work — the block
// never assigns timestamps itself.
type BuildBlock struct {
	catalog *Catalog
	spec    *Spec
	method  BuildMethod
	buildID *uuid.UUID

	entry *Entry
	done  bool
}

func NewBuildBlock(cat *Catalog, spec *Spec, method BuildMethod, buildID *uuid.UUID) *BuildBlock {
	return &BuildBlock{catalog: cat, spec: spec, method: method, buildID: buildID}
}

func (b *BuildBlock) Entry() *Entry { return b.entry }

// Init registers the build: durable catalog slot, catalog entry and,
// for hybrid builds, a fresh interceptor. forRecovery skips the durable
// slot because startup replay finds it already present.
func (b *BuildBlock) Init(txn *storage.Txn, forRecovery bool) error {
	name := b.spec.Name
	b.auditEvent("index build: starting", name)

	e, err := b.catalog.CreateIndexEntry(txn, b.spec, FlagNone)
	if err != nil {
		return err
	}
	b.entry = e

	if !forRecovery {
		blob, err := b.spec.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.catalog.coll.PrepareForIndexBuild(name, e.ident, blob); err != nil {
			return err
		}
	}

	if b.method == BuildMethodHybrid {
		bi, err := NewBuildInterceptor(b.catalog.engine, b.catalog.coll.GetCatalogID())
		if err != nil {
			return err
		}
		e.interceptor = bi
	}
	IndexBuildCount.WithLabelValues(b.method.String(), "start").Inc()
	return nil
}

// InitForResume reattaches to an unfinished build after a crash. Only
// hybrid builds are resumable; a foreground build reaching this path is
// unreachable given upstream checks. Resuming mid-bulk-load drops and
// recreates the physical table, since a bulk cursor needs a fresh one.
func (b *BuildBlock) InitForResume(txn *storage.Txn, info ResumeInfo) error {
	if b.method != BuildMethodHybrid {
		panic(fmt.Sprintf("index build %q: resume is only supported for hybrid builds", b.spec.Name))
	}
	e := b.catalog.FindByName(b.spec.Name, IncludeBuilding|IncludeFrozen)
	if e == nil {
		panic(fmt.Sprintf("index build %q: no unfinished entry to resume", b.spec.Name))
	}

	if info.Phase == ResumePhaseBulkLoad {
		fresh, err := b.catalog.ResetUnfinishedIndexForRecovery(txn, e)
		if err != nil {
			return err
		}
		e = fresh
	}

	bi, err := ResumeBuildInterceptor(b.catalog.engine, info.SideIdent, info.SkippedIdent)
	if err != nil {
		return err
	}
	e.interceptor = bi
	b.entry = e
	IndexBuildCount.WithLabelValues(b.method.String(), "resume").Inc()
	return nil
}

// Success moves the entry from building to ready. With an interceptor
// attached it first checks that every deferred record was applied and
// no side-writes remain unflushed; reaching here otherwise means the
// drain phase was skipped, which is unrecoverable.
func (b *BuildBlock) Success(txn *storage.Txn) error {
	if b.done {
		panic(fmt.Sprintf("index build %q: block already resolved", b.spec.Name))
	}
	name := b.spec.Name

	if bi := b.entry.interceptor; bi != nil {
		if !bi.AreAllSkippedRecordsApplied() {
			panic(fmt.Sprintf("index build %q: skipped records remain unapplied", name))
		}
		if !bi.AreAllWritesApplied() {
			panic(fmt.Sprintf("index build %q: side writes remain unflushed", name))
		}
		if err := bi.dropTables(); err != nil {
			return err
		}
	}

	w, err := b.catalog.markEntryReady(txn, name)
	if err != nil {
		return err
	}
	b.entry = w
	b.done = true
	b.auditEvent("index build: done", name)
	IndexBuildCount.WithLabelValues(b.method.String(), "success").Inc()

	coll := b.catalog.coll
	spec := b.spec
	log := b.catalog.log
	ttl := b.catalog.ttl
	txn.OnCommit(func() {
		// visible only once the catalog write is durable
		log.Info("index build: committed", "ns", coll.Namespace(), "index", name)
		if spec.ExpireAfterSeconds != nil && ttl != nil {
			ttl.Register(coll.UUID(), name, time.Duration(*spec.ExpireAfterSeconds)*time.Second)
		}
	})
	return nil
}

// Fail drops the unfinished entry. Not calling Fail is also fine: the
// storage engine's rollback of the enclosing transaction undoes the
// registration on its own.
func (b *BuildBlock) Fail(txn *storage.Txn) error {
	if b.done {
		panic(fmt.Sprintf("index build %q: block already resolved", b.spec.Name))
	}
	b.done = true
	b.auditEvent("index build: aborting", b.spec.Name)
	IndexBuildCount.WithLabelValues(b.method.String(), "fail").Inc()
	if bi := b.entry.Interceptor(); bi != nil {
		if err := bi.dropTables(); err != nil {
			return err
		}
	}
	return b.catalog.DropUnfinishedIndex(txn, b.entry)
}

func (b *BuildBlock) auditEvent(event, name string) {
	args := []any{"ns", b.catalog.coll.Namespace(), "index", name, "method", b.method.String()}
	if b.buildID != nil {
		args = append(args, "buildUUID", b.buildID.String())
	}
	b.catalog.log.Info(event, args...)
}
