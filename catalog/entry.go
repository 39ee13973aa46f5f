package catalog

import (
	"fmt"
	"sync/atomic"
)

// EntryState is the lifecycle of one logical index. Transitions:
// Building -> Ready, Building -> Frozen (standalone resume), any
// non-terminal state -> removed via drop. Never Ready -> Building.
type EntryState byte

const (
	StateBuilding EntryState = iota
	StateReady
	StateFrozen
)

func (s EntryState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFrozen:
		return "frozen"
	default:
		return "building"
	}
}

// Entry pairs an immutable spec with the index's runtime state. Entries
// are shared between collection snapshots: readers pin them through a
// Snapshot, and mutation goes through the catalog's writable-entry
// acquisition, which clones the entry while other pins exist.
type Entry struct {
	spec  *Spec
	ident string

	ready   bool
	frozen  bool
	dropped bool

	isMultikey    bool
	multikeyPaths []string

	interceptor *BuildInterceptor

	// outstanding snapshot pins; >0 means the entry is not solely
	// owned and must be cloned before mutation
	pins atomic.Int64
}

func newEntry(spec *Spec, ident string, ready, frozen bool) *Entry {
	if frozen && ready {
		panic(fmt.Sprintf("index catalog: entry %q cannot be frozen and ready", spec.Name))
	}
	return &Entry{spec: spec, ident: ident, ready: ready, frozen: frozen}
}

func (e *Entry) Spec() *Spec   { return e.spec }
func (e *Entry) Name() string  { return e.spec.Name }
func (e *Entry) Ident() string { return e.ident }

func (e *Entry) IsReady() bool  { return e.ready }
func (e *Entry) IsFrozen() bool { return e.frozen }
func (e *Entry) IsDropped() bool { return e.dropped }

func (e *Entry) State() EntryState {
	switch {
	case e.ready:
		return StateReady
	case e.frozen:
		return StateFrozen
	default:
		return StateBuilding
	}
}

// Interceptor is the side-writes buffer attached while a hybrid build
// is in flight, nil otherwise.
func (e *Entry) Interceptor() *BuildInterceptor { return e.interceptor }

func (e *Entry) IsMultikey() bool        { return e.isMultikey }
func (e *Entry) MultikeyPaths() []string { return append([]string(nil), e.multikeyPaths...) }

// clone copies the entry, spec included, for copy-on-write mutation.
// The clone starts with zero pins: the caller is its sole owner.
func (e *Entry) clone() *Entry {
	c := &Entry{
		spec:        e.spec.Clone(),
		ident:       e.ident,
		ready:       e.ready,
		frozen:      e.frozen,
		dropped:     e.dropped,
		isMultikey:  e.isMultikey,
		interceptor: e.interceptor,
	}
	c.multikeyPaths = append([]string(nil), e.multikeyPaths...)
	return c
}

// Snapshot is a point-in-time read view over a set of entries. Entries
// stay immutable for the snapshot's lifetime: a writer needing to
// mutate a pinned entry gets a clone instead.
type Snapshot struct {
	entries  []*Entry
	released bool
}

func (s *Snapshot) Entries() []*Entry { return s.entries }

func (s *Snapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	for _, e := range s.entries {
		e.pins.Add(-1)
	}
}
