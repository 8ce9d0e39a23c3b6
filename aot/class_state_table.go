package aot

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// ClassStateTable
// ---------------------------------------------------------------------------

// InsertResult is the outcome of a compare-and-insert attempt.
type InsertResult uint8

const (
	// InsertSuccess: the stored status was expectedOld and is now the new
	// value.
	InsertSuccess InsertResult = iota
	// InsertRetry: another writer advanced the status; the caller decides
	// whether its value still exceeds the actual one.
	InsertRetry
	// InsertInvalidPartition: the class's dex file is in neither the
	// being-compiled set nor the classpath.
	InsertInvalidPartition
)

// ClassStateTable maps class references to compilation statuses. It is the
// single source of truth for class progress, partitioned per dex file with
// the being-compiled partitions primary and the classpath partitions as
// lookup fallback. Statuses only move up the ladder, and the error
// statuses are terminal; all mutation funnels through a compare-and-swap
// that refuses regressions.
type ClassStateTable struct {
	primary   map[*dex.DexFile][]atomic.Uint32
	classpath map[*dex.DexFile][]atomic.Uint32
}

// NewClassStateTable builds partitions for the given dex sets. Every class
// starts at StatusNotReady.
func NewClassStateTable(compiled, classpath []*dex.DexFile) *ClassStateTable {
	t := &ClassStateTable{
		primary:   make(map[*dex.DexFile][]atomic.Uint32, len(compiled)),
		classpath: make(map[*dex.DexFile][]atomic.Uint32, len(classpath)),
	}
	for _, d := range compiled {
		t.primary[d] = make([]atomic.Uint32, d.NumClassDefs())
	}
	for _, d := range classpath {
		if _, ok := t.primary[d]; ok {
			continue // a file being compiled is not also classpath
		}
		t.classpath[d] = make([]atomic.Uint32, d.NumClassDefs())
	}
	return t
}

func (t *ClassStateTable) partition(ref dex.ClassRef) []atomic.Uint32 {
	if p, ok := t.primary[ref.Dex]; ok {
		return p
	}
	if p, ok := t.classpath[ref.Dex]; ok {
		return p
	}
	return nil
}

// Get returns the stored status; absent classes are StatusNotReady.
func (t *ClassStateTable) Get(ref dex.ClassRef) ClassStatus {
	p := t.partition(ref)
	if p == nil || int(ref.ClassDefIdx) >= len(p) {
		return StatusNotReady
	}
	return ClassStatus(p[ref.ClassDefIdx].Load())
}

// Insert attempts to move ref from expectedOld to newStatus. On
// InsertRetry, actual carries the currently stored status.
func (t *ClassStateTable) Insert(ref dex.ClassRef, expectedOld, newStatus ClassStatus) (res InsertResult, actual ClassStatus) {
	p := t.partition(ref)
	if p == nil || int(ref.ClassDefIdx) >= len(p) {
		return InsertInvalidPartition, StatusNotReady
	}
	slot := &p[ref.ClassDefIdx]
	if slot.CompareAndSwap(uint32(expectedOld), uint32(newStatus)) {
		return InsertSuccess, newStatus
	}
	return InsertRetry, ClassStatus(slot.Load())
}

// SetStatusAtLeast raises ref's status to at least newStatus, looping on
// contention. It never lowers a status, and it never moves a class into
// or out of an error status: the error statuses sit below the ladder
// numerically but are incomparable with it, so an erroneous class is
// terminal here and marking a class erroneous goes through
// SetStatusError. Returns the final status.
func (t *ClassStateTable) SetStatusAtLeast(ref dex.ClassRef, newStatus ClassStatus) ClassStatus {
	if newStatus.IsError() {
		panic(fmt.Sprintf("aot: SetStatusAtLeast with %v; use SetStatusError", newStatus))
	}
	old := t.Get(ref)
	for {
		if old.IsError() || old >= newStatus {
			return old
		}
		res, actual := t.Insert(ref, old, newStatus)
		switch res {
		case InsertSuccess:
			return newStatus
		case InsertInvalidPartition:
			return StatusNotReady
		default:
			old = actual
		}
	}
}

// SetStatusError marks ref erroneous. Unlike SetStatusAtLeast this
// transition is legal from any non-error status, including ones that
// compare higher numerically; a class that fails hard after resolving
// still ends up erroneous. The first recorded error wins. Returns the
// final status.
func (t *ClassStateTable) SetStatusError(ref dex.ClassRef, errStatus ClassStatus) ClassStatus {
	if !errStatus.IsError() {
		panic(fmt.Sprintf("aot: SetStatusError with non-error %v", errStatus))
	}
	old := t.Get(ref)
	for {
		if old.IsError() {
			return old
		}
		res, actual := t.Insert(ref, old, errStatus)
		switch res {
		case InsertSuccess:
			return errStatus
		case InsertInvalidPartition:
			return StatusNotReady
		default:
			old = actual
		}
	}
}

// VisitPrimary calls fn for every class in the being-compiled partitions,
// in class-def order within each file. File order follows files; callers
// pass the driver's dex list for determinism.
func (t *ClassStateTable) VisitPrimary(files []*dex.DexFile, fn func(ref dex.ClassRef, status ClassStatus)) {
	for _, d := range files {
		p, ok := t.primary[d]
		if !ok {
			continue
		}
		for i := range p {
			ref := dex.ClassRef{Dex: d, ClassDefIdx: uint32(i)}
			fn(ref, ClassStatus(p[i].Load()))
		}
	}
}
