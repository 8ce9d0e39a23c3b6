package aot

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/chazu/forge/dex"
)

// ---------------------------------------------------------------------------
// CompiledMethod: backend-produced artifact
// ---------------------------------------------------------------------------

// CompiledMethod is one method's compiled artifact: machine code plus the
// metadata the runtime needs to walk its frame.
type CompiledMethod struct {
	Code           []byte
	FrameSizeBytes uint32
	CoreSpillMask  uint32
	FpSpillMask    uint32

	hashOnce sync.Once
	hash     [32]byte
}

// ContentHash returns the artifact's content digest, computed once.
// Identical code and metadata hash identically, which is what makes
// cross-method dedup sound.
func (m *CompiledMethod) ContentHash() [32]byte {
	m.hashOnce.Do(func() {
		h := sha256.New()
		var meta [12]byte
		binary.LittleEndian.PutUint32(meta[0:], m.FrameSizeBytes)
		binary.LittleEndian.PutUint32(meta[4:], m.CoreSpillMask)
		binary.LittleEndian.PutUint32(meta[8:], m.FpSpillMask)
		h.Write(meta[:])
		h.Write(m.Code)
		copy(m.hash[:], h.Sum(nil))
	})
	return m.hash
}

// ---------------------------------------------------------------------------
// MethodTable
// ---------------------------------------------------------------------------

// ErrDuplicateMethod rejects a second insert for the same method.
var ErrDuplicateMethod = errors.New("aot: method already inserted")

type methodKey struct {
	dx  *dex.DexFile
	idx uint32
}

// MethodTable maps method references to compiled artifacts. Inserts are
// insert-once; when dedup is enabled, artifacts with identical content
// share one stored instance.
type MethodTable struct {
	mu      sync.Mutex
	methods map[methodKey]*CompiledMethod
	byHash  map[[32]byte]*CompiledMethod
	dedup   bool

	dedupHits uint64
}

// NewMethodTable creates an empty table.
func NewMethodTable(dedup bool) *MethodTable {
	return &MethodTable{
		methods: make(map[methodKey]*CompiledMethod),
		byHash:  make(map[[32]byte]*CompiledMethod),
		dedup:   dedup,
	}
}

// Insert stores m for ref. A second insert for the same ref fails with
// ErrDuplicateMethod regardless of content.
func (t *MethodTable) Insert(ref dex.MethodRef, m *CompiledMethod) error {
	key := methodKey{ref.Dex, ref.MethodIdx}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.methods[key]; ok {
		return errors.Wrap(ErrDuplicateMethod, ref.String())
	}
	if t.dedup {
		h := m.ContentHash()
		if shared, ok := t.byHash[h]; ok {
			t.methods[key] = shared
			t.dedupHits++
			return nil
		}
		t.byHash[h] = m
	}
	t.methods[key] = m
	return nil
}

// Get returns the artifact for ref, if compiled.
func (t *MethodTable) Get(ref dex.MethodRef) (*CompiledMethod, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.methods[methodKey{ref.Dex, ref.MethodIdx}]
	return m, ok
}

// Size returns the number of compiled methods.
func (t *MethodTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.methods)
}

// UniqueArtifacts returns the number of distinct stored artifacts (after
// dedup).
func (t *MethodTable) UniqueArtifacts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*CompiledMethod]bool, len(t.methods))
	for _, m := range t.methods {
		seen[m] = true
	}
	return len(seen)
}

// DedupHits returns how many inserts were satisfied by an existing
// identical artifact.
func (t *MethodTable) DedupHits() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dedupHits
}

// Visit calls fn for every compiled method in deterministic order: dex
// location first, then method index.
func (t *MethodTable) Visit(fn func(ref dex.MethodRef, m *CompiledMethod)) {
	t.mu.Lock()
	keys := make([]methodKey, 0, len(t.methods))
	for k := range t.methods {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dx.Location != keys[j].dx.Location {
			return keys[i].dx.Location < keys[j].dx.Location
		}
		return keys[i].idx < keys[j].idx
	})
	for _, k := range keys {
		t.mu.Lock()
		m := t.methods[k]
		t.mu.Unlock()
		fn(dex.MethodRef{Dex: k.dx, MethodIdx: k.idx}, m)
	}
}
