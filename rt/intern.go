package rt

import "sync"

// ---------------------------------------------------------------------------
// InternTable: deterministic string interning
// ---------------------------------------------------------------------------

// InternTable deduplicates resolved strings and records first-insertion
// order. Deterministic builds intern strings single-threaded precisely so
// this order is reproducible run to run.
type InternTable struct {
	mu    sync.Mutex
	index map[string]int
	order []string
}

// NewInternTable creates an empty intern table.
func NewInternTable() *InternTable {
	return &InternTable{index: make(map[string]int)}
}

// Intern returns the canonical copy of s, inserting it if absent.
func (t *InternTable) Intern(s string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.index[s]; ok {
		return t.order[idx]
	}
	t.index[s] = len(t.order)
	t.order = append(t.order, s)
	return s
}

// Contains reports whether s has been interned.
func (t *InternTable) Contains(s string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[s]
	return ok
}

// Size returns the number of interned strings.
func (t *InternTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Order returns a copy of the insertion order.
func (t *InternTable) Order() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
