package rt

// ---------------------------------------------------------------------------
// Transaction: undo log for eager class initialization
// ---------------------------------------------------------------------------

// Transaction records static-field writes so a failed <clinit> attempt can
// be rolled back without leaving partially-initialized state behind.
// Transactions are not thread-safe; the initialization phase runs
// single-threaded for exactly this reason.
type Transaction struct {
	log      []undoEntry
	aborted  bool
	commited bool
}

type undoEntry struct {
	class *Class
	slot  int
	prev  Value
}

// NewTransaction starts an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// WriteStatic performs a static-field write through the transaction,
// recording the previous value for rollback.
func (t *Transaction) WriteStatic(c *Class, slot int, v Value) {
	if t.aborted || t.commited {
		panic("rt: write on a finished transaction")
	}
	t.log = append(t.log, undoEntry{class: c, slot: slot, prev: c.Statics[slot]})
	c.Statics[slot] = v
}

// Rollback undoes all recorded writes in reverse order.
func (t *Transaction) Rollback() {
	if t.commited {
		panic("rt: rollback after commit")
	}
	for i := len(t.log) - 1; i >= 0; i-- {
		e := t.log[i]
		e.class.Statics[e.slot] = e.prev
	}
	t.log = nil
	t.aborted = true
}

// Commit discards the undo log, making all writes permanent.
func (t *Transaction) Commit() {
	if t.aborted {
		panic("rt: commit after rollback")
	}
	t.log = nil
	t.commited = true
}

// Depth returns the number of recorded writes, for diagnostics.
func (t *Transaction) Depth() int { return len(t.log) }
