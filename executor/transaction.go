package executor

import "sync/atomic"

// Transaction holds the sequence of incarnation behaviors an executor
// worker selects from on re-execution (spec.md §4.5: "re-execution on
// conflict selects the next behavior round-robin via an atomic counter").
type Transaction struct {
	Index     TxnIndex
	Behaviors []IncarnationBehavior
	attempts  int64
}

// NewTransaction constructs a transaction over a fixed behavior sequence.
// At least one behavior is required.
func NewTransaction(index TxnIndex, behaviors []IncarnationBehavior) *Transaction {
	return &Transaction{Index: index, Behaviors: behaviors}
}

// NextBehavior atomically advances the round-robin counter and returns
// the behavior for this incarnation attempt.
func (t *Transaction) NextBehavior() (IncarnationBehavior, int) {
	attempt := atomic.AddInt64(&t.attempts, 1) - 1
	idx := int(attempt) % len(t.Behaviors)
	return t.Behaviors[idx], int(attempt)
}

// Attempts returns the number of incarnations executed so far.
func (t *Transaction) Attempts() int {
	return int(atomic.LoadInt64(&t.attempts))
}
