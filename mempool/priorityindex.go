package mempool

import "github.com/shoallabs/shoalnode/mempool/mempooltypes"

// priorityKeyEntry adapts a mempooltypes.PriorityKey into the treap's
// lessThan interface.
type priorityKeyEntry struct {
	key mempooltypes.PriorityKey
}

func (e priorityKeyEntry) less(other lessThan) bool {
	return e.key.Less(other.(priorityKeyEntry).key)
}

// PriorityIndex is the ordered set over the Transaction Priority Key
// described in spec.md §4.1: CEX transactions clear before general
// transactions, CEX fairness is by exchange timestamp, and everything
// else falls back to fee-priority with earliest-arrival tie-breaking.
type PriorityIndex struct {
	set *orderedSet
}

// NewPriorityIndex constructs an empty priority index.
func NewPriorityIndex() *PriorityIndex {
	return &PriorityIndex{set: newOrderedSet()}
}

// Insert adds a transaction's priority key to the index.
func (pi *PriorityIndex) Insert(key mempooltypes.PriorityKey) {
	pi.set.Insert(priorityKeyEntry{key})
}

// Remove drops a transaction's priority key from the index. Reports
// whether the key was present.
func (pi *PriorityIndex) Remove(key mempooltypes.PriorityKey) bool {
	return pi.set.Remove(priorityKeyEntry{key})
}

// Contains reports whether key is present in the index.
func (pi *PriorityIndex) Contains(key mempooltypes.PriorityKey) bool {
	return pi.set.Contains(priorityKeyEntry{key})
}

// Len returns the number of entries in the index.
func (pi *PriorityIndex) Len() int {
	return pi.set.Len()
}

// Highest iterates keys highest-priority first (ascending key order, since
// the smallest PriorityKey is the highest priority), calling visit until it
// returns false or the index is exhausted.
func (pi *PriorityIndex) Highest(visit func(mempooltypes.PriorityKey) bool) {
	pi.set.Ascending(func(k lessThan) bool {
		return visit(k.(priorityKeyEntry).key)
	})
}

// TopN returns up to n highest-priority keys.
func (pi *PriorityIndex) TopN(n int) []mempooltypes.PriorityKey {
	out := make([]mempooltypes.PriorityKey, 0, n)
	pi.Highest(func(k mempooltypes.PriorityKey) bool {
		out = append(out, k)
		return len(out) < n
	})
	return out
}
