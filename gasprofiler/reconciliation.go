package gasprofiler

import "fmt"

// Dependency is the cost of loading one module dependency
// (spec.md §4.6).
type Dependency struct {
	ModuleID string
	Cost     uint64
}

// ExecutionAndIOCosts is the execution-side half of a transaction's gas
// log (spec.md §4.6 invariant 1).
type ExecutionAndIOCosts struct {
	Total uint64

	IntrinsicCost        uint64
	KeylessCost          uint64
	Dependencies         []Dependency
	CallGraph            *CallFrame
	TransactionTransient *uint64
	EventsTransient      []uint64
	WriteSetTransient    []uint64
}

// AssertConsistency checks invariant 1 from spec.md §4.6:
//
//	intrinsic + keyless + Σ dependency + Σ leaf event costs +
//	transaction_transient + Σ events_transient + Σ write_set_transient
//	== total_internal_gas
//
// Panics on mismatch: this divergence between meter and profiler is a
// local invariant violation, not a recoverable condition.
func (c *ExecutionAndIOCosts) AssertConsistency() {
	total := c.IntrinsicCost + c.KeylessCost
	for _, d := range c.Dependencies {
		total += d.Cost
	}
	if c.CallGraph != nil {
		total += c.CallGraph.leafCostSum()
	}
	if c.TransactionTransient != nil {
		total += *c.TransactionTransient
	}
	for _, v := range c.EventsTransient {
		total += v
	}
	for _, v := range c.WriteSetTransient {
		total += v
	}

	if total != c.Total {
		panic(fmt.Sprintf(
			"execution & io costs do not add up: gas meter reports %d, profiler computed %d",
			c.Total, total,
		))
	}
}

// WriteStorage is the storage cost of one write-set entry
// (spec.md §4.6).
type WriteStorage struct {
	Key    string
	Cost   uint64
	Refund uint64
}

// EventStorage is the storage cost of one emitted event (spec.md §4.6).
type EventStorage struct {
	Type string
	Cost uint64
}

// StorageFees is the storage-fee half of a transaction's gas log
// (spec.md §4.6 invariant 2).
type StorageFees struct {
	Total       uint64
	TotalRefund uint64

	WriteSetStorage []WriteStorage
	Events          []EventStorage
	TxnStorage      uint64
}

// AssertConsistency checks invariant 2 from spec.md §4.6:
//
//	Σ write_storage.cost + Σ event_storage.cost + txn_storage
//	== total_storage_fee
//
// and the analogous sum for refunds. Panics on mismatch.
func (s *StorageFees) AssertConsistency() {
	var total, totalRefund uint64
	for _, w := range s.WriteSetStorage {
		total += w.Cost
		totalRefund += w.Refund
	}
	for _, e := range s.Events {
		total += e.Cost
	}
	total += s.TxnStorage

	if total != s.Total {
		panic(fmt.Sprintf(
			"storage fees do not add up: gas meter reports %d, profiler computed %d",
			s.Total, total,
		))
	}
	if totalRefund != s.TotalRefund {
		panic(fmt.Sprintf(
			"storage refunds do not add up: gas meter reports %d, profiler computed %d",
			s.TotalRefund, totalRefund,
		))
	}
}

// TransactionGasLog is the complete per-transaction gas record
// (spec.md §4.6).
type TransactionGasLog struct {
	ExecIO  ExecutionAndIOCosts
	Storage StorageFees
}

// AssertConsistency runs both reconciliation invariants.
func (l *TransactionGasLog) AssertConsistency() {
	l.ExecIO.AssertConsistency()
	l.Storage.AssertConsistency()
}
