// Package executor implements the parallel block executor's mock test
// harness contract from spec.md §4.5: the contract the real executor must
// satisfy, expressed here as the deterministic behavior a transaction's
// incarnations declare and the output materialization that applies it.
//
// Grounded on original_source/aptos-move/block-executor/src/proptest_types/types.rs
// (the Rust mock executor's MockTask/MockOutput/MockIncarnation types),
// reworked into Go capability interfaces and plain structs in the style of
// the teacher's domain/consensus/model package: small data types with the
// mutation logic living in the methods that enforce the contract's
// invariants, rather than in free functions over exported fields.
package executor

// ResourceKey identifies a single-resource storage slot.
type ResourceKey string

// GroupKey identifies a resource-group storage slot (a map of tags to
// values stored under one key).
type GroupKey string

// ModuleKey identifies a module storage slot.
type ModuleKey string

// Tag identifies one entry within a resource group.
type Tag uint32

// ReservedTag is never deleted from a resource group (spec.md §4.5).
const ReservedTag Tag = 0

// TxnIndex is a transaction's position within a block.
type TxnIndex int

// ReadSet is the keys, group reads, and module reads a behavior declares
// it will read (spec.md §4.5).
type ReadSet struct {
	Resources  []ResourceKey
	GroupReads []GroupRead
	Modules    []ModuleKey
}

// GroupRead declares a read of one tag within a resource group.
type GroupRead struct {
	Group GroupKey
	Tag   Tag
}

// WriteSet is the resources, groups, and modules a behavior declares it
// will write (spec.md §4.5).
type WriteSet struct {
	Resources []ResourceWrite
	Groups    []GroupWrite
	Modules   []ModuleWrite
}

// ResourceWrite is a single-resource write.
type ResourceWrite struct {
	Key   ResourceKey
	Value []byte
}

// GroupWrite is a write to one tag within a resource group; a nil Value
// deletes the tag (subject to ReservedTag never being deletable).
type GroupWrite struct {
	Group GroupKey
	Tag   Tag
	Value []byte // nil deletes the tag
}

// ModuleWrite is a module publish.
type ModuleWrite struct {
	Key   ModuleKey
	Value []byte
}

// DeltaSet is the commutative aggregator increments/decrements a behavior
// declares (spec.md §4.5). Deltas are only applied at output
// materialization, never speculatively against a live value.
type DeltaSet struct {
	Deltas []Delta
}

// Event is an opaque transaction event emitted by a behavior.
type Event struct {
	Type []byte
	Data []byte
}

// ControlSignal is the executor's control surface to the driver
// (spec.md §4.5): SkipRest terminates the block at this index retaining
// gas, Abort yields a fatal status, Interrupt busy-waits on the
// executor's interrupt flag then skips.
type ControlSignal int

const (
	// ControlNone executes normally.
	ControlNone ControlSignal = iota
	// ControlSkipRest terminates the block at this transaction's index,
	// retaining the gas already charged.
	ControlSkipRest
	// ControlAbort yields a fatal status for this transaction.
	ControlAbort
	// ControlInterrupt busy-waits on the executor's interrupt flag, then
	// skips the remainder of the block once set.
	ControlInterrupt
)
