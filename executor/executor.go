package executor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ExecutionStatus is a behavior's outcome (spec.md §4.5 Skip/Abort/Interrupt).
type ExecutionStatus int

const (
	// StatusSuccess executed normally to completion.
	StatusSuccess ExecutionStatus = iota
	// StatusSkipRest means SkipRest(gas) fired: the block terminates at
	// this index, retaining the gas already charged.
	StatusSkipRest
	// StatusAbort means Abort fired: a fatal status for this transaction.
	StatusAbort
	// StatusInterrupted means InterruptRequested fired: the executor
	// busy-waited on its interrupt flag, then skipped.
	StatusInterrupted
)

// ResourceView resolves a single-resource read during execution.
type ResourceView interface {
	ReadResource(key ResourceKey) ([]byte, bool, error)
}

// GroupView resolves resource-group reads and size queries during
// execution.
type GroupView interface {
	ReadGroupTag(group GroupKey, tag Tag) ([]byte, bool, error)
	GroupSize(group GroupKey) (int, error)
}

// ModuleView resolves module reads during execution.
type ModuleView interface {
	ReadModule(key ModuleKey) ([]byte, bool, error)
}

// GroupOutputWrite is a group write with its post-write size, recomputed
// incrementally rather than by re-serializing the whole group
// (spec.md §4.5, §8 invariant 9).
type GroupOutputWrite struct {
	Group GroupKey
	Tag   Tag
	Value []byte // nil means the tag was deleted
	Size  int    // the group's total size after this write
}

// Output is everything one incarnation's execution produced
// (spec.md §4.5): "resource writes, aggregator-v1 writes, group writes
// (with recomputed sizes), module writes, deltas, events, read results,
// delayed-field reads, size/metadata queries, total gas, and a once-only
// materialized_delta_writes slot set after post-processing."
type Output struct {
	Status ExecutionStatus

	ResourceWrites     []ResourceWrite
	AggregatorV1Writes []ResourceWrite
	GroupWrites        []GroupOutputWrite
	ModuleWrites       []ModuleWrite
	RawDeltas          []Delta
	Events             []Event

	ReadResults       map[ResourceKey][]byte
	DelayedFieldReads []DelayedFieldRead
	GroupSizeQueries  map[GroupKey]int

	TotalGas uint64

	materializeOnce         sync.Once
	MaterializedDeltaWrites []MaterializedDelta
}

// Materialize resolves Output's raw deltas against storageValues exactly
// once; subsequent calls are no-ops, matching the once-only slot the
// contract specifies.
func (o *Output) Materialize(storageValues map[ResourceKey]uint64) {
	o.materializeOnce.Do(func() {
		o.MaterializedDeltaWrites = MaterializeDeltas(o.RawDeltas, storageValues)
	})
}

// Harness executes incarnation behaviors against injected views, the way
// the real block executor's worker tasks do, enforcing the same
// group-size and delta-deferral invariants (spec.md §4.5).
type Harness struct {
	Resources ResourceView
	Groups    GroupView
	Modules   ModuleView
	Resolver  Resolver

	// InterruptPollInterval governs how often ControlInterrupt busy-waits
	// re-check the flag.
	InterruptPollInterval time.Duration
}

// Execute runs one incarnation behavior to completion, returning its
// Output. Deltas are recorded raw; materialization happens later, once
// per output, via Output.Materialize.
func (h *Harness) Execute(behavior IncarnationBehavior) (*Output, error) {
	switch behavior.Control {
	case ControlAbort:
		return &Output{Status: StatusAbort}, nil
	case ControlInterrupt:
		h.busyWaitForInterrupt(behavior.InterruptFlag)
		return &Output{Status: StatusInterrupted}, nil
	case ControlSkipRest:
		return &Output{Status: StatusSkipRest, TotalGas: behavior.Gas}, nil
	}

	out := &Output{
		Status:           StatusSuccess,
		ReadResults:      make(map[ResourceKey][]byte),
		GroupSizeQueries: make(map[GroupKey]int),
		Events:           behavior.Events,
		TotalGas:         behavior.Gas,
	}

	if err := h.performReads(behavior.Reads, out); err != nil {
		return nil, err
	}
	if err := h.applyWrites(behavior.Writes, out); err != nil {
		return nil, err
	}
	out.RawDeltas = append(out.RawDeltas, behavior.Deltas.Deltas...)
	out.ResourceWrites = behavior.Writes.Resources
	out.ModuleWrites = behavior.Writes.Modules

	return out, nil
}

func (h *Harness) performReads(reads ReadSet, out *Output) error {
	for _, key := range reads.Resources {
		value, ok, err := h.Resources.ReadResource(key)
		if err != nil {
			return errors.Wrapf(err, "reading resource %s", key)
		}
		if !ok {
			continue
		}
		out.ReadResults[key] = value
		if tuple, ok := tryDecodeDelayedField(value); ok {
			out.DelayedFieldReads = append(out.DelayedFieldReads, DelayedFieldRead{
				ID:            DelayedFieldID(tuple.IDOrValue.Uint64()),
				ResolvedValue: tuple.IDOrValue,
			})
			if h.Resolver != nil {
				resolved, err := ResolveRead(h.Resolver, DelayedFieldID(tuple.IDOrValue.Uint64()))
				if err != nil {
					return err
				}
				out.DelayedFieldReads[len(out.DelayedFieldReads)-1] = resolved
			}
		}
	}
	for _, gr := range reads.GroupReads {
		value, _, err := h.Groups.ReadGroupTag(gr.Group, gr.Tag)
		if err != nil {
			return errors.Wrapf(err, "reading group %s tag %d", gr.Group, gr.Tag)
		}
		out.ReadResults[ResourceKey(gr.Group)] = value
		size, err := h.Groups.GroupSize(gr.Group)
		if err != nil {
			return errors.Wrapf(err, "querying group size %s", gr.Group)
		}
		out.GroupSizeQueries[gr.Group] = size
	}
	return nil
}

// tryDecodeDelayedField attempts to decode value as a delayed-field
// tuple; values that aren't exactly the canonical 20-byte layout are
// treated as plain resource values, not delayed fields.
func tryDecodeDelayedField(value []byte) (DelayedFieldTuple, bool) {
	if len(value) != 20 {
		return DelayedFieldTuple{}, false
	}
	tuple, err := DeserializeDelayedFieldTuple(value)
	if err != nil {
		return DelayedFieldTuple{}, false
	}
	return tuple, true
}

func (h *Harness) applyWrites(writes WriteSet, out *Output) error {
	byGroup := make(map[GroupKey][]GroupWrite)
	for _, gw := range writes.Groups {
		byGroup[gw.Group] = append(byGroup[gw.Group], gw)
	}
	for group, gws := range byGroup {
		size, err := h.Groups.GroupSize(group)
		if err != nil {
			return errors.Wrapf(err, "resolving group size for %s before writes", group)
		}
		rg := NewResourceGroup(nil)
		rg.size = size
		for _, gw := range gws {
			// Seed this tag's prior value so the incremental size math
			// (which diffs against the previously tracked value) accounts
			// for what the tag already contributed, even though rg itself
			// was constructed empty from just the group's aggregate size.
			if prior, ok, err := h.Groups.ReadGroupTag(group, gw.Tag); err == nil && ok {
				rg.values[gw.Tag] = prior
			}
			if err := rg.ApplyWrite(gw); err != nil {
				return err
			}
			out.GroupWrites = append(out.GroupWrites, GroupOutputWrite{
				Group: group,
				Tag:   gw.Tag,
				Value: gw.Value,
				Size:  rg.Size(),
			})
		}
	}
	return nil
}

// busyWaitForInterrupt polls flag until set, the way ControlInterrupt
// behaviors block in the real executor while a conflicting transaction
// commits (spec.md §4.5). A nil flag is treated as already set.
func (h *Harness) busyWaitForInterrupt(flag *InterruptFlag) {
	if flag == nil {
		return
	}
	interval := h.InterruptPollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	for !flag.IsSet() {
		time.Sleep(interval)
	}
}
