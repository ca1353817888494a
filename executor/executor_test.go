package executor

import (
	"math/big"
	"testing"
)

type fakeResourceView struct {
	values map[ResourceKey][]byte
}

func (v fakeResourceView) ReadResource(key ResourceKey) ([]byte, bool, error) {
	value, ok := v.values[key]
	return value, ok, nil
}

type fakeGroupView struct {
	groups map[GroupKey]map[Tag][]byte
}

func (v fakeGroupView) ReadGroupTag(group GroupKey, tag Tag) ([]byte, bool, error) {
	value, ok := v.groups[group][tag]
	return value, ok, nil
}

func (v fakeGroupView) GroupSize(group GroupKey) (int, error) {
	size := 0
	for tag, value := range v.groups[group] {
		size += taggedResourceSize(tag, value)
	}
	return size, nil
}

type fakeModuleView struct{}

func (fakeModuleView) ReadModule(ModuleKey) ([]byte, bool, error) { return nil, false, nil }

func TestTransactionNextBehaviorRoundRobinsViaAtomicCounter(t *testing.T) {
	tx := NewTransaction(0, []IncarnationBehavior{
		{Gas: 1},
		{Gas: 2},
		{Gas: 3},
	})

	first, attempt0 := tx.NextBehavior()
	second, attempt1 := tx.NextBehavior()
	third, attempt2 := tx.NextBehavior()
	fourth, attempt3 := tx.NextBehavior()

	if attempt0 != 0 || attempt1 != 1 || attempt2 != 2 || attempt3 != 3 {
		t.Fatalf("expected attempts 0,1,2,3, got %d,%d,%d,%d", attempt0, attempt1, attempt2, attempt3)
	}
	if first.Gas != 1 || second.Gas != 2 || third.Gas != 3 || fourth.Gas != 1 {
		t.Fatalf("expected round-robin sequence 1,2,3,1, got %d,%d,%d,%d", first.Gas, second.Gas, third.Gas, fourth.Gas)
	}
}

func TestDeltaOverflowReportsWithoutAbortingBlock(t *testing.T) {
	// spec.md §8 scenario 5: delta_add(50, max=100) against storage value 60.
	d := Delta{Key: "k", Kind: DeltaAdd, Value: 50, Max: 100}
	results := MaterializeDeltas([]Delta{d}, map[ResourceKey]uint64{"k": 60})

	if len(results) != 1 {
		t.Fatalf("expected 1 materialized delta, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatalf("expected an overflow error, got none")
	}
}

func TestDeltaWithinBoundCommits(t *testing.T) {
	d := Delta{Key: "k", Kind: DeltaAdd, Value: 20, Max: 100}
	results := MaterializeDeltas([]Delta{d}, map[ResourceKey]uint64{"k": 60})
	if results[0].Err != nil {
		t.Fatalf("expected no overflow, got %v", results[0].Err)
	}
	if results[0].Value != 80 {
		t.Fatalf("expected 80, got %d", results[0].Value)
	}
}

func TestOutputMaterializeIsOnceOnly(t *testing.T) {
	out := &Output{RawDeltas: []Delta{{Key: "k", Kind: DeltaAdd, Value: 1, Max: 10}}}
	out.Materialize(map[ResourceKey]uint64{"k": 1})
	first := out.MaterializedDeltaWrites

	// a second call (e.g. a caller re-invoking post-processing) must not
	// re-resolve against a different storage snapshot.
	out.Materialize(map[ResourceKey]uint64{"k": 9999})
	if out.MaterializedDeltaWrites[0].Value != first[0].Value {
		t.Fatalf("expected materialized delta writes to be set only once, got a changed value on re-materialize")
	}
}

func TestResourceGroupSizeInvariantAfterWrites(t *testing.T) {
	rg := NewResourceGroup(map[Tag][]byte{ReservedTag: []byte("baseline")})

	if err := rg.ApplyWrite(GroupWrite{Tag: 1, Value: []byte("hello")}); err != nil {
		t.Fatalf("apply write: %v", err)
	}
	if err := rg.ApplyWrite(GroupWrite{Tag: 2, Value: []byte("world!!")}); err != nil {
		t.Fatalf("apply write: %v", err)
	}

	// spec.md §8 invariant 9: recomputed size equals a from-scratch
	// recomputation of the group's serialized contents.
	recomputed := NewResourceGroup(rg.Snapshot())
	if recomputed.Size() != rg.Size() {
		t.Fatalf("incremental size %d does not match recomputed size %d", rg.Size(), recomputed.Size())
	}
}

func TestResourceGroupReservedTagNeverDeleted(t *testing.T) {
	rg := NewResourceGroup(map[Tag][]byte{ReservedTag: []byte("baseline")})
	if err := rg.DecrementSizeForRemoveTag(ReservedTag); err == nil {
		t.Fatalf("expected an error deleting the reserved tag")
	}
	if _, ok := rg.Get(ReservedTag); !ok {
		t.Fatalf("expected reserved tag to remain present")
	}
}

func TestResourceGroupUnderflowReported(t *testing.T) {
	rg := &ResourceGroup{values: map[Tag][]byte{1: []byte("x")}, size: 1}
	if err := rg.DecrementSizeForRemoveTag(1); err == nil {
		t.Fatalf("expected underflow error when removing more size than tracked")
	}
}

func TestDelayedFieldTupleRoundTrip(t *testing.T) {
	// spec.md §8 invariant 8: deserialize(serialize((v, r))) == (v, r).
	tuple := DelayedFieldTuple{IDOrValue: big.NewInt(123456789), Version: 42}
	encoded := SerializeDelayedFieldTuple(tuple)
	decoded, err := DeserializeDelayedFieldTuple(encoded)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if decoded.Version != tuple.Version {
		t.Fatalf("version mismatch: got %d, want %d", decoded.Version, tuple.Version)
	}
	if decoded.IDOrValue.Cmp(tuple.IDOrValue) != 0 {
		t.Fatalf("id/value mismatch: got %s, want %s", decoded.IDOrValue, tuple.IDOrValue)
	}
}

func TestDelayedFieldStorageBaselineVersion(t *testing.T) {
	tuple := DelayedFieldTuple{IDOrValue: big.NewInt(100001), Version: StorageBaselineVersion}
	encoded := SerializeDelayedFieldTuple(tuple)
	decoded, err := DeserializeDelayedFieldTuple(encoded)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if decoded.Version != StorageBaselineVersion {
		t.Fatalf("expected storage baseline version to round-trip")
	}
}

func TestHarnessSkipRestRetainsGas(t *testing.T) {
	h := &Harness{Resources: fakeResourceView{}, Groups: fakeGroupView{}, Modules: fakeModuleView{}}
	out, err := h.Execute(IncarnationBehavior{Control: ControlSkipRest, Gas: 77})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusSkipRest {
		t.Fatalf("expected StatusSkipRest")
	}
	if out.TotalGas != 77 {
		t.Fatalf("expected retained gas 77, got %d", out.TotalGas)
	}
}

func TestHarnessAbortYieldsFatalStatus(t *testing.T) {
	h := &Harness{Resources: fakeResourceView{}, Groups: fakeGroupView{}, Modules: fakeModuleView{}}
	out, err := h.Execute(IncarnationBehavior{Control: ControlAbort})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusAbort {
		t.Fatalf("expected StatusAbort")
	}
}

func TestHarnessInterruptBusyWaitsThenSkips(t *testing.T) {
	flag := NewInterruptFlag()
	h := &Harness{Resources: fakeResourceView{}, Groups: fakeGroupView{}, Modules: fakeModuleView{}}

	done := make(chan *Output, 1)
	go func() {
		out, _ := h.Execute(IncarnationBehavior{Control: ControlInterrupt, InterruptFlag: flag})
		done <- out
	}()

	flag.Trigger()
	out := <-done
	if out.Status != StatusInterrupted {
		t.Fatalf("expected StatusInterrupted")
	}
}

func TestHarnessExecutePlainBehaviorRecordsReadsAndWrites(t *testing.T) {
	resources := fakeResourceView{values: map[ResourceKey][]byte{"r1": []byte("v1")}}
	groups := fakeGroupView{groups: map[GroupKey]map[Tag][]byte{
		"g1": {ReservedTag: []byte("base")},
	}}
	h := &Harness{Resources: resources, Groups: groups, Modules: fakeModuleView{}}

	behavior := IncarnationBehavior{
		Reads: ReadSet{
			Resources:  []ResourceKey{"r1"},
			GroupReads: []GroupRead{{Group: "g1", Tag: ReservedTag}},
		},
		Writes: WriteSet{
			Resources: []ResourceWrite{{Key: "r2", Value: []byte("v2")}},
			Groups:    []GroupWrite{{Group: "g1", Tag: 5, Value: []byte("added")}},
		},
		Gas: 10,
	}

	out, err := h.Execute(behavior)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out.ReadResults["r1"]) != "v1" {
		t.Fatalf("expected read result for r1")
	}
	if len(out.ResourceWrites) != 1 || out.ResourceWrites[0].Key != "r2" {
		t.Fatalf("expected resource write for r2")
	}
	if len(out.GroupWrites) != 1 || out.GroupWrites[0].Tag != 5 {
		t.Fatalf("expected group write for tag 5")
	}
	if out.TotalGas != 10 {
		t.Fatalf("expected gas 10, got %d", out.TotalGas)
	}
}
