package gasprofiler

import "testing"

func TestAssertConsistencyPassesWhenSumsMatch(t *testing.T) {
	root := NewCallFrame("script")
	root.AddEvent(EventBytecode, "add", 10)
	child := NewCallFrame("callee")
	child.AddEvent(EventBytecode, "mul", 20)
	root.AddCall(child)

	transient := uint64(5)
	costs := ExecutionAndIOCosts{
		Total:                41, // 10 + 20 + intrinsic(3) + keyless(2) + transient(5) + dep(1)
		IntrinsicCost:        3,
		KeylessCost:          2,
		Dependencies:         []Dependency{{ModuleID: "0x1::coin", Cost: 1}},
		CallGraph:            root,
		TransactionTransient: &transient,
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("expected no panic, got: %v", r)
		}
	}()
	costs.AssertConsistency()
}

func TestAssertConsistencyPanicsOnMismatch(t *testing.T) {
	// spec.md §8 scenario 6: leaf costs sum to 100 but total is 101.
	root := NewCallFrame("script")
	root.AddEvent(EventBytecode, "add", 100)

	costs := ExecutionAndIOCosts{Total: 101, CallGraph: root}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected AssertConsistency to panic on a gas mismatch")
		}
	}()
	costs.AssertConsistency()
}

func TestStorageFeesAssertConsistencyPasses(t *testing.T) {
	fees := StorageFees{
		Total:           30,
		TotalRefund:     5,
		WriteSetStorage: []WriteStorage{{Key: "k1", Cost: 10, Refund: 5}},
		Events:          []EventStorage{{Type: "0x1::Event", Cost: 15}},
		TxnStorage:      5,
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("expected no panic, got: %v", r)
		}
	}()
	fees.AssertConsistency()
}

func TestStorageFeesAssertConsistencyPanicsOnMismatch(t *testing.T) {
	fees := StorageFees{Total: 999, WriteSetStorage: []WriteStorage{{Cost: 1}}}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected a panic on storage fee mismatch")
		}
	}()
	fees.AssertConsistency()
}

func TestFoldAggregatesRepeatedCallsToSameFunction(t *testing.T) {
	root := NewCallFrame("script")
	callee := NewCallFrame("callee")
	callee.AddEvent(EventBytecode, "add", 10)
	root.AddCall(callee)

	callee2 := NewCallFrame("callee")
	callee2.AddEvent(EventBytecode, "add", 15)
	root.AddCall(callee2)

	folded := Fold(root)
	child, ok := folded.Children["callee"]
	if !ok {
		t.Fatalf("expected a merged 'callee' child")
	}
	if child.InstructionsByOp["add"] != 25 {
		t.Fatalf("expected merged cost 25, got %d", child.InstructionsByOp["add"])
	}
}

func TestUnfoldSortsDescendingByCost(t *testing.T) {
	root := NewCallFrame("script")
	root.AddEvent(EventBytecode, "cheap", 1)
	root.AddEvent(EventBytecode, "expensive", 100)
	root.AddEvent(EventBytecode, "medium", 50)

	folded := Fold(root)
	events := Unfold(folded)
	for i := 0; i < len(events)-1; i++ {
		if events[i].Cost < events[i+1].Cost {
			t.Fatalf("expected descending cost order, got %v", events)
		}
	}
	if events[0].Cost != 100 {
		t.Fatalf("expected highest cost first, got %d", events[0].Cost)
	}
}

func TestLeafCostSumIncludesNestedFrames(t *testing.T) {
	root := NewCallFrame("script")
	root.AddEvent(EventBytecode, "add", 10)
	child := NewCallFrame("callee")
	child.AddEvent(EventBytecode, "mul", 5)
	grandchild := NewCallFrame("inner")
	grandchild.AddEvent(EventLoadResource, "load", 7)
	child.AddCall(grandchild)
	root.AddCall(child)

	if got := root.leafCostSum(); got != 22 {
		t.Fatalf("expected leaf cost sum 22 (10+5+7), got %d", got)
	}
}
