// Package gasprofiler mirrors a transaction's execution call graph as a
// tree of CallFrames and checks it against the gas meter's own totals
// (spec.md §4.6). Any mismatch between the two independently-computed
// sums is a local invariant violation and is fatal.
//
// Grounded on original_source/aptos-move/aptos-gas-profiling/src/log.rs
// (CallFrame, ExecutionGasEvent, ExecutionAndIOCosts::assert_consistency,
// StorageFees::assert_consistency): the fold/reconciliation logic is
// carried over verbatim in spirit, reworked from Rust enums and
// panic!-on-mismatch into a Go sum-type-by-struct-tag and an explicit
// panic, in the style of the teacher's own "local invariant violation ->
// panic" error taxonomy (util/panics.HandlePanic).
package gasprofiler

import "fmt"

// EventKind discriminates an ExecutionGasEvent's variant.
type EventKind int

const (
	// EventLoc marks a program-counter move; carries no gas cost.
	EventLoc EventKind = iota
	// EventBytecode is a single opcode's cost.
	EventBytecode
	// EventCall nests a child CallFrame; carries no cost of its own.
	EventCall
	// EventCallNative is a native function invocation's cost.
	EventCallNative
	// EventLoadResource is a resource load's cost.
	EventLoadResource
	// EventCreateTy is a type creation's cost.
	EventCreateTy
)

// ExecutionGasEvent is one leaf (or Call marker) in a CallFrame's event
// log (spec.md §4.6).
type ExecutionGasEvent struct {
	Kind  EventKind
	Cost  uint64     // internal gas; zero for EventLoc and EventCall
	Child *CallFrame // non-nil only for EventCall
	Name  string     // opcode/native-function/type name, for the folded projection
}

// CallFrame mirrors one call in the VM's call graph (spec.md §4.6).
type CallFrame struct {
	Name      string
	Events    []ExecutionGasEvent
	NativeGas uint64 // gas charged by native functions within this frame; 0 for non-native frames
}

// NewCallFrame constructs an empty frame.
func NewCallFrame(name string) *CallFrame {
	return &CallFrame{Name: name}
}

// AddEvent appends a leaf event (anything but EventCall) to the frame.
func (f *CallFrame) AddEvent(kind EventKind, name string, cost uint64) {
	f.Events = append(f.Events, ExecutionGasEvent{Kind: kind, Name: name, Cost: cost})
}

// AddCall appends a child frame as a nested call event.
func (f *CallFrame) AddCall(child *CallFrame) {
	f.Events = append(f.Events, ExecutionGasEvent{Kind: EventCall, Child: child})
}

// leafCostSum sums every leaf event's cost across this frame and all of
// its descendants, skipping Loc and Call markers.
func (f *CallFrame) leafCostSum() uint64 {
	var total uint64
	for _, e := range f.Events {
		switch e.Kind {
		case EventLoc, EventCall:
			if e.Child != nil {
				total += e.Child.leafCostSum()
			}
		default:
			total += e.Cost
		}
	}
	return total
}

// FoldedFrame is the "folded" projection from spec.md §4.6: a frame
// collapsed to (self_gas, instructions by kind, children by name), used
// for aggregation across repeated calls to the same function.
type FoldedFrame struct {
	Name             string
	SelfGas          uint64
	InstructionsByOp map[string]uint64
	Children         map[string]*FoldedFrame
}

// Fold collapses a frame into its folded projection.
func Fold(frame *CallFrame) *FoldedFrame {
	folded := &FoldedFrame{
		Name:             frame.Name,
		InstructionsByOp: make(map[string]uint64),
		Children:         make(map[string]*FoldedFrame),
	}
	for _, e := range frame.Events {
		switch e.Kind {
		case EventLoc:
			continue
		case EventCall:
			child := Fold(e.Child)
			if existing, ok := folded.Children[child.Name]; ok {
				mergeFolded(existing, child)
			} else {
				folded.Children[child.Name] = child
			}
		default:
			folded.SelfGas += e.Cost
			folded.InstructionsByOp[e.Name] += e.Cost
		}
	}
	folded.SelfGas += frame.NativeGas
	return folded
}

func mergeFolded(dst, src *FoldedFrame) {
	dst.SelfGas += src.SelfGas
	for op, cost := range src.InstructionsByOp {
		dst.InstructionsByOp[op] += cost
	}
	for name, child := range src.Children {
		if existing, ok := dst.Children[name]; ok {
			mergeFolded(existing, child)
		} else {
			dst.Children[name] = child
		}
	}
}

// UnfoldedEvent is one entry of an Unfold projection: events re-emitted
// sorted by descending cost (spec.md §4.6 "unfolding re-emits events
// sorted by descending cost").
type UnfoldedEvent struct {
	Path string
	Cost uint64
}

// Unfold walks a folded frame and returns every (path, cost) leaf entry
// sorted by descending cost, where path is dot-joined from the root.
func Unfold(folded *FoldedFrame) []UnfoldedEvent {
	var out []UnfoldedEvent
	unfold(folded, folded.Name, &out)
	sortDescending(out)
	return out
}

func unfold(folded *FoldedFrame, path string, out *[]UnfoldedEvent) {
	for op, cost := range folded.InstructionsByOp {
		*out = append(*out, UnfoldedEvent{Path: fmt.Sprintf("%s::%s", path, op), Cost: cost})
	}
	for name, child := range folded.Children {
		unfold(child, path+"."+name, out)
	}
}

func sortDescending(events []UnfoldedEvent) {
	for i := 1; i < len(events); i++ {
		j := i
		for j > 0 && events[j].Cost > events[j-1].Cost {
			events[j], events[j-1] = events[j-1], events[j]
			j--
		}
	}
}
