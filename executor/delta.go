package executor

import "github.com/pkg/errors"

// ErrDeltaOverflow is a non-fatal speculative execution failure
// (spec.md §7): applying a delta against its storage baseline would
// exceed the aggregator's declared bound.
var ErrDeltaOverflow = errors.New("delta application overflowed bound")

// DeltaKind distinguishes increment from decrement.
type DeltaKind int

const (
	// DeltaAdd increments.
	DeltaAdd DeltaKind = iota
	// DeltaSub decrements.
	DeltaSub
)

// Delta is a commutative aggregator increment or decrement declared by a
// behavior. Deltas are never applied against a live value during
// execution; only at output materialization, against the key's storage
// value (spec.md §4.5).
type Delta struct {
	Key   ResourceKey
	Kind  DeltaKind
	Value uint64
	Max   uint64 // upper bound the aggregator must never exceed
}

// Apply commits delta against storageValue, reporting ErrDeltaOverflow
// rather than wrapping or panicking if the bound is violated
// (spec.md §4.5, §8 scenario 5 "delta overflow surface").
func (d Delta) Apply(storageValue uint64) (uint64, error) {
	switch d.Kind {
	case DeltaAdd:
		result := storageValue + d.Value
		if result > d.Max || result < storageValue { // result < storageValue catches u64 wraparound
			return 0, errors.Wrapf(ErrDeltaOverflow, "key=%s %d+%d exceeds max %d", d.Key, storageValue, d.Value, d.Max)
		}
		return result, nil
	case DeltaSub:
		if d.Value > storageValue {
			return 0, errors.Wrapf(ErrDeltaOverflow, "key=%s %d-%d underflows", d.Key, storageValue, d.Value)
		}
		return storageValue - d.Value, nil
	default:
		return 0, errors.Errorf("unknown delta kind %d", d.Kind)
	}
}

// MaterializedDelta is one delta's resolved write after output
// materialization: either the committed value, or the overflow error
// that prevented it from being applied.
type MaterializedDelta struct {
	Key   ResourceKey
	Value uint64
	Err   error
}

// MaterializeDeltas applies every delta in deltas against its storage
// baseline from storageValues, producing one MaterializedDelta per delta.
// A delta whose key is missing from storageValues is treated as a
// baseline of zero, mirroring a freshly initialized aggregator.
func MaterializeDeltas(deltas []Delta, storageValues map[ResourceKey]uint64) []MaterializedDelta {
	out := make([]MaterializedDelta, len(deltas))
	for i, d := range deltas {
		baseline := storageValues[d.Key]
		value, err := d.Apply(baseline)
		out[i] = MaterializedDelta{Key: d.Key, Value: value, Err: err}
	}
	return out
}
