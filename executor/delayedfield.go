package executor

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// StorageBaselineVersion marks a delayed-field tuple as representing the
// storage baseline rather than a speculative version (spec.md §6:
// "Version u32::MAX represents the storage baseline").
const StorageBaselineVersion uint32 = 0xFFFFFFFF

// DelayedFieldID identifies a delayed field embedded in a serialized
// value (spec.md §4.5, glossary "Delayed field").
type DelayedFieldID uint64

// DelayedFieldTuple is the wire-format pair serialized into a value's
// delayed-field slot: an identifier-or-resolved-value (u128) and a
// version (u32) (spec.md §6 "Delayed-field wire format").
type DelayedFieldTuple struct {
	IDOrValue *big.Int // u128, big-endian magnitude, always non-negative
	Version   uint32
}

// Resolver resolves a delayed field's current numeric value, separate
// from the read path that discovers its id (spec.md §4.5).
type Resolver interface {
	Resolve(id DelayedFieldID) (*big.Int, error)
}

// DelayedFieldRead is recorded when a read observes a value carrying a
// delayed field: both the id and its resolved value (spec.md §4.5).
type DelayedFieldRead struct {
	ID            DelayedFieldID
	ResolvedValue *big.Int
}

// ResolveRead resolves id via resolver and records the (id, value) pair.
func ResolveRead(resolver Resolver, id DelayedFieldID) (DelayedFieldRead, error) {
	value, err := resolver.Resolve(id)
	if err != nil {
		return DelayedFieldRead{}, errors.Wrapf(err, "resolving delayed field %d", id)
	}
	return DelayedFieldRead{ID: id, ResolvedValue: value}, nil
}

// SerializeDelayedFieldTuple encodes a tuple as the canonical 20-byte
// binary layout: 16 bytes of big-endian u128 magnitude followed by a
// 4-byte big-endian version (spec.md §6).
func SerializeDelayedFieldTuple(t DelayedFieldTuple) []byte {
	out := make([]byte, 20)
	magnitude := t.IDOrValue.Bytes()
	if len(magnitude) > 16 {
		magnitude = magnitude[len(magnitude)-16:] // truncate to the low 128 bits
	}
	copy(out[16-len(magnitude):16], magnitude)
	binary.BigEndian.PutUint32(out[16:20], t.Version)
	return out
}

// DeserializeDelayedFieldTuple decodes the canonical 20-byte layout back
// into a tuple. Invariant 8 (delta round-trip) requires
// DeserializeDelayedFieldTuple(SerializeDelayedFieldTuple(t)) == t.
func DeserializeDelayedFieldTuple(data []byte) (DelayedFieldTuple, error) {
	if len(data) != 20 {
		return DelayedFieldTuple{}, errors.Errorf("delayed field tuple must be 20 bytes, got %d", len(data))
	}
	magnitude := new(big.Int).SetBytes(data[:16])
	version := binary.BigEndian.Uint32(data[16:20])
	return DelayedFieldTuple{IDOrValue: magnitude, Version: version}, nil
}
