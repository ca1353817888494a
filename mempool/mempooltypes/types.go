// Package mempooltypes holds the wire-level types shared by every mempool
// index: the admitted transaction, its replay protector, and the priority
// key that the priority index orders by.
package mempooltypes

import (
	"bytes"
	"time"
)

// Digest identifies a transaction's content. Hashing itself is out of
// scope; callers populate this from whatever cryptographic digest the
// collaborator produces.
type Digest [32]byte

// Address is an opaque sender/account identifier.
type Address [32]byte

// Compare gives Address a total order, used as priority-key tie-breaker 5.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

// ReplayProtectorKind distinguishes the two replay-protector shapes a
// transaction may carry.
type ReplayProtectorKind uint8

const (
	// ReplayProtectorSequenceNumber is a monotonic per-sender sequence
	// number; transactions using it are ordered and may park on a gap.
	ReplayProtectorSequenceNumber ReplayProtectorKind = iota
	// ReplayProtectorNonce is an orderless nonce; transactions using it
	// are always immediately ready.
	ReplayProtectorNonce
)

// ReplayProtector is either a monotonic sequence number or an orderless
// nonce, per spec.md §3.
type ReplayProtector struct {
	Kind  ReplayProtectorKind
	Value uint64
}

// IsSequenced reports whether this protector can leave a sequence gap
// (and therefore can park).
func (rp ReplayProtector) IsSequenced() bool {
	return rp.Kind == ReplayProtectorSequenceNumber
}

// TypeClass is the first, coarsest component of the transaction priority
// key. Lower values sort first (higher priority).
type TypeClass uint8

const (
	TypeClassCEX TypeClass = iota
	TypeClassPlatform
	TypeClassContract
	TypeClassScript
	TypeClassOther
)

// PayloadShape carries just enough information about a transaction's
// payload to classify it, without depending on the (out of scope) VM
// representation.
type PayloadShape struct {
	IsCEX                bool
	IsEntryFunction      bool
	ModuleAddressSpecial bool
	IsScript             bool
}

// ClassifyPayload derives a TypeClass from a payload's shape, mirroring
// TransactionTypePriority::from_payload in the distilled original: CEX
// payloads outrank everything, entry-function calls into a reserved
// ("special") module address are Platform, other entry-function calls
// are Contract, raw scripts are Script, anything else is Other.
func ClassifyPayload(shape PayloadShape) TypeClass {
	switch {
	case shape.IsCEX:
		return TypeClassCEX
	case shape.IsEntryFunction && shape.ModuleAddressSpecial:
		return TypeClassPlatform
	case shape.IsEntryFunction:
		return TypeClassContract
	case shape.IsScript:
		return TypeClassScript
	default:
		return TypeClassOther
	}
}

// OrderTimestamp is an optional exchange-supplied timestamp carried only
// by CEX transactions (§3, §4.1).
type OrderTimestamp struct {
	Present bool
	Value   int64 // unix nanos
}

// Transaction is an admitted mempool transaction (spec.md §3).
type Transaction struct {
	Sender          Address
	ReplayProtector ReplayProtector
	TypeClass       TypeClass
	OrderTimestamp  OrderTimestamp
	RankingScore    uint64 // descending gas ranking score
	InsertionTime   time.Time
	ExpirationTime  time.Time
	Digest          Digest
	Payload         []byte
	TimelineID      uint64 // assigned on admission to the timeline, 0 if parked
}

// PriorityKey is the Transaction Priority Key from spec.md §3: a 7-tuple
// ordered lexicographically. Lower PriorityKey sorts first = highest
// priority; ascending iteration over the index yields highest priority
// first.
type PriorityKey struct {
	TypeClass       TypeClass
	OrderTimestamp  OrderTimestamp // only meaningful when TypeClass == CEX
	RankingScore    uint64
	InsertionTime   time.Time
	Sender          Address
	ReplayProtector uint64
	Digest          Digest
}

// KeyOf derives a transaction's PriorityKey.
func KeyOf(tx *Transaction) PriorityKey {
	return PriorityKey{
		TypeClass:       tx.TypeClass,
		OrderTimestamp:  tx.OrderTimestamp,
		RankingScore:    tx.RankingScore,
		InsertionTime:   tx.InsertionTime,
		Sender:          tx.Sender,
		ReplayProtector: tx.ReplayProtector.Value,
		Digest:          tx.Digest,
	}
}

// Less implements the total order from spec.md §3:
//  1. type class ascending (CEX highest priority)
//  2. for CEX only, order timestamp ascending, present beats absent
//  3. ranking score descending
//  4. insertion time ascending
//  5. sender ascending
//  6. replay protector descending
//  7. digest ascending
func (k PriorityKey) Less(other PriorityKey) bool {
	if k.TypeClass != other.TypeClass {
		return k.TypeClass < other.TypeClass
	}
	if k.TypeClass == TypeClassCEX {
		if k.OrderTimestamp.Present != other.OrderTimestamp.Present {
			// present beats absent: present sorts first (Less)
			return k.OrderTimestamp.Present
		}
		if k.OrderTimestamp.Present && k.OrderTimestamp.Value != other.OrderTimestamp.Value {
			return k.OrderTimestamp.Value < other.OrderTimestamp.Value
		}
	}
	if k.RankingScore != other.RankingScore {
		return k.RankingScore > other.RankingScore // descending
	}
	if !k.InsertionTime.Equal(other.InsertionTime) {
		return k.InsertionTime.Before(other.InsertionTime)
	}
	if cmp := k.Sender.Compare(other.Sender); cmp != 0 {
		return cmp < 0
	}
	if k.ReplayProtector != other.ReplayProtector {
		return k.ReplayProtector > other.ReplayProtector // descending
	}
	return bytes.Compare(k.Digest[:], other.Digest[:]) < 0
}

// Equal reports whether two keys compare as the same total-order slot.
// Per invariant 1 in spec.md §8, exactly one of a.Less(b), b.Less(a), or
// a.Equal(b) holds.
func (k PriorityKey) Equal(other PriorityKey) bool {
	return !k.Less(other) && !other.Less(k)
}
