package mempool

import (
	"bytes"
	"time"

	"github.com/shoallabs/shoalnode/mempool/mempooltypes"
)

// ttlKey orders by (expiration_time, sender, replay_protector) per
// spec.md §4.1.
type ttlKey struct {
	expiration      time.Time
	sender          mempooltypes.Address
	replayProtector uint64
}

func (k ttlKey) less(other lessThan) bool {
	o := other.(ttlKey)
	if !k.expiration.Equal(o.expiration) {
		return k.expiration.Before(o.expiration)
	}
	if cmp := bytes.Compare(k.sender[:], o.sender[:]); cmp != 0 {
		return cmp < 0
	}
	return k.replayProtector < o.replayProtector
}

// TTLIndex tracks transactions by expiration for garbage collection.
type TTLIndex struct {
	set *orderedSet
}

// NewTTLIndex constructs an empty TTL index.
func NewTTLIndex() *TTLIndex {
	return &TTLIndex{set: newOrderedSet()}
}

func ttlKeyOf(tx *mempooltypes.Transaction) ttlKey {
	return ttlKey{
		expiration:      tx.ExpirationTime,
		sender:          tx.Sender,
		replayProtector: tx.ReplayProtector.Value,
	}
}

// Insert adds tx's expiration entry.
func (t *TTLIndex) Insert(tx *mempooltypes.Transaction) {
	t.set.Insert(ttlKeyOf(tx))
}

// Remove drops tx's expiration entry.
func (t *TTLIndex) Remove(tx *mempooltypes.Transaction) bool {
	return t.set.Remove(ttlKeyOf(tx))
}

// Len returns the number of tracked entries.
func (t *TTLIndex) Len() int {
	return t.set.Len()
}

// GC splits off and returns every entry with expiration_time < now, in a
// single logarithmic-amortized sweep (a linear scan from the minimum,
// removing each expired entry, stopping at the first non-expired one).
// Equality ties resolve to "not yet expired": an entry whose expiration
// exactly equals now is kept, so a just-admitted transaction racing a GC
// sweep at its own expiration instant is never dropped.
func (t *TTLIndex) GC(now time.Time) []ExpiredSender {
	var expired []ExpiredSender
	for {
		min := t.set.Min()
		if min == nil {
			break
		}
		k := min.(ttlKey)
		if !k.expiration.Before(now) {
			break
		}
		t.set.Remove(k)
		expired = append(expired, ExpiredSender{Sender: k.sender, ReplayProtector: k.replayProtector})
	}
	return expired
}

// ExpiredSender identifies an entry evicted by GC.
type ExpiredSender struct {
	Sender          mempooltypes.Address
	ReplayProtector uint64
}
