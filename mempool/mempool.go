// Package mempool implements the priority-aware mempool described in
// spec.md §4.1: a priority index for pull-payload batch composition, a
// TTL index for garbage collection, a timeline index (plain and
// multi-bucket) for gossip broadcast, and a parking lot for
// sequence-gapped transactions. It is grounded on the teacher's
// domain/miningmanager/mempool package (transactionsPool/orphansPool),
// generalized from a UTXO mempool to this spec's priority-queue
// semantics.
package mempool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/mempool/mempooltypes"
)

// RejectedReason explains why admit() refused a transaction.
type RejectedReason string

const (
	RejectedFeeTooLow           RejectedReason = "fee-too-low"
	RejectedReplayProtectorTaken RejectedReason = "replay-protector-taken"
	RejectedPoolFullAfterEviction RejectedReason = "pool-full-after-eviction"
	RejectedExpiredOnArrival    RejectedReason = "expired-on-arrival"
)

// RejectedError wraps a RejectedReason as an error, for callers that want
// the admit/Ok-or-error shape from spec.md §6.
type RejectedError struct {
	Reason RejectedReason
}

func (e *RejectedError) Error() string {
	return string(e.Reason)
}

// Config bounds the mempool's behavior.
type Config struct {
	MinRankingScore  uint64
	MaxSize          int
	BucketMinimums   []uint64 // for the multi-bucket timeline; first must be 0
}

// Mempool is the content store plus its four indexes.
type Mempool struct {
	mu sync.RWMutex

	cfg Config

	contents map[mempoolKey]*mempooltypes.Transaction

	priority *PriorityIndex
	ttl      *TTLIndex
	timeline *TimelineIndex
	buckets  *MultiBucketTimelineIndex
	parking  *ParkingLot

	// nextReadySeq tracks, per sender, the next sequence number that is
	// immediately executable (i.e. has no gap before it). A fresh
	// sender starts at 0.
	nextReadySeq map[mempooltypes.Address]uint64
}

type mempoolKey struct {
	sender mempooltypes.Address
	rp     uint64
}

// New constructs an empty Mempool.
func New(cfg Config) *Mempool {
	if len(cfg.BucketMinimums) == 0 {
		cfg.BucketMinimums = []uint64{0}
	}
	return &Mempool{
		cfg:          cfg,
		contents:     make(map[mempoolKey]*mempooltypes.Transaction),
		priority:     NewPriorityIndex(),
		ttl:          NewTTLIndex(),
		timeline:     NewTimelineIndex(),
		buckets:      NewMultiBucketTimelineIndex(cfg.BucketMinimums),
		parking:      NewParkingLot(),
		nextReadySeq: make(map[mempooltypes.Address]uint64),
	}
}

// Admit validates and inserts tx, per the external interface in
// spec.md §6.
func (mp *Mempool) Admit(tx *mempooltypes.Transaction, now time.Time) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !tx.ExpirationTime.After(now) {
		return &RejectedError{Reason: RejectedExpiredOnArrival}
	}
	if tx.RankingScore < mp.cfg.MinRankingScore {
		return &RejectedError{Reason: RejectedFeeTooLow}
	}
	key := mempoolKey{sender: tx.Sender, rp: tx.ReplayProtector.Value}
	if _, exists := mp.contents[key]; exists {
		return &RejectedError{Reason: RejectedReplayProtectorTaken}
	}
	if mp.cfg.MaxSize > 0 && len(mp.contents) >= mp.cfg.MaxSize {
		if !mp.evictOneLocked() {
			return &RejectedError{Reason: RejectedPoolFullAfterEviction}
		}
	}

	mp.contents[key] = tx
	mp.ttl.Insert(tx)

	ready := mp.isImmediatelyExecutableLocked(tx)
	if ready {
		mp.admitReadyLocked(tx, now)
	} else {
		mp.parking.Insert(tx)
	}
	return nil
}

func (mp *Mempool) isImmediatelyExecutableLocked(tx *mempooltypes.Transaction) bool {
	if !tx.ReplayProtector.IsSequenced() {
		return true
	}
	return tx.ReplayProtector.Value == mp.nextReadySeq[tx.Sender]
}

func (mp *Mempool) admitReadyLocked(tx *mempooltypes.Transaction, now time.Time) {
	mp.priority.Insert(mempooltypes.KeyOf(tx))
	id := mp.timeline.Add(tx, now)
	tx.TimelineID = id
	mp.buckets.Add(tx, now)
	if tx.ReplayProtector.IsSequenced() {
		mp.nextReadySeq[tx.Sender] = tx.ReplayProtector.Value + 1
		mp.promoteParkedLocked(tx.Sender, now)
	}
}

// promoteParkedLocked pulls any now-contiguous parked transactions for
// sender into the ready indexes after a gap-filling admission.
func (mp *Mempool) promoteParkedLocked(sender mempooltypes.Address, now time.Time) {
	for {
		next := mp.nextReadySeq[sender]
		key := mempoolKey{sender: sender, rp: next}
		tx, ok := mp.contents[key]
		if !ok {
			break
		}
		if _, parked := mp.bySenderHasParked(sender, next); !parked {
			break
		}
		mp.parking.Remove(sender, next, tx.Digest)
		mp.priority.Insert(mempooltypes.KeyOf(tx))
		id := mp.timeline.Add(tx, now)
		tx.TimelineID = id
		mp.buckets.Add(tx, now)
		mp.nextReadySeq[sender] = next + 1
	}
}

func (mp *Mempool) bySenderHasParked(sender mempooltypes.Address, seq uint64) (mempooltypes.Digest, bool) {
	tx, ok := mp.contents[mempoolKey{sender: sender, rp: seq}]
	if !ok {
		return mempooltypes.Digest{}, false
	}
	return tx.Digest, tx.TimelineID == 0
}

// evictOneLocked tries to make room by popping the lowest-priority ready
// transaction or a random parked one; reports whether it freed a slot.
func (mp *Mempool) evictOneLocked() bool {
	var lowest *mempooltypes.PriorityKey
	mp.priority.set.Descending(func(k lessThan) bool {
		key := k.(priorityKeyEntry).key
		lowest = &key
		return false
	})
	if lowest != nil {
		mp.priority.Remove(*lowest)
		delete(mp.contents, mempoolKey{sender: lowest.Sender, rp: lowest.ReplayProtector})
		return true
	}
	if sender, seq, digest, ok := mp.parking.GetPoppable(); ok {
		mp.parking.Remove(sender, seq, digest)
		delete(mp.contents, mempoolKey{sender: sender, rp: seq})
		return true
	}
	return false
}

// GC sweeps TTL-expired entries and removes them from the content store,
// the priority index and the parking lot; the append-only timelines keep
// their entries. Returns the number of expired TTL entries swept.
func (mp *Mempool) GC(now time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	expired := mp.ttl.GC(now)
	for _, e := range expired {
		key := mempoolKey{sender: e.Sender, rp: e.ReplayProtector}
		tx, ok := mp.contents[key]
		if !ok {
			continue
		}
		mp.priority.Remove(mempooltypes.KeyOf(tx))
		mp.parking.Remove(e.Sender, e.ReplayProtector, tx.Digest)
		delete(mp.contents, key)
	}
	return len(expired)
}

// PullPayload returns up to maxTxns highest-priority ready transactions
// whose combined serialized payload does not exceed maxBytes (the first
// transaction is always taken, even if its payload alone is larger), per the
// PayloadClient interface in spec.md §6 (a narrowed form: vtxn filters,
// inline-item splits and recency windows are external-transport concerns
// out of scope here).
func (mp *Mempool) PullPayload(maxTxns int, maxBytes int) []*mempooltypes.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	out := make([]*mempooltypes.Transaction, 0, maxTxns)
	totalBytes := 0
	mp.priority.Highest(func(key mempooltypes.PriorityKey) bool {
		if len(out) >= maxTxns {
			return false
		}
		tx, ok := mp.contents[mempoolKey{sender: key.Sender, rp: key.ReplayProtector}]
		if !ok {
			return true
		}
		if totalBytes+len(tx.Payload) > maxBytes && len(out) > 0 {
			return true
		}
		out = append(out, tx)
		totalBytes += len(tx.Payload)
		return true
	})
	return out
}

// ReadTimeline exposes the plain timeline index's read per spec.md §6.
func (mp *Mempool) ReadTimeline(afterID uint64, count int, beforeInstant *time.Time) []TimelineEntry {
	return mp.timeline.ReadTimeline(afterID, count, beforeInstant)
}

// ReadBucketedTimeline exposes the multi-bucket timeline's read.
func (mp *Mempool) ReadBucketedTimeline(afterIDs []uint64, count int, beforeInstant *time.Time) [][]TimelineEntry {
	return mp.buckets.Read(afterIDs, count, beforeInstant)
}

// ParkingLotViolations reports how many parking-lot invariant violations
// have been refused, for diagnostics (spec.md §9).
func (mp *Mempool) ParkingLotViolations() uint64 {
	return mp.parking.ViolationCount()
}

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("transaction not found in mempool")
