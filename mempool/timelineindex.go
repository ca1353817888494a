package mempool

import (
	"sync"
	"time"

	"github.com/shoallabs/shoalnode/mempool/mempooltypes"
)

// TimelineEntry is one gossip-broadcast record: who sent what, and when it
// was locally admitted.
type TimelineEntry struct {
	Sender          mempooltypes.Address
	ReplayProtector mempooltypes.ReplayProtector
	InsertionInstant time.Time
}

// TimelineIndex is the append-only timeline_id -> entry map described in
// spec.md §4.1. Only transactions that are immediately executable (no
// sequence gap) are ever appended here; gapped transactions live in the
// ParkingLot instead.
type TimelineIndex struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]TimelineEntry
	// ids holds assigned timeline ids in ascending order, so
	// read_timeline can binary-search for "after_id" without scanning
	// the whole map.
	ids []uint64
}

// NewTimelineIndex constructs an empty timeline index.
func NewTimelineIndex() *TimelineIndex {
	return &TimelineIndex{entries: make(map[uint64]TimelineEntry)}
}

// Add assigns tx a fresh, strictly monotonic timeline id and records it.
// Returns the assigned id.
func (ti *TimelineIndex) Add(tx *mempooltypes.Transaction, now time.Time) uint64 {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.nextID++
	id := ti.nextID
	ti.entries[id] = TimelineEntry{
		Sender:           tx.Sender,
		ReplayProtector:  tx.ReplayProtector,
		InsertionInstant: now,
	}
	ti.ids = append(ti.ids, id)
	return id
}

// ReadTimeline returns the next count entries past afterID, in ascending
// id order, optionally excluding entries inserted at or after
// beforeInstant.
func (ti *TimelineIndex) ReadTimeline(afterID uint64, count int, beforeInstant *time.Time) []TimelineEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	start := sortSearchIDs(ti.ids, afterID)
	out := make([]TimelineEntry, 0, count)
	for _, id := range ti.ids[start:] {
		if len(out) >= count {
			break
		}
		entry, ok := ti.entries[id]
		if !ok {
			continue
		}
		if beforeInstant != nil && !entry.InsertionInstant.Before(*beforeInstant) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// TimelineRange returns the entries with id in [from, to).
func (ti *TimelineIndex) TimelineRange(from, to uint64) []TimelineEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	start := 0
	if from > 0 {
		start = sortSearchIDs(ti.ids, from-1)
	}
	out := make([]TimelineEntry, 0)
	for _, id := range ti.ids[start:] {
		if id >= to {
			break
		}
		if entry, ok := ti.entries[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

func sortSearchIDs(ids []uint64, afterID uint64) int {
	lo, hi := 0, len(ids)
	for lo < hi {
		mid := (lo + hi) / 2
		if ids[mid] <= afterID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// MultiBucketTimelineIndex partitions timelines by ranking-score bucket,
// ascending bucket minimums, so bandwidth-constrained reads can prefer
// high-fee transactions (spec.md §4.1 "Multi-Bucket Timeline").
type MultiBucketTimelineIndex struct {
	bucketMinimums []uint64 // ascending, bucketMinimums[0] == 0
	buckets        []*TimelineIndex
}

// NewMultiBucketTimelineIndex constructs buckets from ascending minimum
// ranking-score thresholds. The first threshold must be 0.
func NewMultiBucketTimelineIndex(bucketMinimums []uint64) *MultiBucketTimelineIndex {
	buckets := make([]*TimelineIndex, len(bucketMinimums))
	for i := range buckets {
		buckets[i] = NewTimelineIndex()
	}
	return &MultiBucketTimelineIndex{bucketMinimums: bucketMinimums, buckets: buckets}
}

// bucketFor returns the index of the highest bucket whose minimum is <=
// score.
func (m *MultiBucketTimelineIndex) bucketFor(score uint64) int {
	idx := 0
	for i, min := range m.bucketMinimums {
		if score >= min {
			idx = i
		}
	}
	return idx
}

// Add assigns tx a timeline id within its ranking-score bucket.
func (m *MultiBucketTimelineIndex) Add(tx *mempooltypes.Transaction, now time.Time) (bucket int, id uint64) {
	bucket = m.bucketFor(tx.RankingScore)
	id = m.buckets[bucket].Add(tx, now)
	return
}

// Read traverses buckets high-to-low, filling a single count budget
// across buckets, and returns one slice of entries per bucket consulted
// (empty buckets included) so callers can recover which bucket each
// batch came from, matching the Vec<Vec<...>> shape of
// read_timeline(bucket_ids, ...) in spec.md §6.
func (m *MultiBucketTimelineIndex) Read(afterIDs []uint64, count int, beforeInstant *time.Time) [][]TimelineEntry {
	out := make([][]TimelineEntry, len(m.buckets))
	remaining := count
	for i := len(m.buckets) - 1; i >= 0 && remaining > 0; i-- {
		after := uint64(0)
		if i < len(afterIDs) {
			after = afterIDs[i]
		}
		entries := m.buckets[i].ReadTimeline(after, remaining, beforeInstant)
		out[i] = entries
		remaining -= len(entries)
	}
	return out
}
