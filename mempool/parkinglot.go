package mempool

import (
	"math/rand"
	"sync"

	"github.com/shoallabs/shoalnode/logger"
	"github.com/shoallabs/shoalnode/mempool/mempooltypes"
)

var log, _ = logger.Get(logger.SubsystemTags.MEMP)

// parkedEntry is one sequence-number transaction sitting in the parking
// lot, waiting for the sequence gap ahead of it to fill.
type parkedEntry struct {
	sequenceNumber uint64
	digest         mempooltypes.Digest
}

func (e parkedEntry) less(other lessThan) bool {
	o := other.(parkedEntry)
	if e.sequenceNumber != o.sequenceNumber {
		return e.sequenceNumber < o.sequenceNumber
	}
	return string(e.digest[:]) < string(o.digest[:])
}

// ParkingLot holds admitted sequence-number transactions that are not yet
// immediately executable because of a sequence gap (spec.md §4.1).
// Orderless (nonce) transactions never park.
//
// Invariant: every entry in bySender has a nonempty sequence set, and
// every sender present in bySender is also present in senders (the
// auxiliary vector used for random eviction). A violation increments
// violationCount and the call that would have caused it is refused
// rather than corrupting the structure.
type ParkingLot struct {
	mu            sync.Mutex
	bySender      map[mempooltypes.Address]*orderedSet
	senders       []mempooltypes.Address
	senderIndex   map[mempooltypes.Address]int
	violationCount uint64
	// debugAssertOnViolation makes a parking-lot invariant violation
	// panic instead of silently incrementing the counter. Off by
	// default, matching the original's "continues silently" behavior,
	// which spec.md §9 flags as being of unclear intent.
	debugAssertOnViolation bool
}

// NewParkingLot constructs an empty parking lot.
func NewParkingLot() *ParkingLot {
	return &ParkingLot{
		bySender:    make(map[mempooltypes.Address]*orderedSet),
		senderIndex: make(map[mempooltypes.Address]int),
	}
}

// SetDebugAssertOnViolation toggles the debug-mode assertion described in
// spec.md §9's open question about the parking-lot violation branch.
func (p *ParkingLot) SetDebugAssertOnViolation(assert bool) {
	p.debugAssertOnViolation = assert
}

// ViolationCount returns how many invariant-violating inserts have been
// refused.
func (p *ParkingLot) ViolationCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violationCount
}

// Insert parks a sequence-number transaction under its sender.
func (p *ParkingLot) Insert(tx *mempooltypes.Transaction) {
	if !tx.ReplayProtector.IsSequenced() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	set, hasSet := p.bySender[tx.Sender]
	_, hasIndex := p.senderIndex[tx.Sender]
	if hasSet != hasIndex {
		// account present in one structure but missing from the other:
		// the parking-lot invariant is already broken. Refuse rather
		// than compound the corruption.
		p.violationCount++
		if p.debugAssertOnViolation {
			panic("parking lot invariant violated: sender present in one of bySender/senders but not the other")
		}
		return
	}

	if !hasSet {
		set = newOrderedSet()
		p.bySender[tx.Sender] = set
		p.senderIndex[tx.Sender] = len(p.senders)
		p.senders = append(p.senders, tx.Sender)
	}
	set.Insert(parkedEntry{sequenceNumber: tx.ReplayProtector.Value, digest: tx.Digest})
}

// Remove unparks a transaction. Reports whether it was present.
func (p *ParkingLot) Remove(sender mempooltypes.Address, sequenceNumber uint64, digest mempooltypes.Digest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.bySender[sender]
	if !ok {
		return false
	}
	removed := set.Remove(parkedEntry{sequenceNumber: sequenceNumber, digest: digest})
	if removed && set.Len() == 0 {
		p.removeSenderLocked(sender)
	}
	return removed
}

func (p *ParkingLot) removeSenderLocked(sender mempooltypes.Address) {
	idx, ok := p.senderIndex[sender]
	if !ok {
		return
	}
	last := len(p.senders) - 1
	p.senders[idx] = p.senders[last]
	p.senderIndex[p.senders[idx]] = idx
	p.senders = p.senders[:last]
	delete(p.senderIndex, sender)
	delete(p.bySender, sender)
}

// GetPoppable returns a uniformly random sender's highest-sequence entry
// for eviction under memory pressure, or false if the parking lot is
// empty.
func (p *ParkingLot) GetPoppable() (sender mempooltypes.Address, sequenceNumber uint64, digest mempooltypes.Digest, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.senders) == 0 {
		return mempooltypes.Address{}, 0, mempooltypes.Digest{}, false
	}
	sender = p.senders[rand.Intn(len(p.senders))]
	set := p.bySender[sender]
	var highest *parkedEntry
	set.Descending(func(k lessThan) bool {
		e := k.(parkedEntry)
		highest = &e
		return false
	})
	if highest == nil {
		return mempooltypes.Address{}, 0, mempooltypes.Digest{}, false
	}
	return sender, highest.sequenceNumber, highest.digest, true
}

// Len returns the number of senders currently parked.
func (p *ParkingLot) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.senders)
}
