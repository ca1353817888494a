package reliablebroadcast

import "sync"

// QuorumAggregator completes a node-broadcast multicast once signature
// shares from >= quorumStakeBps (in basis points) of stake have been
// observed, forming a certificate (spec.md §4.2). Duplicate acks from
// the same peer are dropped, making the aggregator idempotent under
// at-least-once delivery.
type QuorumAggregator struct {
	mu             sync.Mutex
	stakeByPeer    map[PeerID]uint32
	quorumStakeBps uint32

	seen       map[PeerID]bool
	totalStake uint32
	shares     []interface{}
}

// NewQuorumAggregator constructs an aggregator over the given per-peer
// stake weights (basis points of total stake).
func NewQuorumAggregator(stakeByPeer map[PeerID]uint32, quorumStakeBps uint32) *QuorumAggregator {
	return &QuorumAggregator{
		stakeByPeer:    stakeByPeer,
		quorumStakeBps: quorumStakeBps,
		seen:           make(map[PeerID]bool),
	}
}

// Observe records a signature share. Returns true once accumulated stake
// reaches the quorum threshold.
func (a *QuorumAggregator) Observe(ack Ack) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen[ack.Peer] {
		return a.totalStake >= a.quorumStakeBps
	}
	a.seen[ack.Peer] = true
	a.totalStake += a.stakeByPeer[ack.Peer]
	a.shares = append(a.shares, ack.Payload)
	return a.totalStake >= a.quorumStakeBps
}

// Result returns every signature share observed so far.
func (a *QuorumAggregator) Result() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]interface{}, len(a.shares))
	copy(out, a.shares)
	return out
}

// AllAcksAggregator completes a certified-node broadcast once every peer
// in the known set has acknowledged, per spec.md §4.2.
type AllAcksAggregator struct {
	mu   sync.Mutex
	need map[PeerID]bool
	left int
}

// NewAllAcksAggregator constructs an aggregator waiting on acks from
// every peer in peers.
func NewAllAcksAggregator(peers []PeerID) *AllAcksAggregator {
	need := make(map[PeerID]bool, len(peers))
	for _, p := range peers {
		need[p] = true
	}
	return &AllAcksAggregator{need: need, left: len(need)}
}

// Observe records an ack. Returns true once every known peer has acked.
func (a *AllAcksAggregator) Observe(ack Ack) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.need[ack.Peer] {
		a.need[ack.Peer] = false
		a.left--
	}
	return a.left <= 0
}

// Result returns nil; AllAcksAggregator's value is purely "did everyone
// ack", observable via Observe's return.
func (a *AllAcksAggregator) Result() interface{} {
	return nil
}
