// Package orderrule implements the anchor-selection and causal-history
// linearization rule from spec.md §4.3: given a round with a selected
// anchor, produce a deterministic ordering of the sub-DAG reachable from
// it that hasn't already been committed by a prior anchor.
//
// Grounded on the teacher's domain/consensus/processes/ghostdagmanager:
// a manager holding a store dependency and a pure ordering function over
// the DAG's parent relation, generalized here from GHOSTDAG's blue-set
// selection to Shoal++'s anchor/causal-history selection.
package orderrule

import (
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.ORDR)

// Store is the subset of dagstore.Store the order rule depends on.
type Store interface {
	GetStrongLinksForRound(round dagtypes.Round) []*dagtypes.Certificate
	Get(digest dagtypes.Digest) (*dagtypes.Certificate, bool)
	Reachable(fromSet []*dagtypes.Certificate, untilRound dagtypes.Round, filter func(*dagtypes.Certificate) bool) []*dagtypes.Certificate
}

// AnchorSelector chooses the anchor certificate for a round from its
// strong-links set. The selection policy (e.g. the leader-reputation
// scheme Shoal++ layers on top of plain round-robin) lives outside this
// package; orderrule only consumes its output.
type AnchorSelector func(round dagtypes.Round, strongLinks []*dagtypes.Certificate) *dagtypes.Certificate

// ShoalppOrderBlocksInfo is emitted downstream once an anchor commits
// (spec.md §4.3).
type ShoalppOrderBlocksInfo struct {
	DAGID        int
	OrderedNodes []*dagtypes.Certificate
	FailedAuthor []dagtypes.Author
}

// Rule tracks which certificates have already been committed by a prior
// anchor, so that a later anchor's causal history only yields its novel
// suffix.
type Rule struct {
	dagID    int
	store    Store
	selector AnchorSelector

	committed        map[dagtypes.Digest]bool
	lastAnchorRound  dagtypes.Round
	pendingRounds    []dagtypes.Round // rounds awaiting re-evaluation after a late fetch
}

// New constructs an order rule for one DAG instance.
func New(dagID int, store Store, selector AnchorSelector) *Rule {
	return &Rule{
		dagID:     dagID,
		store:     store,
		selector:  selector,
		committed: make(map[dagtypes.Digest]bool),
	}
}

// ProcessNewNode re-evaluates anchor selection for round, triggered when a
// late node fills a gap in the DAG (spec.md §4.3 process_new_node).
func (r *Rule) ProcessNewNode(round dagtypes.Round) (*ShoalppOrderBlocksInfo, bool) {
	info, ok := r.tryCommitRound(round)
	if !ok {
		r.pendingRounds = append(r.pendingRounds, round)
	}
	return info, ok
}

// ProcessAll re-scans every round left pending by a prior failed fetch,
// returning one ShoalppOrderBlocksInfo per round that now commits
// (spec.md §4.3 process_all).
func (r *Rule) ProcessAll() []*ShoalppOrderBlocksInfo {
	var results []*ShoalppOrderBlocksInfo
	var stillPending []dagtypes.Round
	for _, round := range r.pendingRounds {
		if info, ok := r.tryCommitRound(round); ok {
			results = append(results, info)
		} else {
			stillPending = append(stillPending, round)
		}
	}
	r.pendingRounds = stillPending
	return results
}

// tryCommitRound selects round's anchor (if its strong-links set is
// complete) and linearizes the novel portion of its causal history.
func (r *Rule) tryCommitRound(round dagtypes.Round) (*ShoalppOrderBlocksInfo, bool) {
	strongLinks := r.store.GetStrongLinksForRound(round)
	if len(strongLinks) == 0 {
		return nil, false
	}
	anchor := r.selector(round, strongLinks)
	if anchor == nil {
		return nil, false
	}

	ordered := r.linearize(anchor)
	if ordered == nil {
		return nil, false // no ordering produced; the round stays pending for ProcessAll
	}

	info := &ShoalppOrderBlocksInfo{DAGID: r.dagID, OrderedNodes: ordered}
	for _, c := range ordered {
		r.committed[c.Digest] = true
	}
	if round > r.lastAnchorRound {
		r.lastAnchorRound = round
	}
	log.Debugf("dag %d committed anchor at round %d with %d nodes", r.dagID, round, len(ordered))
	return info, true
}

// linearize performs the deterministic ordering of the sub-DAG reachable
// from anchor that isn't already committed, tie-breaking siblings by
// (author, digest) (spec.md §4.3). Parent digests the store cannot
// resolve are skipped by the walk, so the result covers only the part of
// the causal history that is present; a missing dependency is not
// detected here and the result is never nil.
func (r *Rule) linearize(anchor *dagtypes.Certificate) []*dagtypes.Certificate {
	novel := r.store.Reachable([]*dagtypes.Certificate{anchor}, 1, func(c *dagtypes.Certificate) bool {
		return !r.committed[c.Digest]
	})

	// Reachable yields round-descending order; the commit sequence must
	// be causal (parents before children), so reverse into round-ascending
	// while preserving the (author, digest) tie-break within a round.
	ordered := make([]*dagtypes.Certificate, len(novel))
	for i, c := range novel {
		ordered[len(novel)-1-i] = c
	}
	stableSortByRoundThenAuthorDigest(ordered)
	return ordered
}

// stableSortByRoundThenAuthorDigest orders certificates by round
// ascending, then within a round by (author, digest) ascending.
func stableSortByRoundThenAuthorDigest(certs []*dagtypes.Certificate) {
	for i := 1; i < len(certs); i++ {
		j := i
		for j > 0 && less(certs[j], certs[j-1]) {
			certs[j], certs[j-1] = certs[j-1], certs[j]
			j--
		}
	}
}

func less(a, b *dagtypes.Certificate) bool {
	if a.Node.Round != b.Node.Round {
		return a.Node.Round < b.Node.Round
	}
	if a.Node.Author != b.Node.Author {
		return a.Node.Author.Less(b.Node.Author)
	}
	return a.Digest.Less(b.Digest)
}
