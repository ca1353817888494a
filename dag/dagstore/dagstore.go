// Package dagstore implements the persistent, round-indexed certificate
// DAG store from spec.md §3/§4.2: an append-only set of certificates
// keyed by (round, author) and indexed by digest, with a sliding
// round-window and a breadth-first reachability walk.
//
// Grounded on the teacher's domain/consensus/datastructures store
// family (ghostdagdatastore, blockrelationstore): a small struct behind
// a reader-writer lock, no staging/commit split since this store has no
// (out-of-scope) persistent-storage backend of its own in this
// repository — DAGStorage below models that boundary as an injected
// interface instead.
package dagstore

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.DAGS)

// ErrDuplicateCertificate is a local invariant violation per spec.md §7:
// the store never has two distinct certificates for the same
// (round, author).
var ErrDuplicateCertificate = errors.New("duplicate certificate for (round, author)")

// Filter decides whether a certificate should be yielded during a
// Reachable walk.
type Filter func(*dagtypes.Certificate) bool

// Store is a round-sharded, digest-indexed certificate DAG with a
// sliding window of windowSize rounds.
type Store struct {
	mu sync.RWMutex

	windowSize dagtypes.Round
	lowest     dagtypes.Round

	byRoundAuthor map[dagtypes.RoundAuthor]*dagtypes.Certificate
	byDigest      map[dagtypes.Digest]*dagtypes.Certificate
	byRound       map[dagtypes.Round]map[dagtypes.Author]*dagtypes.Certificate
}

// New constructs an empty store retaining windowSize rounds.
func New(windowSize dagtypes.Round) *Store {
	return &Store{
		windowSize:    windowSize,
		lowest:        1,
		byRoundAuthor: make(map[dagtypes.RoundAuthor]*dagtypes.Certificate),
		byDigest:      make(map[dagtypes.Digest]*dagtypes.Certificate),
		byRound:       make(map[dagtypes.Round]map[dagtypes.Author]*dagtypes.Certificate),
	}
}

// LowestRound returns the lowest round still retained by the store.
func (s *Store) LowestRound() dagtypes.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowest
}

// Insert adds a certificate. Panics with ErrDuplicateCertificate if the
// store already holds a (different) certificate for the same
// (round, author) — a local invariant violation per spec.md §7.
func (s *Store) Insert(cert *dagtypes.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cert.Node.Round < s.lowest {
		return errors.Errorf("round %d is below the retained window (lowest=%d)", cert.Node.Round, s.lowest)
	}

	ra := cert.RoundAuthor()
	if existing, ok := s.byRoundAuthor[ra]; ok {
		if existing.Digest == cert.Digest {
			return nil // idempotent re-insert of the same certificate
		}
		panic(errors.Wrapf(ErrDuplicateCertificate, "round=%d author=%x", ra.Round, ra.Author))
	}

	s.byRoundAuthor[ra] = cert
	s.byDigest[cert.Digest] = cert
	if s.byRound[ra.Round] == nil {
		s.byRound[ra.Round] = make(map[dagtypes.Author]*dagtypes.Certificate)
	}
	s.byRound[ra.Round][ra.Author] = cert
	return nil
}

// Get resolves a certificate by digest.
func (s *Store) Get(digest dagtypes.Digest) (*dagtypes.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byDigest[digest]
	return c, ok
}

// GetByRoundAuthor resolves a certificate by its (round, author) key.
func (s *Store) GetByRoundAuthor(round dagtypes.Round, author dagtypes.Author) (*dagtypes.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byRoundAuthor[dagtypes.RoundAuthor{Round: round, Author: author}]
	return c, ok
}

// HighestStrongLinksRound returns the highest round for which the store
// holds a quorum-worth of certificates ("strong links"), given the
// quorum-stake threshold in basis points.
func (s *Store) HighestStrongLinksRound(quorumStakeBps uint32) dagtypes.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var highest dagtypes.Round
	for round, certs := range s.byRound {
		var stake uint32
		for _, c := range certs {
			stake += c.SignerStakeBps
		}
		if stake >= quorumStakeBps && round > highest {
			highest = round
		}
	}
	return highest
}

// GetStrongLinksForRound returns every certificate stored at round.
func (s *Store) GetStrongLinksForRound(round dagtypes.Round) []*dagtypes.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	certs := s.byRound[round]
	out := make([]*dagtypes.Certificate, 0, len(certs))
	for _, c := range certs {
		out = append(out, c)
	}
	return out
}

// Reachable performs a breadth-first walk over parent edges starting
// from fromSet, down to (and including) untilRound, yielding certificates
// in a stable (round-descending, then author-ascending) order for which
// filter returns true (or all, if filter is nil).
func (s *Store) Reachable(fromSet []*dagtypes.Certificate, untilRound dagtypes.Round, filter Filter) []*dagtypes.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[dagtypes.Digest]bool)
	var frontier []*dagtypes.Certificate
	for _, c := range fromSet {
		if !visited[c.Digest] {
			visited[c.Digest] = true
			frontier = append(frontier, c)
		}
	}

	var out []*dagtypes.Certificate
	for len(frontier) > 0 {
		// stable order: sort the frontier each level by (round desc, author asc)
		sortCertsStable(frontier)

		var next []*dagtypes.Certificate
		for _, c := range frontier {
			if filter == nil || filter(c) {
				out = append(out, c)
			}
			if c.Node.Round <= untilRound {
				continue
			}
			for _, parentDigest := range c.Node.Parents {
				if visited[parentDigest] {
					continue
				}
				parent, ok := s.byDigest[parentDigest]
				if !ok {
					continue // pruned or not yet fetched; caller's ingress path handles fetches
				}
				visited[parentDigest] = true
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return out
}

func sortCertsStable(certs []*dagtypes.Certificate) {
	// insertion sort: frontiers are small (bounded by validator count
	// per round), so O(n^2) is negligible and keeps the sort stable
	// without pulling in sort.Slice's less-deterministic internals.
	for i := 1; i < len(certs); i++ {
		j := i
		for j > 0 && lessCert(certs[j], certs[j-1]) {
			certs[j], certs[j-1] = certs[j-1], certs[j]
			j--
		}
	}
}

func lessCert(a, b *dagtypes.Certificate) bool {
	if a.Node.Round != b.Node.Round {
		return a.Node.Round > b.Node.Round // descending
	}
	return a.Node.Author.Less(b.Node.Author)
}

// CommitCallback prunes every certificate with round <= round - windowSize.
func (s *Store) CommitCallback(round dagtypes.Round) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round <= s.windowSize {
		return
	}
	cutoff := round - s.windowSize
	if cutoff < s.lowest {
		return
	}
	for r := s.lowest; r <= cutoff; r++ {
		for _, c := range s.byRound[r] {
			delete(s.byRoundAuthor, c.RoundAuthor())
			delete(s.byDigest, c.Digest)
		}
		delete(s.byRound, r)
	}
	s.lowest = cutoff + 1
	log.Debugf("pruned DAG store to round > %d", cutoff)
}
