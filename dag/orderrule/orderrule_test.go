package orderrule

import (
	"testing"

	"github.com/shoallabs/shoalnode/dag/dagstore"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
)

func digest(b byte) dagtypes.Digest {
	var d dagtypes.Digest
	d[0] = b
	return d
}

func author(b byte) dagtypes.Author {
	var a dagtypes.Author
	a[0] = b
	return a
}

func insertCert(t *testing.T, store *dagstore.Store, round dagtypes.Round, auth dagtypes.Author, dig dagtypes.Digest, parents []dagtypes.Digest, stakeBps uint32) *dagtypes.Certificate {
	t.Helper()
	cert := &dagtypes.Certificate{
		Node: dagtypes.Node{
			Round:   round,
			Author:  auth,
			Parents: parents,
		},
		Digest:         dig,
		SignerStakeBps: stakeBps,
	}
	if err := store.Insert(cert); err != nil {
		t.Fatalf("insert round %d author %x: %v", round, auth, err)
	}
	return cert
}

func TestLinearizeOrdersCausally(t *testing.T) {
	store := dagstore.New(10)

	r1a := insertCert(t, store, 1, author(1), digest(1), nil, 3400)
	r1b := insertCert(t, store, 1, author(2), digest(2), nil, 3300)
	insertCert(t, store, 1, author(3), digest(3), nil, 3300)

	anchor := insertCert(t, store, 2, author(1), digest(10), []dagtypes.Digest{r1a.Digest, r1b.Digest}, 6700)

	rule := New(0, store, func(round dagtypes.Round, strongLinks []*dagtypes.Certificate) *dagtypes.Certificate {
		for _, c := range strongLinks {
			if c.Digest == anchor.Digest {
				return c
			}
		}
		return nil
	})

	info, ok := rule.ProcessNewNode(2)
	if !ok {
		t.Fatalf("expected round 2 to commit")
	}
	if len(info.OrderedNodes) != 3 {
		t.Fatalf("expected 3 ordered nodes (2 parents + anchor), got %d", len(info.OrderedNodes))
	}
	// parents must precede the anchor: round ascending.
	for i := 0; i < len(info.OrderedNodes)-1; i++ {
		if info.OrderedNodes[i].Node.Round > info.OrderedNodes[i+1].Node.Round {
			t.Fatalf("ordering is not round-ascending at index %d", i)
		}
	}
	if info.OrderedNodes[len(info.OrderedNodes)-1].Digest != anchor.Digest {
		t.Fatalf("expected anchor to be ordered last")
	}
}

func TestSecondAnchorOnlyYieldsNovelSuffix(t *testing.T) {
	store := dagstore.New(10)

	r1a := insertCert(t, store, 1, author(1), digest(1), nil, 3400)
	r1b := insertCert(t, store, 1, author(2), digest(2), nil, 3300)
	insertCert(t, store, 1, author(3), digest(3), nil, 3300)

	anchor1 := insertCert(t, store, 2, author(1), digest(10), []dagtypes.Digest{r1a.Digest, r1b.Digest}, 6700)
	anchor2 := insertCert(t, store, 3, author(2), digest(20), []dagtypes.Digest{anchor1.Digest}, 6700)

	callCount := 0
	selector := func(round dagtypes.Round, strongLinks []*dagtypes.Certificate) *dagtypes.Certificate {
		callCount++
		want := anchor1.Digest
		if round == 3 {
			want = anchor2.Digest
		}
		for _, c := range strongLinks {
			if c.Digest == want {
				return c
			}
		}
		return nil
	}
	rule := New(0, store, selector)

	if _, ok := rule.ProcessNewNode(2); !ok {
		t.Fatalf("expected round 2 to commit")
	}
	info, ok := rule.ProcessNewNode(3)
	if !ok {
		t.Fatalf("expected round 3 to commit")
	}
	if len(info.OrderedNodes) != 1 {
		t.Fatalf("expected only the novel anchor2 node, got %d nodes", len(info.OrderedNodes))
	}
	if info.OrderedNodes[0].Digest != anchor2.Digest {
		t.Fatalf("expected anchor2 as the sole novel node")
	}
}

func TestProcessAllRetriesPendingRounds(t *testing.T) {
	store := dagstore.New(10)
	insertCert(t, store, 1, author(1), digest(1), nil, 3400)

	ready := false
	rule := New(0, store, func(round dagtypes.Round, strongLinks []*dagtypes.Certificate) *dagtypes.Certificate {
		if !ready {
			return nil
		}
		return strongLinks[0]
	})

	if _, ok := rule.ProcessNewNode(1); ok {
		t.Fatalf("expected round 1 to not yet commit")
	}
	ready = true
	results := rule.ProcessAll()
	if len(results) != 1 {
		t.Fatalf("expected ProcessAll to commit the previously pending round, got %d results", len(results))
	}
}
