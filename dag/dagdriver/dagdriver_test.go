package dagdriver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoallabs/shoalnode/dag/dagstore"
	"github.com/shoallabs/shoalnode/dag/dagstore/diskshim"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/dag/reliablebroadcast"
)

// fakeTransport immediately acks every send with a "sig-<peer>" signature
// share, so Multicast completes as soon as the aggregator's threshold is met.
type fakeTransport struct{}

func (fakeTransport) Send(ctx context.Context, peer reliablebroadcast.PeerID, message interface{}) (interface{}, error) {
	return []byte("sig-" + string(peer)), nil
}

type fakePayloadClient struct{}

func (fakePayloadClient) PullPayload(ctx context.Context, maxTxns, maxBytes int, exclude func(dagtypes.Digest) bool) ([]byte, []dagtypes.Digest, error) {
	return []byte("payload"), nil, nil
}

func newTestDriver(t *testing.T, author dagtypes.Author) (*Driver, *dagstore.Store, *diskshim.Storage) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dagdriver-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	storage, err := diskshim.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open diskshim: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	store := dagstore.New(10)

	health := &HealthBackoff{
		BaseMinRoundDelay: time.Millisecond,
		MaxMinRoundDelay:  5 * time.Millisecond,
		BaseMaxTxns:       100,
		MinMaxTxns:        10,
		BaseMaxBytes:      4096,
		MinMaxBytes:       512,
	}

	cfg := Config{
		Epoch:          1,
		Author:         author,
		QuorumStakeBps: 6700,
		WindowSize:     10,
		Peers:          []reliablebroadcast.PeerID{"b", "c", "d"},
		Backoff:        reliablebroadcast.BackoffPolicy{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond, RPCTimeout: time.Second},
	}

	driver, err := New(cfg, store, fakeTransport{}, fakePayloadClient{}, storage, health)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return driver, store, storage
}

func quorumAggregator() reliablebroadcast.Aggregator {
	stake := map[reliablebroadcast.PeerID]uint32{"b": 3300, "c": 3300, "d": 3400}
	return reliablebroadcast.NewQuorumAggregator(stake, 6700)
}

func TestRunRoundFormsAndInsertsOwnCertificate(t *testing.T) {
	var author dagtypes.Author
	author[0] = 1
	driver, store, _ := newTestDriver(t, author)

	cert, err := driver.RunRound(context.Background(), quorumAggregator)
	if err != nil {
		t.Fatalf("run round: %v", err)
	}
	if cert.Node.Round != 1 {
		t.Fatalf("expected round 1, got %d", cert.Node.Round)
	}
	if _, ok := store.Get(cert.Digest); !ok {
		t.Fatalf("expected own certificate to be present in the store")
	}
	if driver.CurrentRound() <= 1 {
		t.Fatalf("expected driver to advance past round 1, still at %d", driver.CurrentRound())
	}
}

func TestEntryRejectsRoundTwoWithoutStrongLinks(t *testing.T) {
	var author dagtypes.Author
	author[0] = 2
	driver, _, _ := newTestDriver(t, author)

	driver.mu.Lock()
	driver.currentRound = 2
	driver.mu.Unlock()

	_, err := driver.RunRound(context.Background(), quorumAggregator)
	if err == nil {
		t.Fatalf("expected entry to reject round 2 without round-1 strong links")
	}
}

func TestIngressRejectsMissingParents(t *testing.T) {
	var author dagtypes.Author
	author[0] = 3
	driver, _, _ := newTestDriver(t, author)

	var missing dagtypes.Digest
	missing[0] = 0xFF
	cert := &dagtypes.Certificate{
		Node: dagtypes.Node{
			Round:   2,
			Author:  author,
			Parents: []dagtypes.Digest{missing},
		},
	}

	err := driver.Ingress(CertifiedNodeMessage{Certificate: cert})
	if err == nil {
		t.Fatalf("expected ingress to reject a certificate with a missing parent")
	}
	if !isMissingParentsErr(err) {
		t.Fatalf("expected ErrMissingParents, got: %v", err)
	}
}

func isMissingParentsErr(err error) bool {
	for err != nil {
		if err == ErrMissingParents {
			return true
		}
		type causer interface{ Cause() error }
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}

func TestResumesPendingNodeAcrossRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "dagdriver-resume-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(dir)

	storage, err := diskshim.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open diskshim: %v", err)
	}

	var author dagtypes.Author
	author[0] = 4
	pendingNode := &dagtypes.Node{Round: 5, Author: author, Payload: []byte("resumed")}
	if err := storage.SavePendingNode(pendingNode); err != nil {
		t.Fatalf("save pending node: %v", err)
	}
	storage.Close()

	storage, err = diskshim.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("reopen diskshim: %v", err)
	}
	defer storage.Close()

	store := dagstore.New(10)
	health := &HealthBackoff{BaseMinRoundDelay: time.Millisecond, MaxMinRoundDelay: time.Millisecond, BaseMaxTxns: 10, MinMaxTxns: 10, BaseMaxBytes: 100, MinMaxBytes: 100}
	cfg := Config{Epoch: 1, Author: author, QuorumStakeBps: 6700, WindowSize: 10}

	driver, err := New(cfg, store, fakeTransport{}, fakePayloadClient{}, storage, health)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if driver.CurrentRound() != 5 {
		t.Fatalf("expected resumed round 5, got %d", driver.CurrentRound())
	}
}
