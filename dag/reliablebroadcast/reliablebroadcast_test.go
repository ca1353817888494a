package reliablebroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shoallabs/shoalnode/dag/reliablebroadcast/transporttest"
)

// httpTransport sends each message as a POST to the test server's
// per-peer ack endpoint, decoding the JSON reply as the ack payload.
type httpTransport struct {
	baseURL string
}

func (t *httpTransport) Send(ctx context.Context, peer PeerID, message interface{}) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/ack/%s", t.baseURL, peer), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestMulticastReachesQuorum(t *testing.T) {
	server := transporttest.NewServer()
	defer server.Close()

	peers := []PeerID{"a", "b", "c", "d"}
	stake := map[PeerID]uint32{"a": 2500, "b": 2500, "c": 2500, "d": 2500}
	agg := NewQuorumAggregator(stake, 7500) // 2f+1 of 4 validators (f=1) -> 3 shares

	backoff := BackoffPolicy{Base: time.Millisecond, Factor: 2, Max: 50 * time.Millisecond, RPCTimeout: time.Second}
	_, err := Multicast(context.Background(), &httpTransport{baseURL: server.URL()}, "node", peers, agg, backoff)
	if err != nil {
		t.Fatalf("multicast: %v", err)
	}
}

func TestMulticastRetriesThroughFailure(t *testing.T) {
	server := transporttest.NewServer()
	defer server.Close()
	server.SetFail("a", true)

	peers := []PeerID{"a", "b", "c"}
	stake := map[PeerID]uint32{"a": 3400, "b": 3300, "c": 3300}
	agg := NewQuorumAggregator(stake, 6600)

	backoff := BackoffPolicy{Base: time.Millisecond, Factor: 1.5, Max: 20 * time.Millisecond, RPCTimeout: 500 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		Multicast(context.Background(), &httpTransport{baseURL: server.URL()}, "node", peers, agg, backoff)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("multicast did not complete despite b+c quorum")
	}
}

func TestOrderPeersDescendingLatency(t *testing.T) {
	peers := []PeerID{"fast", "slow", "mid"}
	latencies := PingLatencies{"fast": 10 * time.Millisecond, "slow": 200 * time.Millisecond, "mid": 50 * time.Millisecond}
	ordered := OrderPeers(peers, latencies)
	want := []PeerID{"slow", "mid", "fast"}
	for i := range want {
		if ordered[i] != want[i] {
			t.Fatalf("peer order = %v, want %v", ordered, want)
		}
	}
}

func TestQuorumAggregatorIdempotentOnDuplicateAck(t *testing.T) {
	stake := map[PeerID]uint32{"a": 5000, "b": 5000}
	agg := NewQuorumAggregator(stake, 5000)

	if done := agg.Observe(Ack{Peer: "a"}); !done {
		t.Fatalf("expected quorum reached after peer a alone")
	}
	// duplicate ack from the same peer must not double-count or change
	// the outcome.
	if done := agg.Observe(Ack{Peer: "a"}); !done {
		t.Fatalf("expected duplicate ack to be a no-op, still done")
	}
	results := agg.Result().([]interface{})
	if len(results) != 1 {
		t.Fatalf("expected exactly one recorded share, got %d", len(results))
	}
}
