// Package reliablebroadcast implements the at-least-once multicast with
// quorum-certificate collection from spec.md §4.2. Grounded on the
// teacher's netadapter/router.Route: a channel-backed queue per peer with
// a timeout-bounded dequeue, generalized here into a per-peer
// acknowledgement channel driven by a retrying sender goroutine.
package reliablebroadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.RBRD)

// ErrTimeout signifies an RPC ack didn't arrive before the backoff's
// current timeout elapsed.
var ErrTimeout = errors.New("reliable broadcast: rpc timeout")

// ErrAborted signifies the multicast's context was cancelled (window
// eviction, shutdown) before the aggregator declared completion.
var ErrAborted = errors.New("reliable broadcast: aborted")

// PeerID identifies a multicast recipient. Network addressing is out of
// scope; this is an opaque comparable handle.
type PeerID string

// BackoffPolicy is the exponential backoff used between RPC retries to a
// single peer (spec.md §4.2).
type BackoffPolicy struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	RPCTimeout time.Duration
}

// next returns the backoff delay for the given retry attempt (0-indexed).
func (b BackoffPolicy) next(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	delay := time.Duration(d)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Ack is a peer's acknowledgement of a multicast message, as observed by
// the aggregator (e.g. a signature share for a node broadcast, or a
// plain ack for a certificate broadcast).
type Ack struct {
	Peer    PeerID
	Payload interface{}
}

// Aggregator decides when a multicast has achieved its goal (a quorum
// certificate formed, or every peer acknowledged) and is responsible for
// dropping duplicate acks idempotently.
type Aggregator interface {
	// Observe records an ack. Returns true once the aggregator's
	// completion condition is met.
	Observe(ack Ack) (done bool)
	// Result returns the aggregator's final output once Observe has
	// returned true.
	Result() interface{}
}

// Transport sends a message to a single peer and returns its ack, or an
// error. The wire format and transport itself are out of scope
// (spec.md §1); this is the seam a real RPC/gossip layer plugs into.
type Transport interface {
	Send(ctx context.Context, peer PeerID, message interface{}) (interface{}, error)
}

// PingLatencies maps a peer to its most recently observed RTT, used to
// order peers for multicast: slow peers are serviced first to maximize
// the chance of making quorum on time (spec.md §4.2).
type PingLatencies map[PeerID]time.Duration

// OrderPeers returns peers sorted by descending observed ping latency.
func OrderPeers(peers []PeerID, latencies PingLatencies) []PeerID {
	ordered := make([]PeerID, len(peers))
	copy(ordered, peers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return latencies[ordered[i]] > latencies[ordered[j]]
	})
	return ordered
}

// Multicast sends message to every peer in peerOrder concurrently,
// retrying each with the given backoff policy until the aggregator
// declares completion, ctx is cancelled, or every peer has acknowledged
// without the aggregator completing (then the partial result is returned
// with a nil error). Retries to a peer are not capped: a peer that keeps
// failing is retried until its ack arrives or ctx is done.
//
// The protocol is idempotent: the aggregator is responsible for
// dropping duplicate acks, so at-least-once delivery here never
// double-counts.
func Multicast(ctx context.Context, transport Transport, message interface{}, peerOrder []PeerID, aggregator Aggregator, backoff BackoffPolicy) (interface{}, error) {
	doneCh := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, peer := range peerOrder {
		wg.Add(1)
		go func(peer PeerID) {
			defer wg.Done()
			sendWithRetry(ctx, transport, message, peer, backoff, func(ack Ack) {
				mu.Lock()
				done := aggregator.Observe(ack)
				mu.Unlock()
				if done {
					once.Do(func() { close(doneCh) })
				}
			})
		}(peer)
	}

	waitAllDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitAllDone)
	}()

	select {
	case <-doneCh:
		cancel()
		return aggregator.Result(), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ErrAborted, ctx.Err().Error())
	case <-waitAllDone:
		mu.Lock()
		defer mu.Unlock()
		return aggregator.Result(), nil
	}
}

func sendWithRetry(ctx context.Context, transport Transport, message interface{}, peer PeerID, backoff BackoffPolicy, onAck func(Ack)) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rpcCtx, cancel := context.WithTimeout(ctx, backoff.RPCTimeout)
		payload, err := transport.Send(rpcCtx, peer, message)
		cancel()
		if err == nil {
			onAck(Ack{Peer: peer, Payload: payload})
			return
		}
		log.Debugf("multicast to %s failed (attempt %d): %s", peer, attempt, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.next(attempt)):
		}
		attempt++
	}
}
