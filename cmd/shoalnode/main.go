// Command shoalnode wires the Shoal++ consensus core's DAG instances,
// mempool, and broadcast orchestrator into one runnable process. Network
// transport, signing, and persistent storage are out-of-scope
// collaborators (spec.md §1); this entrypoint plugs in the minimal
// loopback/disk stand-ins the rest of the tree already grounds those
// interfaces with, the same way the teacher's cmd/kaspad wires
// blockdag/netadapter/mempool behind one main.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shoallabs/shoalnode/dag/dagdriver"
	"github.com/shoallabs/shoalnode/dag/dagstore"
	"github.com/shoallabs/shoalnode/dag/dagstore/diskshim"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/dag/orderrule"
	"github.com/shoallabs/shoalnode/dag/reliablebroadcast"
	"github.com/shoallabs/shoalnode/logger"
	"github.com/shoallabs/shoalnode/mempool"
	"github.com/shoallabs/shoalnode/perfmonitor"
	"github.com/shoallabs/shoalnode/shoalpp"
	"github.com/shoallabs/shoalnode/signal"
	"github.com/shoallabs/shoalnode/util/panics"
)

const numDAGInstances = 3

var log, _ = logger.Get(logger.SubsystemTags.NODE)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	perf := perfmonitor.NewInMemory(4096)
	signal.Listen(perf)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-signal.ShutdownRequestChannel
		cancel()
	}()

	if err := run(ctx, cfg, perf); err != nil {
		log.Criticalf("shoalnode exited with error: %+v", err)
		os.Exit(1)
	}
}

// run builds the three DAG instances, the mempool feeding their payload
// pulls, and the Shoal++ orchestrator interleaving their committed
// anchors, then blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config, perf perfmonitor.Sink) error {
	mp := mempool.New(mempool.Config{
		MaxSize:        100_000,
		BucketMinimums: []uint64{0, 1000, 10000},
	})

	peers := make([]reliablebroadcast.PeerID, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = reliablebroadcast.PeerID(p)
	}
	if len(peers) == 0 {
		// Single-validator demo: a node always has itself as a peer so
		// entry's strong-link quorum check at round 1 has something to
		// pass once round 2 begins.
		peers = []reliablebroadcast.PeerID{"self"}
	}
	stakePerPeer := cfg.QuorumStakeBps / uint32(len(peers))
	stakes := make(map[reliablebroadcast.PeerID]uint32, len(peers))
	for _, p := range peers {
		stakes[p] = stakePerPeer
	}

	var instances [numDAGInstances]*shoalpp.Instance
	var shutdownAcks []chan struct{}
	runGoroutine := panics.GoroutineWrapperFunc(log)

	for i := 0; i < numDAGInstances; i++ {
		store := dagstore.New(dagtypes.Round(cfg.WindowSize))

		dataDir := filepath.Join(cfg.DataDir, fmt.Sprintf("dag-%d", i))
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return err
		}
		pending, err := diskshim.Open(dataDir)
		if err != nil {
			return err
		}
		defer pending.Close()

		health := &dagdriver.HealthBackoff{
			BaseMinRoundDelay: 200 * time.Millisecond,
			MaxMinRoundDelay:  2 * time.Second,
			BaseMaxTxns:       cfg.MaxTxns,
			MinMaxTxns:        cfg.MaxTxns / 10,
			BaseMaxBytes:      cfg.MaxBytes,
			MinMaxBytes:       cfg.MaxBytes / 10,
		}

		driverCfg := dagdriver.Config{
			Epoch:          1,
			Author:         authorForInstance(i),
			QuorumStakeBps: cfg.QuorumStakeBps,
			WindowSize:     dagtypes.Round(cfg.WindowSize),
			Peers:          peers,
			Backoff: reliablebroadcast.BackoffPolicy{
				Base:       20 * time.Millisecond,
				Factor:     2,
				Max:        500 * time.Millisecond,
				RPCTimeout: time.Second,
			},
		}

		driver, err := dagdriver.New(driverCfg, store, loopbackTransport{}, payloadAdapter{mp: mp}, pending, health)
		if err != nil {
			return err
		}

		rule := orderrule.New(i, store, roundRobinAnchor)
		anchors := make(chan *orderrule.ShoalppOrderBlocksInfo, 16)
		pullGate := make(chan struct{}, 1)
		ack := make(chan struct{}, 1)
		shutdownAcks = append(shutdownAcks, ack)

		instances[i] = &shoalpp.Instance{
			ID:        i,
			OrderRule: rule,
			PullGate:  pullGate,
			Anchors:   anchors,
			StoreRound: func() dagtypes.Round {
				return store.LowestRound()
			},
		}

		id := i // go.mod targets go1.21: the loop index still needs capturing per-iteration
		runGoroutine(func() {
			driveInstance(ctx, id, driver, rule, stakes, pullGate, anchors, ack, perf)
		})
	}

	sync := shoalpp.NewBroadcastSynchronizer(instances)
	notifier := shoalpp.NewOrderNotifier(instances, 256)
	notifier.CommitCallback = func(block *shoalpp.PipelinedBlock, decision shoalpp.CommitDecision) {
		log.Infof("committed block round=%d payload_bytes=%d", block.BlockRound, len(block.Payload))
		for i := range decision.CommittedRounds {
			instances[i].OrderRule.ProcessAll()
		}
	}

	orchestrator := shoalpp.NewOrchestrator(sync, notifier, shutdownAcks)
	return orchestrator.Run(ctx)
}

// driveInstance runs one DAG instance's round loop, gated by the
// orchestrator's broadcast synchronizer, and feeds committed anchors into
// its Anchors channel until ctx is cancelled.
func driveInstance(
	ctx context.Context,
	id int,
	driver *dagdriver.Driver,
	rule *orderrule.Rule,
	stakes map[reliablebroadcast.PeerID]uint32,
	pullGate <-chan struct{},
	anchors chan<- *orderrule.ShoalppOrderBlocksInfo,
	ack chan<- struct{},
	perf perfmonitor.Sink,
) {
	defer close(ack)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pullGate:
		}

		start := time.Now()
		cert, err := driver.RunRound(ctx, func() reliablebroadcast.Aggregator {
			return reliablebroadcast.NewQuorumAggregator(stakes, quorumBpsFromStakes(stakes))
		})
		if err != nil {
			log.Debugf("dag %d round failed: %s", id, err)
			continue
		}
		perf.TrackFunctionCall(perfmonitor.FunctionCall{
			FunctionName:   fmt.Sprintf("dag-%d-round", id),
			Start:          start,
			DurationMicros: time.Since(start).Microseconds(),
		})

		if info, ok := rule.ProcessNewNode(cert.Node.Round); ok {
			select {
			case anchors <- info:
			case <-ctx.Done():
				return
			}
		}
	}
}

func quorumBpsFromStakes(stakes map[reliablebroadcast.PeerID]uint32) uint32 {
	var total uint32
	for _, s := range stakes {
		total += s
	}
	return total * 2 / 3 // demo-only approximation of 2f+1; real stake derivation is out of scope
}

// roundRobinAnchor is the simplest anchor-selection policy conforming to
// spec.md §4.3's "deterministic, round-parameterized function of the
// DAG": the lowest-(author,digest) strong link of the round.
func roundRobinAnchor(round dagtypes.Round, strongLinks []*dagtypes.Certificate) *dagtypes.Certificate {
	if len(strongLinks) == 0 {
		return nil
	}
	best := strongLinks[0]
	for _, c := range strongLinks[1:] {
		if c.Node.Author.Less(best.Node.Author) {
			best = c
		}
	}
	return best
}

func authorForInstance(i int) dagtypes.Author {
	var a dagtypes.Author
	a[0] = byte(i + 1)
	return a
}

// loopbackTransport acks every send immediately with the full stake
// configured for that peer, standing in for the out-of-scope network
// transport in a single-validator demo (spec.md §1).
type loopbackTransport struct{}

func (loopbackTransport) Send(ctx context.Context, peer reliablebroadcast.PeerID, message interface{}) (interface{}, error) {
	return []byte(peer), nil
}

// payloadAdapter bridges the mempool's Transaction-oriented PullPayload to
// the DAG driver's byte-payload PayloadClient contract, concatenating
// transaction payloads and returning their digests for exclusion
// filtering on subsequent pulls.
type payloadAdapter struct {
	mp *mempool.Mempool
}

func (a payloadAdapter) PullPayload(ctx context.Context, maxTxns, maxBytes int, exclude func(dagtypes.Digest) bool) ([]byte, []dagtypes.Digest, error) {
	txns := a.mp.PullPayload(maxTxns, maxBytes)
	var payload []byte
	digests := make([]dagtypes.Digest, 0, len(txns))
	for _, tx := range txns {
		var digest dagtypes.Digest
		copy(digest[:], tx.Digest[:])
		if exclude(digest) {
			continue
		}
		payload = append(payload, tx.Payload...)
		digests = append(digests, digest)
	}
	return payload, digests, nil
}
