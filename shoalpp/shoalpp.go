// Package shoalpp orchestrates three parallel DAG instances into one
// linearized block stream (spec.md §4.4): a broadcast synchronizer gates
// payload pulls across instances, and an order notifier consumes
// committed anchors round-robin to synthesize PipelinedBlocks.
//
// Grounded on the teacher's netadapter.NetAdapter/router wiring: a small
// set of long-lived goroutines connected by bounded channels, generalized
// here from per-peer message routing to per-instance round-robin
// scheduling across exactly three DAG instances.
package shoalpp

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/dag/orderrule"
	"github.com/shoallabs/shoalnode/logger"
	"github.com/shoallabs/shoalnode/util/panics"
)

var log, _ = logger.Get(logger.SubsystemTags.SHPP)

// numInstances is hard-coded to 3, per spec.md §4.4 and the §9 open
// question: generalizing the broadcast synchronizer's ring rotation to N
// instances requires specifying a new rotation schedule, which the source
// material leaves unspecified. This package intentionally does not
// attempt that generalization.
const numInstances = 3

// Instance bundles one DAG's driver-facing dependencies: the driver is
// represented abstractly here as a PullGate (the synchronizer's only
// touchpoint) plus the order rule that produces committed anchors for it.
type Instance struct {
	ID         int
	OrderRule  *orderrule.Rule
	PullGate   chan struct{} // closed/buffered signal letting this instance's payload pull proceed
	Anchors    <-chan *orderrule.ShoalppOrderBlocksInfo
	StoreRound func() dagtypes.Round // a round reported by the instance's store; not read by OrderNotifier, which derives block_round from consumed anchors
}

// BroadcastSynchronizer gates payload pulls across the three instances so
// that at any instant exactly two are broadcasting, staggered: it
// iterates i in {0,1,2} and releases pulls for (i, (i+1)%3) together, then
// rotates (spec.md §4.4, glossary "ring rotation").
type BroadcastSynchronizer struct {
	instances [numInstances]*Instance
	i         int
}

// NewBroadcastSynchronizer constructs a synchronizer over exactly three
// instances, indexed 0, 1, 2.
func NewBroadcastSynchronizer(instances [numInstances]*Instance) *BroadcastSynchronizer {
	return &BroadcastSynchronizer{instances: instances}
}

// Run releases pull gates in ring-rotation order until ctx is cancelled.
// Each iteration blocks until both gated instances report readiness for
// the next round via their PullGate channel.
func (s *BroadcastSynchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Debugf("broadcast synchronizer stopping: %s", ctx.Err())
			return
		default:
		}

		first := s.instances[s.i]
		second := s.instances[(s.i+1)%numInstances]

		if !releaseGate(ctx, first.PullGate) || !releaseGate(ctx, second.PullGate) {
			return
		}

		s.i = (s.i + 1) % numInstances
	}
}

func releaseGate(ctx context.Context, gate chan struct{}) bool {
	select {
	case gate <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// PipelinedBlock is the orchestrator's linearized output unit
// (spec.md §4.4).
type PipelinedBlock struct {
	BlockRound        dagtypes.Round
	BlockTimestamp    time.Time
	ConsensusDataHash [32]byte
	Payload           []byte
	ParentsBitvec     []bool
}

// CommitDecision carries the per-instance highest committed rounds
// delivered alongside a block's commit callback (spec.md §4.4, §6
// "Commit decision carries the per-DAG highest committed rounds").
type CommitDecision struct {
	CommittedRounds [numInstances]dagtypes.Round
}

// OrderNotifier consumes committed anchors round-robin from the three
// instances and synthesizes PipelinedBlocks (spec.md §4.4).
type OrderNotifier struct {
	instances        [numInstances]*Instance
	committedRounds  [numInstances]dagtypes.Round
	lastBlockTS      time.Time
	validatorBitSize int

	CommitCallback func(block *PipelinedBlock, decision CommitDecision)
}

// NewOrderNotifier constructs a notifier over the given instances. The
// validator bit-size sizes each block's parents_bitvec.
func NewOrderNotifier(instances [numInstances]*Instance, validatorBitSize int) *OrderNotifier {
	return &OrderNotifier{instances: instances, validatorBitSize: validatorBitSize}
}

// Run consumes committed anchors round-robin until ctx is cancelled,
// invoking CommitCallback for each synthesized block.
func (n *OrderNotifier) Run(ctx context.Context) {
	i := 0
	for {
		select {
		case <-ctx.Done():
			log.Debugf("order notifier stopping: %s", ctx.Err())
			return
		case info, ok := <-n.instances[i].Anchors:
			if !ok {
				return
			}
			block := n.consume(i, info)
			if n.CommitCallback != nil {
				n.CommitCallback(block, CommitDecision{CommittedRounds: n.committedRounds})
			}
		}
		i = (i + 1) % numInstances
	}
}

// consume folds one instance's committed-anchor info into the next
// PipelinedBlock (spec.md §4.4).
func (n *OrderNotifier) consume(instanceIdx int, info *orderrule.ShoalppOrderBlocksInfo) *PipelinedBlock {
	if len(info.OrderedNodes) > 0 {
		anchor := info.OrderedNodes[len(info.OrderedNodes)-1]
		n.committedRounds[instanceIdx] = anchor.Node.Round
	}

	var blockRound dagtypes.Round
	for _, r := range n.committedRounds {
		blockRound += r
	}

	var anchorTS time.Time
	var payload []byte
	authorsInParents := make(map[dagtypes.Author]bool)
	for _, c := range info.OrderedNodes {
		if c.Node.Timestamp.After(anchorTS) {
			anchorTS = c.Node.Timestamp
		}
		payload = append(payload, c.Node.Payload...)
		authorsInParents[c.Node.Author] = true
	}

	blockTS := anchorTS
	floor := n.lastBlockTS.Add(time.Nanosecond)
	if blockTS.Before(floor) {
		blockTS = floor
	}
	n.lastBlockTS = blockTS

	block := &PipelinedBlock{
		BlockRound:        blockRound,
		BlockTimestamp:    blockTS,
		ConsensusDataHash: consensusDataHash(n.committedRounds),
		Payload:           payload,
		ParentsBitvec:     parentsBitvec(authorsInParents, n.validatorBitSize),
	}
	return block
}

// consensusDataHash little-endian-concatenates the three per-instance
// committed rounds and folds them into a 32-byte digest (spec.md §4.4).
//
// Whether this needs to be cryptographically binding is left unresolved
// by the source material (spec.md §9 open question); this implementation
// treats it as a deterministic fingerprint only, not a security boundary,
// and documents that choice rather than picking a hash function that
// implies otherwise.
func consensusDataHash(rounds [numInstances]dagtypes.Round) [32]byte {
	var buf [numInstances * 8]byte
	for i, r := range rounds {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(r))
	}
	var out [32]byte
	h := uint64(14695981039346656037)
	for _, b := range buf {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(out[i*8:], h+uint64(i))
	}
	return out
}

// parentsBitvec sets a bit per validator index that authored one of the
// anchor's parents. Validator-to-index resolution outside author bytes
// themselves is out of scope; this keys directly off the author's first
// byte as a stand-in validator index, bounded by validatorBitSize.
func parentsBitvec(authors map[dagtypes.Author]bool, validatorBitSize int) []bool {
	bitvec := make([]bool, validatorBitSize)
	for author := range authors {
		idx := int(author[0])
		if idx < validatorBitSize {
			bitvec[idx] = true
		}
	}
	return bitvec
}

// Orchestrator wires the broadcast synchronizer and order notifier
// together and drives graceful shutdown (spec.md §5: "the orchestrator
// aborts the order notifier and broadcast synchronizer, then forwards
// shutdown to each DAG driver and awaits an acknowledgement oneshot per
// instance").
type Orchestrator struct {
	sync     *BroadcastSynchronizer
	notifier *OrderNotifier

	shutdownAcks []chan struct{}
}

// NewOrchestrator constructs an orchestrator over the given synchronizer
// and notifier, plus one shutdown-acknowledgement channel per DAG driver.
func NewOrchestrator(sync *BroadcastSynchronizer, notifier *OrderNotifier, driverShutdownAcks []chan struct{}) *Orchestrator {
	return &Orchestrator{sync: sync, notifier: notifier, shutdownAcks: driverShutdownAcks}
}

// Run starts the synchronizer and notifier and blocks until ctx is
// cancelled, then awaits every driver's shutdown acknowledgement. A local
// invariant violation (panic) in either goroutine is caught and logged by
// panics.GoroutineWrapperFunc rather than crashing the process silently
// (spec.md §7: "fatal errors unwind to the orchestrator which aborts
// remaining tasks and exits").
func (o *Orchestrator) Run(ctx context.Context) error {
	runGoroutine := panics.GoroutineWrapperFunc(log)

	done := make(chan struct{}, 2)
	runGoroutine(func() { o.sync.Run(ctx); done <- struct{}{} })
	runGoroutine(func() { o.notifier.Run(ctx); done <- struct{}{} })

	<-ctx.Done()
	<-done
	<-done

	for idx, ack := range o.shutdownAcks {
		select {
		case <-ack:
		case <-time.After(5 * time.Second):
			return errors.Errorf("driver %d did not acknowledge shutdown in time", idx)
		}
	}
	return nil
}
