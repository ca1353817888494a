package shoalpp

import (
	"context"
	"testing"
	"time"

	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/shoallabs/shoalnode/dag/orderrule"
)

func anchorInfo(round dagtypes.Round, author byte) *orderrule.ShoalppOrderBlocksInfo {
	var a dagtypes.Author
	a[0] = author
	return &orderrule.ShoalppOrderBlocksInfo{
		OrderedNodes: []*dagtypes.Certificate{
			{Node: dagtypes.Node{Round: round, Author: a, Payload: []byte{author}}},
		},
	}
}

func TestOrderNotifierBlockRoundIsSumOfCommittedRounds(t *testing.T) {
	anchorsCh := [numInstances]chan *orderrule.ShoalppOrderBlocksInfo{
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
	}
	var instances [numInstances]*Instance
	for i := range instances {
		instances[i] = &Instance{ID: i, Anchors: anchorsCh[i]}
	}

	notifier := NewOrderNotifier(instances, 8)

	var blocks []*PipelinedBlock
	notifier.CommitCallback = func(b *PipelinedBlock, _ CommitDecision) {
		blocks = append(blocks, b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go notifier.Run(ctx)

	anchorsCh[0] <- anchorInfo(2, 1)
	anchorsCh[1] <- anchorInfo(3, 2)
	anchorsCh[2] <- anchorInfo(2, 3)

	deadline := time.After(time.Second)
	for len(blocks) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 3 blocks, got %d", len(blocks))
		case <-time.After(time.Millisecond):
		}
	}

	if blocks[2].BlockRound != 7 {
		t.Fatalf("expected block_round 7 after anchors {2,3,2}, got %d", blocks[2].BlockRound)
	}

	anchorsCh[0] <- anchorInfo(3, 1)
	for len(blocks) < 4 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 4th block")
		case <-time.After(time.Millisecond):
		}
	}
	if blocks[3].BlockRound != 8 {
		t.Fatalf("expected block_round 8 after DAG 0 advances to round 3, got %d", blocks[3].BlockRound)
	}

	cancel()
}

func TestOrderNotifierTimestampMonotonic(t *testing.T) {
	anchorsCh := [numInstances]chan *orderrule.ShoalppOrderBlocksInfo{
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
		make(chan *orderrule.ShoalppOrderBlocksInfo, 1),
	}
	var instances [numInstances]*Instance
	for i := range instances {
		instances[i] = &Instance{ID: i, Anchors: anchorsCh[i]}
	}
	notifier := NewOrderNotifier(instances, 8)

	var blocks []*PipelinedBlock
	notifier.CommitCallback = func(b *PipelinedBlock, _ CommitDecision) { blocks = append(blocks, b) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	anchorsCh[0] <- anchorInfo(1, 1)
	anchorsCh[1] <- anchorInfo(1, 2)

	deadline := time.After(time.Second)
	for len(blocks) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for blocks")
		case <-time.After(time.Millisecond):
		}
	}
	if !blocks[1].BlockTimestamp.After(blocks[0].BlockTimestamp) {
		t.Fatalf("expected strictly increasing block timestamps")
	}
}

func TestBroadcastSynchronizerRotatesPairs(t *testing.T) {
	var instances [numInstances]*Instance
	for i := range instances {
		instances[i] = &Instance{ID: i, PullGate: make(chan struct{})}
	}
	syncer := NewBroadcastSynchronizer(instances)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	// first iteration should release instances 0 and 1.
	select {
	case <-instances[0].PullGate:
	case <-time.After(time.Second):
		t.Fatalf("instance 0 gate not released")
	}
	select {
	case <-instances[1].PullGate:
	case <-time.After(time.Second):
		t.Fatalf("instance 1 gate not released")
	}
}
