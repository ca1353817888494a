package mempool

import (
	"testing"
	"time"

	"github.com/shoallabs/shoalnode/mempool/mempooltypes"
)

func seqTx(sender mempooltypes.Address, seq uint64, now time.Time, d byte) *mempooltypes.Transaction {
	return &mempooltypes.Transaction{
		Sender:          sender,
		ReplayProtector: mempooltypes.ReplayProtector{Kind: mempooltypes.ReplayProtectorSequenceNumber, Value: seq},
		TypeClass:       mempooltypes.TypeClassOther,
		RankingScore:    100,
		InsertionTime:   now,
		ExpirationTime:  now.Add(time.Hour),
		Digest:          digestWithByte(d),
	}
}

func TestSequenceGapParksThenPromotes(t *testing.T) {
	mp := New(Config{MaxSize: 100})
	now := time.Unix(1000, 0)
	sender := digestToAddress(digestWithByte(9))

	// seq 1 arrives before seq 0: it should park, not go ready.
	if err := mp.Admit(seqTx(sender, 1, now, 1), now); err != nil {
		t.Fatalf("admit seq 1: %v", err)
	}
	if mp.parking.Len() != 1 {
		t.Fatalf("expected seq 1 to park while seq 0 is missing")
	}

	// seq 0 arrives: both 0 and 1 should become ready, in order.
	if err := mp.Admit(seqTx(sender, 0, now, 0), now); err != nil {
		t.Fatalf("admit seq 0: %v", err)
	}
	if mp.parking.Len() != 0 {
		t.Fatalf("expected parking lot to drain after gap filled, got %d", mp.parking.Len())
	}
	if mp.priority.Len() != 2 {
		t.Fatalf("expected both transactions ready, got %d", mp.priority.Len())
	}
}

func TestAdmitRejectsExpiredOnArrival(t *testing.T) {
	mp := New(Config{MaxSize: 100})
	now := time.Unix(1000, 0)
	tx := seqTx(digestToAddress(digestWithByte(1)), 0, now, 1)
	tx.ExpirationTime = now.Add(-time.Second)

	err := mp.Admit(tx, now)
	rejErr, ok := err.(*RejectedError)
	if !ok || rejErr.Reason != RejectedExpiredOnArrival {
		t.Fatalf("expected expired-on-arrival rejection, got %v", err)
	}
}

func TestAdmitRejectsDuplicateReplayProtector(t *testing.T) {
	mp := New(Config{MaxSize: 100})
	now := time.Unix(1000, 0)
	sender := digestToAddress(digestWithByte(1))
	if err := mp.Admit(seqTx(sender, 0, now, 1), now); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	err := mp.Admit(seqTx(sender, 0, now, 2), now)
	rejErr, ok := err.(*RejectedError)
	if !ok || rejErr.Reason != RejectedReplayProtectorTaken {
		t.Fatalf("expected replay-protector-taken rejection, got %v", err)
	}
}

func TestGCRespectsNotYetExpiredTie(t *testing.T) {
	mp := New(Config{MaxSize: 100})
	now := time.Unix(1000, 0)
	tx := seqTx(digestToAddress(digestWithByte(1)), 0, now, 1)
	tx.ExpirationTime = now // equals "now" exactly

	if err := mp.Admit(tx, now.Add(-time.Second)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	removed := mp.GC(now)
	if removed != 0 {
		t.Fatalf("expected GC to keep an entry whose expiration == now, removed %d", removed)
	}
}
