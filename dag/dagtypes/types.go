// Package dagtypes holds the certificate-DAG data model from spec.md §3:
// Node, Certificate, and the round/author coordinates the DAG store
// indexes them by.
package dagtypes

import (
	"bytes"
	"time"
)

// Digest identifies a node's content. Hashing itself is out of scope;
// callers populate this from whatever cryptographic collaborator exists.
type Digest [32]byte

// Less gives Digest a total order, used for (author, digest) tie-breaks.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// Author identifies a validator.
type Author [32]byte

// Less gives Author a total order.
func (a Author) Less(other Author) bool {
	return bytes.Compare(a[:], other[:]) < 0
}

// Round is a DAG round number.
type Round uint64

// Epoch is a validator-set epoch number.
type Epoch uint64

// RoundAuthor is the DAG store's primary key: a store holds at most one
// certificate per (round, author) pair (spec.md §3 invariant).
type RoundAuthor struct {
	Round  Round
	Author Author
}

// Node is a validator's proposal at a round (spec.md §3).
//
// Invariant: Parents is empty iff Round == 1; otherwise Parents must be
// certificates from Round-1 forming a quorum over the validator set's
// stake ("strong links").
type Node struct {
	Epoch      Epoch
	Round      Round
	Author     Author
	Timestamp  time.Time
	Payload    []byte
	Parents    []Digest
	Extensions map[string][]byte
}

// Signature is an opaque aggregate signature. The cryptographic
// aggregation scheme itself (BLS or otherwise) is out of scope.
type Signature []byte

// Certificate is a Node plus an aggregate signature from >= 2f+1 stake.
// Immutable once formed; identified by its digest.
type Certificate struct {
	Node      Node
	Digest    Digest
	Signature Signature
	// SignerStakeBps is the fraction of total stake (in basis points)
	// that signed this certificate, used by the DAG driver to recognize
	// strong links without re-deriving stake weights from the
	// (out-of-scope) validator-set collaborator.
	SignerStakeBps uint32
}

// RoundAuthor returns the certificate's store key.
func (c *Certificate) RoundAuthor() RoundAuthor {
	return RoundAuthor{Round: c.Node.Round, Author: c.Node.Author}
}

// Anchor is a certificate chosen by the order rule as a linearization
// pivot (spec.md §3).
type Anchor = Certificate
