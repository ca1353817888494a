// Package diskshim is a minimal disk-backed implementation of the
// DAGStorage persistence interface from spec.md §6: it provides
// get_pending_node, save_pending_node and save_certified_node (plus a
// lookup of saved certificates by digest); it stores no ledger info and
// has no get_latest_ledger_info. Persistent key-value storage is out of scope per
// spec.md §1; this package exists only to ground that interface boundary
// with a real (if small) implementation, used by tests and the
// cmd/shoalnode demo wiring, the way the teacher's ghostdagdatastore
// grounds its own store interfaces against goleveldb-backed dbaccess.
package diskshim

import (
	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/dag/dagstore/serialization"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	pendingNodeKey = []byte("pending-node")
	certifiedPrefix = []byte("certified:")
)

// Storage is a leveldb-backed DAGStorage implementation.
type Storage struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at path.
func Open(path string) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening dag storage")
	}
	return &Storage{db: db}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SavePendingNode persists node as the driver's current pending node,
// resumable after a crash (spec.md §4.2 step 3). Storage I/O failure
// here is fatal per spec.md §7.
func (s *Storage) SavePendingNode(node *dagtypes.Node) error {
	cert := &dagtypes.Certificate{Node: *node}
	err := s.db.Put(pendingNodeKey, serialization.CertificateToBytes(cert), nil)
	if err != nil {
		panic(errors.Wrap(err, "fatal: failed to persist pending node"))
	}
	return nil
}

// GetPendingNode resumes the pending node left by a prior crash, if any.
func (s *Storage) GetPendingNode() (*dagtypes.Node, bool, error) {
	data, err := s.db.Get(pendingNodeKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading pending node")
	}
	cert, err := serialization.BytesToCertificate(data)
	if err != nil {
		return nil, false, errors.Wrap(err, "decoding pending node")
	}
	return &cert.Node, true, nil
}

// SaveCertifiedNode persists a certificate once formed.
func (s *Storage) SaveCertifiedNode(cert *dagtypes.Certificate) error {
	key := append(append([]byte{}, certifiedPrefix...), cert.Digest[:]...)
	err := s.db.Put(key, serialization.CertificateToBytes(cert), nil)
	if err != nil {
		panic(errors.Wrap(err, "fatal: failed to persist certified node"))
	}
	return nil
}

// GetCertifiedNode resolves a previously saved certificate by digest.
func (s *Storage) GetCertifiedNode(digest dagtypes.Digest) (*dagtypes.Certificate, bool, error) {
	key := append(append([]byte{}, certifiedPrefix...), digest[:]...)
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading certified node")
	}
	cert, err := serialization.BytesToCertificate(data)
	if err != nil {
		return nil, false, errors.Wrap(err, "decoding certified node")
	}
	return cert, true, nil
}
