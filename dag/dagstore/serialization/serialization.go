// Package serialization encodes certificates to and from bytes for the
// DAGStorage persistence boundary (spec.md §6). Grounded on the shape of
// the teacher's domain/consensus/datastructures stores (serialize before
// Commit, deserialize on Get) but using encoding/binary rather than the
// teacher's protobuf-generated messages, since generating real .pb.go
// bindings requires protoc, unavailable here (see DESIGN.md).
package serialization

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/shoallabs/shoalnode/dag/dagtypes"
)

// CertificateToBytes encodes a certificate as a binary tuple. Extensions
// are written in map iteration order, so the bytes for a certificate with
// more than one extension are not deterministic; BytesToCertificate
// decodes any of those orders to the same certificate.
func CertificateToBytes(c *dagtypes.Certificate) []byte {
	var buf bytes.Buffer
	buf.Write(c.Digest[:])
	binary.Write(&buf, binary.LittleEndian, uint64(c.Node.Epoch))
	binary.Write(&buf, binary.LittleEndian, uint64(c.Node.Round))
	buf.Write(c.Node.Author[:])
	binary.Write(&buf, binary.LittleEndian, c.Node.Timestamp.UnixNano())
	binary.Write(&buf, binary.LittleEndian, uint32(c.SignerStakeBps))

	writeBytes(&buf, c.Signature)
	writeBytes(&buf, c.Node.Payload)

	binary.Write(&buf, binary.LittleEndian, uint32(len(c.Node.Parents)))
	for _, p := range c.Node.Parents {
		buf.Write(p[:])
	}

	binary.Write(&buf, binary.LittleEndian, uint32(len(c.Node.Extensions)))
	for k, v := range c.Node.Extensions {
		writeBytes(&buf, []byte(k))
		writeBytes(&buf, v)
	}

	return buf.Bytes()
}

// BytesToCertificate decodes a certificate previously encoded by
// CertificateToBytes.
func BytesToCertificate(data []byte) (*dagtypes.Certificate, error) {
	buf := bytes.NewReader(data)
	c := &dagtypes.Certificate{}

	if _, err := io.ReadFull(buf, c.Digest[:]); err != nil {
		return nil, errors.Wrap(err, "reading digest")
	}
	var epoch, round uint64
	if err := binary.Read(buf, binary.LittleEndian, &epoch); err != nil {
		return nil, errors.Wrap(err, "reading epoch")
	}
	if err := binary.Read(buf, binary.LittleEndian, &round); err != nil {
		return nil, errors.Wrap(err, "reading round")
	}
	c.Node.Epoch = dagtypes.Epoch(epoch)
	c.Node.Round = dagtypes.Round(round)

	if _, err := io.ReadFull(buf, c.Node.Author[:]); err != nil {
		return nil, errors.Wrap(err, "reading author")
	}

	var tsNanos int64
	if err := binary.Read(buf, binary.LittleEndian, &tsNanos); err != nil {
		return nil, errors.Wrap(err, "reading timestamp")
	}
	c.Node.Timestamp = time.Unix(0, tsNanos).UTC()

	var stakeBps uint32
	if err := binary.Read(buf, binary.LittleEndian, &stakeBps); err != nil {
		return nil, errors.Wrap(err, "reading signer stake")
	}
	c.SignerStakeBps = stakeBps

	sig, err := readBytes(buf)
	if err != nil {
		return nil, errors.Wrap(err, "reading signature")
	}
	c.Signature = sig

	payload, err := readBytes(buf)
	if err != nil {
		return nil, errors.Wrap(err, "reading payload")
	}
	c.Node.Payload = payload

	var numParents uint32
	if err := binary.Read(buf, binary.LittleEndian, &numParents); err != nil {
		return nil, errors.Wrap(err, "reading parent count")
	}
	c.Node.Parents = make([]dagtypes.Digest, numParents)
	for i := range c.Node.Parents {
		if _, err := io.ReadFull(buf, c.Node.Parents[i][:]); err != nil {
			return nil, errors.Wrap(err, "reading parent digest")
		}
	}

	var numExt uint32
	if err := binary.Read(buf, binary.LittleEndian, &numExt); err != nil {
		return nil, errors.Wrap(err, "reading extension count")
	}
	if numExt > 0 {
		c.Node.Extensions = make(map[string][]byte, numExt)
		for i := uint32(0); i < numExt; i++ {
			k, err := readBytes(buf)
			if err != nil {
				return nil, errors.Wrap(err, "reading extension key")
			}
			v, err := readBytes(buf)
			if err != nil {
				return nil, errors.Wrap(err, "reading extension value")
			}
			c.Node.Extensions[string(k)] = v
		}
	}

	return c, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}
