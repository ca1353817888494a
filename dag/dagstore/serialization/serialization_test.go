package serialization

import (
	"reflect"
	"testing"
	"time"

	"github.com/shoallabs/shoalnode/dag/dagtypes"
)

func TestCertificateRoundTrip(t *testing.T) {
	var parent dagtypes.Digest
	parent[0] = 0xAB

	c := &dagtypes.Certificate{
		Node: dagtypes.Node{
			Epoch:      3,
			Round:      7,
			Timestamp:  time.Unix(1000, 500).UTC(),
			Payload:    []byte("hello"),
			Parents:    []dagtypes.Digest{parent},
			Extensions: map[string][]byte{"k": []byte("v")},
		},
		Signature:      []byte{1, 2, 3},
		SignerStakeBps: 6700,
	}
	c.Node.Author[0] = 9
	c.Digest[0] = 1

	encoded := CertificateToBytes(c)
	decoded, err := BytesToCertificate(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Node.Round != c.Node.Round || decoded.Node.Epoch != c.Node.Epoch {
		t.Fatalf("round/epoch mismatch: %+v", decoded.Node)
	}
	if !decoded.Node.Timestamp.Equal(c.Node.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", decoded.Node.Timestamp, c.Node.Timestamp)
	}
	if !reflect.DeepEqual(decoded.Node.Parents, c.Node.Parents) {
		t.Fatalf("parents mismatch")
	}
	if !reflect.DeepEqual(decoded.Node.Extensions, c.Node.Extensions) {
		t.Fatalf("extensions mismatch")
	}
	if decoded.SignerStakeBps != c.SignerStakeBps {
		t.Fatalf("stake mismatch")
	}
}
