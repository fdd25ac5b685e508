// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/dmail-proto/dmail/crypto"
)

// StorageProof is a signed attestation that a node holds a record's
// content.
type StorageProof struct {
	NodeID        string `json:"nodeId" cbor:"nodeId"`
	NodePublicKey []byte `json:"nodePublicKey" cbor:"nodePublicKey"`
	ContentHash   string `json:"contentHash" cbor:"contentHash"`
	Timestamp     int64  `json:"timestamp" cbor:"timestamp"`
	Signature     []byte `json:"signature" cbor:"signature"`
}

// Record is a stored message awaiting delivery.
type Record struct {
	ID               string          `json:"id" cbor:"id"`
	Recipient        string          `json:"recipient" cbor:"recipient"`
	Data             []byte          `json:"data" cbor:"data"`
	Timestamp        int64           `json:"timestamp" cbor:"timestamp"`
	Expires          int64           `json:"expires" cbor:"expires"`
	StorageProofs    []*StorageProof `json:"storageProofs" cbor:"storageProofs"`
	ReplicationCount int             `json:"replicationCount" cbor:"replicationCount"`
}

// ContentHash returns the hex blake2b-256 hash of a record's payload.
func ContentHash(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RecordID derives the deterministic record ID from the recipient key,
// the payload hash and the timestamp.
func RecordID(recipient string, data []byte, timestamp int64) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(recipient))
	ph := blake2b.Sum256(data)
	h.Write(ph[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// NewProof creates this node's storage proof for a record.
func NewProof(nodeID string, ident *crypto.Identity, rec *Record, now int64) *StorageProof {
	p := &StorageProof{
		NodeID:        nodeID,
		NodePublicKey: ident.SigningPublicKey(),
		ContentHash:   ContentHash(rec.Data),
		Timestamp:     now,
	}
	p.Signature = ident.Sign(p.signingBytes())
	return p
}

// Verify checks the proof's signature against its embedded node key and
// the expected content hash.  Binding the embedded key to a known node
// identity requires an external key registry and is left to the caller.
func (p *StorageProof) Verify(contentHash string) bool {
	if p.ContentHash != contentHash {
		return false
	}
	return crypto.Verify(ed25519.PublicKey(p.NodePublicKey), p.signingBytes(), p.Signature)
}

func (p *StorageProof) signingBytes() []byte {
	b := make([]byte, 0, len(p.NodeID)+len(p.ContentHash)+8)
	b = append(b, p.NodeID...)
	b = append(b, p.ContentHash...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp))
	return append(b, ts[:]...)
}
