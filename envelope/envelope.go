// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the dmail envelope protocol: the plain and
// sealed message variants, signing and verification, and deterministic
// message ID derivation.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	mrand "math/rand"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/dmail-proto/dmail/crypto"
)

const (
	// TypePlain is the envelope variant that exposes sender and
	// recipient addresses on the wire.
	TypePlain = "plain"

	// TypeSealed is the anonymized envelope variant.  Only a routing
	// token, a jittered timestamp and padding are observable.
	TypeSealed = "sealed"

	// TimestampJitter bounds the random offset applied to a sealed
	// envelope's visible timestamp.
	TimestampJitter = 5 * time.Minute

	minPadding = 16
	maxPadding = 272
)

var (
	// ErrMissingRecipientKey is returned when no encryption key is
	// resolvable for the recipient.
	ErrMissingRecipientKey = errors.New("envelope: missing recipient key")

	// ErrInvalidSignature is returned when the embedded signature does
	// not verify against the claimed sender.
	ErrInvalidSignature = errors.New("envelope: invalid signature")

	// ErrDecryptionFailed is returned on any decryption failure.  The
	// cause is deliberately not distinguished.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrNotForMe is returned when a sealed envelope's routing token
	// does not match the local identity.
	ErrNotForMe = errors.New("envelope: not addressed to this identity")

	// ErrMalformed is returned for structurally invalid envelopes.
	ErrMalformed = errors.New("envelope: malformed")
)

// Envelope is the wire representation of a message in transit.  Exactly
// one of the plain or sealed field sets is populated, per Type.
type Envelope struct {
	Type string `json:"type"`

	// Plain variant fields.
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Encrypted *crypto.SealedBox `json:"encrypted,omitempty"`
	Signature []byte            `json:"signature,omitempty"`

	// Sealed variant fields.
	RoutingToken string            `json:"routingToken,omitempty"`
	Payload      *crypto.SealedBox `json:"payload,omitempty"`
	Padding      []byte            `json:"padding,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// DecryptedMessage is the result of successfully parsing an envelope.
type DecryptedMessage struct {
	Sender    string
	Recipient string
	Content   []byte
	Timestamp time.Time
}

// plainContent is the encrypted body of a plain envelope.  The sender's
// signing key rides inside the ciphertext so the recipient can verify the
// outer signature without an external key lookup.
type plainContent struct {
	SenderKey []byte `json:"senderKey"`
	Content   []byte `json:"content"`
}

// innerEnvelope is the encrypted body of a sealed envelope.  All sender
// identifying fields live here, invisible to relays.
type innerEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	SenderKey []byte `json:"senderKey"`
	Content   []byte `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// BuildPlain builds a plain envelope: the payload is encrypted for the
// recipient but sender and recipient addresses are visible on the wire.
func BuildPlain(sender *crypto.Identity, recipientAddress string, recipientKey, plaintext []byte) (*Envelope, error) {
	if len(recipientKey) == 0 {
		return nil, ErrMissingRecipientKey
	}

	body, err := json.Marshal(&plainContent{
		SenderKey: sender.SigningPublicKey(),
		Content:   plaintext,
	})
	if err != nil {
		return nil, err
	}
	box, err := crypto.Seal(recipientKey, body)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		Type:      TypePlain,
		From:      sender.Address(),
		To:        recipientAddress,
		Encrypted: box,
		Timestamp: time.Now().UnixMilli(),
	}
	e.Signature = sender.Sign(e.signingBytes())
	return e, nil
}

// BuildSealed builds a sealed envelope.  The signed inner envelope is
// encrypted for the recipient, and the outer envelope exposes only a
// routing token, a jittered timestamp and random padding.
func BuildSealed(sender *crypto.Identity, recipientAddress string, recipientKey, plaintext []byte) (*Envelope, error) {
	if len(recipientKey) == 0 {
		return nil, ErrMissingRecipientKey
	}

	now := time.Now().UnixMilli()
	inner := &innerEnvelope{
		From:      sender.Address(),
		To:        recipientAddress,
		SenderKey: sender.SigningPublicKey(),
		Content:   plaintext,
		Timestamp: now,
	}
	inner.Signature = sender.Sign(inner.signingBytes())

	body, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	box, err := crypto.Seal(recipientKey, body)
	if err != nil {
		return nil, err
	}

	padding := make([]byte, minPadding+mrand.Intn(maxPadding-minPadding+1))
	if _, err := io.ReadFull(rand.Reader, padding); err != nil {
		return nil, err
	}

	jitter := time.Duration(mrand.Int63n(int64(2*TimestampJitter))) - TimestampJitter
	return &Envelope{
		Type:         TypeSealed,
		RoutingToken: Token(recipientAddress),
		Payload:      box,
		Padding:      padding,
		Timestamp:    now + jitter.Milliseconds(),
	}, nil
}

// IsForMe is the fast path check used before attempting decryption of a
// sealed envelope.  Plain envelopes match on the visible address.
func (e *Envelope) IsForMe(recipient *crypto.Identity) bool {
	switch e.Type {
	case TypePlain:
		return e.To == recipient.Address()
	case TypeSealed:
		return e.RoutingToken == Token(recipient.Address())
	default:
		return false
	}
}

// Parse decrypts and verifies an envelope for the given recipient.
func Parse(e *Envelope, recipient *crypto.Identity) (*DecryptedMessage, error) {
	switch e.Type {
	case TypePlain:
		return parsePlain(e, recipient)
	case TypeSealed:
		return parseSealed(e, recipient)
	default:
		return nil, ErrMalformed
	}
}

func parsePlain(e *Envelope, recipient *crypto.Identity) (*DecryptedMessage, error) {
	if e.Encrypted == nil {
		return nil, ErrMalformed
	}
	body, err := crypto.OpenSealed(recipient.EncryptionPrivateKey(), e.Encrypted)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	content := new(plainContent)
	if err := json.Unmarshal(body, content); err != nil {
		return nil, ErrDecryptionFailed
	}

	// The claimed sender address must match the embedded key, and the key
	// must verify the envelope signature.
	claimed, err := crypto.EncodeAddress(ed25519.PublicKey(content.SenderKey))
	if err != nil || claimed != e.From {
		return nil, ErrInvalidSignature
	}
	if !crypto.Verify(content.SenderKey, e.signingBytes(), e.Signature) {
		return nil, ErrInvalidSignature
	}

	return &DecryptedMessage{
		Sender:    e.From,
		Recipient: e.To,
		Content:   content.Content,
		Timestamp: time.UnixMilli(e.Timestamp),
	}, nil
}

func parseSealed(e *Envelope, recipient *crypto.Identity) (*DecryptedMessage, error) {
	if e.Payload == nil {
		return nil, ErrMalformed
	}
	if !e.IsForMe(recipient) {
		return nil, ErrNotForMe
	}
	body, err := crypto.OpenSealed(recipient.EncryptionPrivateKey(), e.Payload)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	inner := new(innerEnvelope)
	if err := json.Unmarshal(body, inner); err != nil {
		return nil, ErrDecryptionFailed
	}

	claimed, err := crypto.EncodeAddress(ed25519.PublicKey(inner.SenderKey))
	if err != nil || claimed != inner.From {
		return nil, ErrInvalidSignature
	}
	if inner.To != recipient.Address() {
		return nil, ErrNotForMe
	}
	if !crypto.Verify(inner.SenderKey, inner.signingBytes(), inner.Signature) {
		return nil, ErrInvalidSignature
	}

	return &DecryptedMessage{
		Sender:    inner.From,
		Recipient: inner.To,
		Content:   inner.Content,
		Timestamp: time.UnixMilli(inner.Timestamp),
	}, nil
}

// MessageID derives the deterministic message ID: a hash over the routing
// token (or nothing for plain envelopes), the payload hash and the
// timestamp.  Plaintext fields are deliberately excluded.
func MessageID(e *Envelope) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(e.RoutingToken))

	var payload []byte
	switch {
	case e.Payload != nil:
		payload = e.Payload.Ciphertext
	case e.Encrypted != nil:
		payload = e.Encrypted.Ciphertext
	}
	ph := blake2b.Sum256(payload)
	h.Write(ph[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// signingBytes returns the canonical byte representation of a plain
// envelope's signed fields, excluding the signature itself.
func (e *Envelope) signingBytes() []byte {
	b := make([]byte, 0, 256)
	b = append(b, e.Type...)
	b = append(b, 0)
	b = append(b, e.From...)
	b = append(b, 0)
	b = append(b, e.To...)
	b = append(b, 0)
	if e.Encrypted != nil {
		b = append(b, e.Encrypted.EphemeralPublicKey...)
		b = append(b, e.Encrypted.Nonce...)
		b = append(b, e.Encrypted.Ciphertext...)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	return append(b, ts[:]...)
}

func (m *innerEnvelope) signingBytes() []byte {
	b := make([]byte, 0, 256)
	b = append(b, m.From...)
	b = append(b, 0)
	b = append(b, m.To...)
	b = append(b, 0)
	b = append(b, m.SenderKey...)
	b = append(b, m.Content...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	return append(b, ts[:]...)
}
