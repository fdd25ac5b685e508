// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements the forward-secret per-conversation session
// used as an optional upgrade over single-shot envelope encryption.  It is
// a Double-Ratchet construction over X25519 with labeled HKDF chains and
// ChaCha20-Poly1305 message encryption.
package ratchet

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrTooManySkippedMessages = errors.New("ratchet: too many skipped messages")
	ErrUninitializedChain     = errors.New("ratchet: chain key is uninitialized")
	ErrDuplicateMessage       = errors.New("ratchet: duplicate or expired message")
	ErrCannotDecrypt          = errors.New("ratchet: cannot decrypt")
	ErrInvalidKeyExchange     = errors.New("ratchet: invalid key exchange")
	ErrBadState               = errors.New("ratchet: corrupt serialized state")
)

// Header accompanies every ratchet ciphertext.
type Header struct {
	DHPublic      []byte `json:"dhPublic" cbor:"1,keyasint"`
	PreviousCount uint32 `json:"pn" cbor:"2,keyasint"`
	Count         uint32 `json:"n" cbor:"3,keyasint"`
}

type skippedKeyID struct {
	dhPublic [KeySize]byte
	count    uint32
}

// Ratchet is the per-conversation forward-secret session state.  It is
// mutated by every Encrypt and Decrypt and must be re-persisted after use.
type Ratchet struct {
	dhPrivate    []byte
	dhPublic     []byte
	peerDHPublic []byte

	rootKey      []byte
	sendChainKey []byte
	recvChainKey []byte

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	skipped map[skippedKeyID][]byte

	rand io.Reader
}

// state is the CBOR persistence form of a Ratchet.
type state struct {
	DHPrivate     []byte        `cbor:"dhPrivate"`
	DHPublic      []byte        `cbor:"dhPublic"`
	PeerDHPublic  []byte        `cbor:"peerDHPublic"`
	RootKey       []byte        `cbor:"rootKey"`
	SendChainKey  []byte        `cbor:"sendChainKey"`
	RecvChainKey  []byte        `cbor:"recvChainKey"`
	SendCount     uint32        `cbor:"sendCount"`
	RecvCount     uint32        `cbor:"recvCount"`
	PrevSendCount uint32        `cbor:"prevSendCount"`
	Skipped       []skippedItem `cbor:"skipped"`
}

type skippedItem struct {
	DHPublic []byte `cbor:"dhPublic"`
	Count    uint32 `cbor:"count"`
	Key      []byte `cbor:"key"`
}

// GenerateKeypair generates an X25519 keypair suitable for session
// establishment.
func GenerateKeypair(rand io.Reader) (priv, pub []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err = io.ReadFull(rand, priv); err != nil {
		return nil, nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// NewInitiator creates the sending side of a session from a pre-shared
// secret and the responder's initial ratchet public key.
func NewInitiator(rand io.Reader, sharedSecret, responderPublic []byte) (*Ratchet, error) {
	if len(sharedSecret) != KeySize || len(responderPublic) != KeySize {
		return nil, ErrInvalidKeyExchange
	}
	priv, pub, err := GenerateKeypair(rand)
	if err != nil {
		return nil, err
	}
	dh, err := curve25519.X25519(priv, responderPublic)
	if err != nil {
		return nil, ErrInvalidKeyExchange
	}
	root, sendChain := kdfRoot(sharedSecret, dh)

	return &Ratchet{
		dhPrivate:    priv,
		dhPublic:     pub,
		peerDHPublic: append([]byte(nil), responderPublic...),
		rootKey:      root,
		sendChainKey: sendChain,
		skipped:      make(map[skippedKeyID][]byte),
		rand:         rand,
	}, nil
}

// NewResponder creates the receiving side of a session.  The responder
// seeds its root key from the pre-shared secret directly and has no
// sending chain until the initiator's first DH ratchet step arrives.
func NewResponder(rand io.Reader, sharedSecret, ourPrivate []byte) (*Ratchet, error) {
	if len(sharedSecret) != KeySize || len(ourPrivate) != KeySize {
		return nil, ErrInvalidKeyExchange
	}
	pub, err := curve25519.X25519(ourPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidKeyExchange
	}
	return &Ratchet{
		dhPrivate: append([]byte(nil), ourPrivate...),
		dhPublic:  pub,
		rootKey:   append([]byte(nil), sharedSecret...),
		skipped:   make(map[skippedKeyID][]byte),
		rand:      rand,
	}, nil
}

// Encrypt advances the sending chain and encrypts plaintext under a fresh
// message key.  The returned ciphertext has a random nonce prepended.
func (r *Ratchet) Encrypt(plaintext []byte) (*Header, []byte, error) {
	if r.sendChainKey == nil {
		return nil, nil, ErrUninitializedChain
	}

	var msgKey []byte
	r.sendChainKey, msgKey = kdfChain(r.sendChainKey)
	h := &Header{
		DHPublic:      append([]byte(nil), r.dhPublic...),
		PreviousCount: r.prevSendCount,
		Count:         r.sendCount,
	}
	r.sendCount++

	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(r.rand, nonce); err != nil {
		return nil, nil, err
	}
	out := append(nonce, aead.Seal(nil, nonce, plaintext, h.adBytes())...)
	return h, out, nil
}

// Decrypt opens a ratchet ciphertext.  Out of order delivery is tolerated
// up to MaxSkip via the skipped-key cache; a failed decrypt leaves the
// session state usable for subsequent correctly-ordered messages.
func (r *Ratchet) Decrypt(h *Header, ciphertext []byte) ([]byte, error) {
	if h == nil || len(h.DHPublic) != KeySize {
		return nil, ErrCannotDecrypt
	}

	// A previously stored skipped key is used directly and removed.
	id := skippedID(h.DHPublic, h.Count)
	if key, ok := r.skipped[id]; ok {
		plaintext, err := openMessage(key, h, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(r.skipped, id)
		return plaintext, nil
	}

	// Trial-decrypt against a fork of the session.  The fork is discarded
	// unless the AEAD authenticates, so a tampered ciphertext or a forged
	// header cannot disturb the live state.
	work := r.fork()

	if !bytesEqual(h.DHPublic, work.peerDHPublic) {
		// A new remote ratchet key: close out the old receiving chain
		// first, then take the DH step.
		if err := work.skipMessageKeys(h.PreviousCount); err != nil {
			return nil, err
		}
		if err := work.dhRatchet(h.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := work.skipMessageKeys(h.Count); err != nil {
		return nil, err
	}
	if h.Count < work.recvCount {
		return nil, ErrDuplicateMessage
	}

	var msgKey []byte
	work.recvChainKey, msgKey = kdfChain(work.recvChainKey)
	plaintext, err := openMessage(msgKey, h, ciphertext)
	if err != nil {
		return nil, err
	}
	work.recvCount = h.Count + 1
	*r = *work
	return plaintext, nil
}

// fork copies the session for a trial decryption.  The key derivation
// helpers never mutate byte slices in place so only the skipped-key map
// needs a fresh copy.
func (r *Ratchet) fork() *Ratchet {
	c := *r
	c.skipped = make(map[skippedKeyID][]byte, len(r.skipped))
	for id, key := range r.skipped {
		c.skipped[id] = key
	}
	return &c
}

// skipMessageKeys advances the receiving chain up to (but excluding) the
// given counter, caching the intermediate message keys.  The cache bound
// is enforced here, at insertion.
func (r *Ratchet) skipMessageKeys(until uint32) error {
	if r.recvChainKey == nil || until <= r.recvCount {
		return nil
	}
	if until-r.recvCount > MaxSkip || len(r.skipped)+int(until-r.recvCount) > MaxSkip {
		return ErrTooManySkippedMessages
	}
	for r.recvCount < until {
		var msgKey []byte
		r.recvChainKey, msgKey = kdfChain(r.recvChainKey)
		r.skipped[skippedID(r.peerDHPublic, r.recvCount)] = msgKey
		r.recvCount++
	}
	return nil
}

// dhRatchet performs a full DH ratchet step: two chained DH operations,
// one with the old local keypair and one with a freshly generated one,
// yielding new receive and send chains.
func (r *Ratchet) dhRatchet(theirPublic []byte) error {
	dh, err := curve25519.X25519(r.dhPrivate, theirPublic)
	if err != nil {
		return ErrCannotDecrypt
	}
	r.rootKey, r.recvChainKey = kdfRoot(r.rootKey, dh)

	priv, pub, err := GenerateKeypair(r.rand)
	if err != nil {
		return err
	}
	dh2, err := curve25519.X25519(priv, theirPublic)
	if err != nil {
		return ErrCannotDecrypt
	}
	r.rootKey, r.sendChainKey = kdfRoot(r.rootKey, dh2)

	r.dhPrivate, r.dhPublic = priv, pub
	r.peerDHPublic = append([]byte(nil), theirPublic...)
	r.prevSendCount = r.sendCount
	r.sendCount, r.recvCount = 0, 0
	return nil
}

// Save serializes the session state.  Load restores it bit-for-bit.
func (r *Ratchet) Save() ([]byte, error) {
	s := &state{
		DHPrivate:     r.dhPrivate,
		DHPublic:      r.dhPublic,
		PeerDHPublic:  r.peerDHPublic,
		RootKey:       r.rootKey,
		SendChainKey:  r.sendChainKey,
		RecvChainKey:  r.recvChainKey,
		SendCount:     r.sendCount,
		RecvCount:     r.recvCount,
		PrevSendCount: r.prevSendCount,
	}
	for id, key := range r.skipped {
		s.Skipped = append(s.Skipped, skippedItem{
			DHPublic: append([]byte(nil), id.dhPublic[:]...),
			Count:    id.count,
			Key:      key,
		})
	}
	return cbor.Marshal(s)
}

// Load restores a session from a blob produced by Save.
func Load(rand io.Reader, data []byte) (*Ratchet, error) {
	s := new(state)
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, ErrBadState
	}
	if len(s.DHPrivate) != KeySize || len(s.RootKey) != KeySize {
		return nil, ErrBadState
	}
	if len(s.Skipped) > MaxSkip {
		return nil, ErrBadState
	}
	r := &Ratchet{
		dhPrivate:     s.DHPrivate,
		dhPublic:      s.DHPublic,
		peerDHPublic:  s.PeerDHPublic,
		rootKey:       s.RootKey,
		sendChainKey:  s.SendChainKey,
		recvChainKey:  s.RecvChainKey,
		sendCount:     s.SendCount,
		recvCount:     s.RecvCount,
		prevSendCount: s.PrevSendCount,
		skipped:       make(map[skippedKeyID][]byte),
		rand:          rand,
	}
	for _, item := range s.Skipped {
		if len(item.DHPublic) != KeySize || len(item.Key) != KeySize {
			return nil, ErrBadState
		}
		r.skipped[skippedID(item.DHPublic, item.Count)] = item.Key
	}
	return r, nil
}

func openMessage(key []byte, h *Header, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCannotDecrypt
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, h.adBytes())
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return plaintext, nil
}

// kdfRoot derives a new root key and chain key from a DH output.
func kdfRoot(rootKey, dh []byte) (newRoot, chainKey []byte) {
	newRoot = expand(dh, rootKey, rootInfo)
	chainKey = expand(dh, rootKey, chainInfo)
	return
}

// kdfChain advances a chain key and derives the message key.  The two
// derivations are independently domain separated so neither key is
// recoverable from the other.
func kdfChain(chainKey []byte) (nextChain, messageKey []byte) {
	nextChain = expand(chainKey, nil, chainInfo)
	messageKey = expand(chainKey, nil, messageInfo)
	return
}

func expand(secret, salt, info []byte) []byte {
	out := make([]byte, KeySize)
	h := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(h, out); err != nil {
		panic("ratchet: hkdf failure: " + err.Error())
	}
	return out
}

func (h *Header) adBytes() []byte {
	b := make([]byte, 0, KeySize+8)
	b = append(b, h.DHPublic...)
	b = append(b,
		byte(h.PreviousCount>>24), byte(h.PreviousCount>>16), byte(h.PreviousCount>>8), byte(h.PreviousCount),
		byte(h.Count>>24), byte(h.Count>>16), byte(h.Count>>8), byte(h.Count))
	return b
}

func skippedID(dhPublic []byte, count uint32) skippedKeyID {
	id := skippedKeyID{count: count}
	copy(id.dhPublic[:], dhPublic)
	return id
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
