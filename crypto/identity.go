// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the identity key material and the primitive
// encryption operations used by the dmail protocol stack.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of the X25519 keys.
	KeySize = 32

	// AddressHRP is the human readable part of a dmail address.
	AddressHRP = "dm"

	addressHashSize = 20

	encryptionKeyInfo = "dmail-encryption-key-v1"
)

var (
	// ErrInvalidAddress is the error returned when an address fails to
	// decode or carries a bad checksum.
	ErrInvalidAddress = errors.New("crypto: invalid address")

	// ErrInvalidKey is the error returned when key material has the
	// wrong length.
	ErrInvalidKey = errors.New("crypto: invalid key")
)

// Identity is a signing keypair and the encryption keypair derived from it.
// The encryption keys are a pure function of the signing seed so that a
// backup of the seed recovers the full identity.
type Identity struct {
	signingPrivate ed25519.PrivateKey
	signingPublic  ed25519.PublicKey

	encryptionPrivate []byte
	encryptionPublic  []byte

	address string
}

type identityBlob struct {
	Version int    `cbor:"version"`
	Seed    []byte `cbor:"seed"`
}

// NewIdentity generates a new identity using the provided entropy source.
func NewIdentity(rand io.Reader) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return identityFromSigningKey(priv)
}

// IdentityFromSeed reconstructs an identity from a 32 byte ed25519 seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	return identityFromSigningKey(ed25519.NewKeyFromSeed(seed))
}

func identityFromSigningKey(priv ed25519.PrivateKey) (*Identity, error) {
	id := &Identity{
		signingPrivate: priv,
		signingPublic:  priv.Public().(ed25519.PublicKey),
	}

	// The encryption keypair is derived from the signing seed via a
	// domain separated KDF, not by reusing the ed25519 scalar.
	encPriv := make([]byte, KeySize)
	h := hkdf.New(sha256.New, priv.Seed(), nil, []byte(encryptionKeyInfo))
	if _, err := io.ReadFull(h, encPriv); err != nil {
		return nil, err
	}
	clampScalar(encPriv)
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id.encryptionPrivate = encPriv
	id.encryptionPublic = encPub

	addr, err := EncodeAddress(id.signingPublic)
	if err != nil {
		return nil, err
	}
	id.address = addr
	return id, nil
}

// Address returns the bech32 encoded address derived from the signing
// public key.
func (id *Identity) Address() string {
	return id.address
}

// SigningPublicKey returns the ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.signingPublic
}

// EncryptionPublicKey returns the X25519 public key.
func (id *Identity) EncryptionPublicKey() []byte {
	return id.encryptionPublic
}

// EncryptionPrivateKey returns the X25519 private key.
func (id *Identity) EncryptionPrivateKey() []byte {
	return id.encryptionPrivate
}

// Sign signs msg with the identity's signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signingPrivate, msg)
}

// Verify checks sig over msg against the given signing public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Export serializes the identity to a backup blob.  The blob contains the
// signing seed and MUST be protected by the caller.
func (id *Identity) Export() ([]byte, error) {
	return cbor.Marshal(&identityBlob{
		Version: 1,
		Seed:    id.signingPrivate.Seed(),
	})
}

// Import reconstructs an identity from a backup blob produced by Export.
func Import(blob []byte) (*Identity, error) {
	b := new(identityBlob)
	if err := cbor.Unmarshal(blob, b); err != nil {
		return nil, err
	}
	if b.Version != 1 {
		return nil, errors.New("crypto: unsupported identity blob version")
	}
	return IdentityFromSeed(b.Seed)
}

// EncodeAddress derives the checksummed human readable address for a
// signing public key.
func EncodeAddress(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidKey
	}
	h, err := blake2b.New(addressHashSize, nil)
	if err != nil {
		return "", err
	}
	h.Write(pub)
	conv, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressHRP, conv)
}

// DecodeAddress validates an address and returns the 20 byte key hash it
// encodes.
func DecodeAddress(addr string) ([]byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil || hrp != AddressHRP {
		return nil, ErrInvalidAddress
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != addressHashSize {
		return nil, ErrInvalidAddress
	}
	return raw, nil
}

func clampScalar(s []byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}
