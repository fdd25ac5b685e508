// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "dmail-seal-v1"

// ErrDecryptionFailed is returned on any failure to open a sealed box.
// The cause is deliberately not distinguished.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// SealedBox is a one-shot ephemeral-static box.  The ephemeral public key
// rides along with the ciphertext; the same construction is used for
// envelope payloads and for each onion layer.
type SealedBox struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	Nonce              []byte `json:"nonce"`
	Ciphertext         []byte `json:"ciphertext"`
}

// Seal encrypts plaintext to the recipient's X25519 public key using a
// fresh ephemeral keypair per call.
func Seal(recipientPublic, plaintext []byte) (*SealedBox, error) {
	if len(recipientPublic) != KeySize {
		return nil, ErrInvalidKey
	}

	ephPriv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, err
	}
	clampScalar(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	key, err := sealKey(ephPriv, recipientPublic, ephPub, recipientPublic)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return &SealedBox{
		EphemeralPublicKey: ephPub,
		Nonce:              nonce,
		Ciphertext:         aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// OpenSealed decrypts a sealed box with the recipient's X25519 private key.
func OpenSealed(recipientPrivate []byte, box *SealedBox) ([]byte, error) {
	if box == nil || len(recipientPrivate) != KeySize || len(box.EphemeralPublicKey) != KeySize {
		return nil, ErrDecryptionFailed
	}

	recipientPub, err := curve25519.X25519(recipientPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key, err := sealKey(recipientPrivate, box.EphemeralPublicKey, box.EphemeralPublicKey, recipientPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(box.Nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// sealKey derives the AEAD key from the ECDH shared secret.  The ephemeral
// and recipient public keys are bound into the KDF info so a box cannot be
// re-targeted.
func sealKey(priv, peerPub, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	info := make([]byte, 0, len(sealInfo)+2*KeySize)
	info = append(info, sealInfo...)
	info = append(info, ephPub...)
	info = append(info, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	h := hkdf.New(sha256.New, shared, nil, info)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}
