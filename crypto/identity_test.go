// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityAddressDeterminism(t *testing.T) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(id.Address(), "dm1"))

	// The address is a pure function of the signing public key.
	again, err := EncodeAddress(id.SigningPublicKey())
	require.NoError(t, err)
	require.Equal(t, id.Address(), again)

	hash, err := DecodeAddress(id.Address())
	require.NoError(t, err)
	require.Len(t, hash, 20)
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("dm1qqqqnotanaddress")
	require.ErrorIs(t, err, ErrInvalidAddress)

	// Valid bech32, wrong HRP.
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)
	wrong := "xx" + id.Address()[2:]
	_, err = DecodeAddress(wrong)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestIdentityExportImport(t *testing.T) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)

	blob, err := id.Export()
	require.NoError(t, err)

	restored, err := Import(blob)
	require.NoError(t, err)
	require.Equal(t, id.Address(), restored.Address())
	require.Equal(t, id.EncryptionPublicKey(), restored.EncryptionPublicKey())
	require.Equal(t, id.SigningPublicKey(), restored.SigningPublicKey())
}

func TestSignVerify(t *testing.T) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)

	msg := []byte("hello")
	sig := id.Sign(msg)
	require.True(t, Verify(id.SigningPublicKey(), msg, sig))
	require.False(t, Verify(id.SigningPublicKey(), []byte("hellp"), sig))

	sig[0] ^= 0x01
	require.False(t, Verify(id.SigningPublicKey(), msg, sig))
}

func TestSealRoundTrip(t *testing.T) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)

	plaintext := []byte("attack at dawn")
	box, err := Seal(id.EncryptionPublicKey(), plaintext)
	require.NoError(t, err)

	out, err := OpenSealed(id.EncryptionPrivateKey(), box)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestSealTamperDetection(t *testing.T) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)
	other, err := NewIdentity(rand.Reader)
	require.NoError(t, err)

	box, err := Seal(id.EncryptionPublicKey(), []byte("payload"))
	require.NoError(t, err)

	// Wrong key.
	_, err = OpenSealed(other.EncryptionPrivateKey(), box)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// Tampered ciphertext.
	box.Ciphertext[0] ^= 0x01
	_, err = OpenSealed(id.EncryptionPrivateKey(), box)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	box.Ciphertext[0] ^= 0x01

	// Tampered nonce.
	box.Nonce[0] ^= 0x01
	_, err = OpenSealed(id.EncryptionPrivateKey(), box)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}
