// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmail-proto/dmail/crypto"
)

func makeIdentity(t *testing.T) *crypto.Identity {
	id, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)
	return id
}

func TestPlainRoundTrip(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	plaintext := []byte("hello bob")
	e, err := BuildPlain(alice, bob.Address(), bob.EncryptionPublicKey(), plaintext)
	require.NoError(t, err)
	require.Equal(t, TypePlain, e.Type)
	require.Equal(t, alice.Address(), e.From)

	msg, err := Parse(e, bob)
	require.NoError(t, err)
	require.Equal(t, plaintext, msg.Content)
	require.Equal(t, alice.Address(), msg.Sender)
	require.Equal(t, bob.Address(), msg.Recipient)
}

func TestPlainTamperDetection(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	e, err := BuildPlain(alice, bob.Address(), bob.EncryptionPublicKey(), []byte("x"))
	require.NoError(t, err)

	ct := e.Encrypted.Ciphertext
	ct[len(ct)/2] ^= 0x01
	_, err = Parse(e, bob)
	require.Error(t, err)
	ct[len(ct)/2] ^= 0x01

	e.Signature[0] ^= 0x01
	_, err = Parse(e, bob)
	require.ErrorIs(t, err, ErrInvalidSignature)
	e.Signature[0] ^= 0x01

	// Forged sender address fails signature verification.
	e.From = makeIdentity(t).Address()
	_, err = Parse(e, bob)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSealedRoundTrip(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	plaintext := []byte("sealed hello")
	e, err := BuildSealed(alice, bob.Address(), bob.EncryptionPublicKey(), plaintext)
	require.NoError(t, err)
	require.Equal(t, TypeSealed, e.Type)

	// Nothing sender or recipient identifying is visible on the wire.
	require.Empty(t, e.From)
	require.Empty(t, e.To)
	require.Empty(t, e.Signature)
	require.NotEmpty(t, e.Padding)
	require.Equal(t, Token(bob.Address()), e.RoutingToken)

	msg, err := Parse(e, bob)
	require.NoError(t, err)
	require.Equal(t, plaintext, msg.Content)
	require.Equal(t, alice.Address(), msg.Sender)
}

func TestSealedTimestampJitter(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	e, err := BuildSealed(alice, bob.Address(), bob.EncryptionPublicKey(), []byte("x"))
	require.NoError(t, err)

	delta := time.Since(time.UnixMilli(e.Timestamp))
	require.Less(t, delta.Abs(), TimestampJitter+time.Minute)
}

func TestSealedNotForMe(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	eve := makeIdentity(t)

	e, err := BuildSealed(alice, bob.Address(), bob.EncryptionPublicKey(), []byte("x"))
	require.NoError(t, err)

	require.True(t, e.IsForMe(bob))
	require.False(t, e.IsForMe(eve))

	_, err = Parse(e, eve)
	require.ErrorIs(t, err, ErrNotForMe)
}

func TestMissingRecipientKey(t *testing.T) {
	alice := makeIdentity(t)
	_, err := BuildPlain(alice, "dm1whatever", nil, []byte("x"))
	require.ErrorIs(t, err, ErrMissingRecipientKey)
	_, err = BuildSealed(alice, "dm1whatever", nil, []byte("x"))
	require.ErrorIs(t, err, ErrMissingRecipientKey)
}

func TestTokenStability(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	require.Equal(t, Token(alice.Address()), Token(alice.Address()))
	require.NotEqual(t, Token(alice.Address()), Token(bob.Address()))
}

func TestMessageIDDeterminism(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)

	e, err := BuildSealed(alice, bob.Address(), bob.EncryptionPublicKey(), []byte("x"))
	require.NoError(t, err)

	require.Equal(t, MessageID(e), MessageID(e))

	// A wire round trip preserves the ID.
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	decoded := new(Envelope)
	require.NoError(t, json.Unmarshal(raw, decoded))
	require.Equal(t, MessageID(e), MessageID(decoded))

	other, err := BuildSealed(alice, bob.Address(), bob.EncryptionPublicKey(), []byte("x"))
	require.NoError(t, err)
	require.NotEqual(t, MessageID(e), MessageID(other))
}
