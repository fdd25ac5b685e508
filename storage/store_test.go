// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/crypto"
)

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return b
}

func testStore(t *testing.T, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "store.db")
	}
	if cfg.NodeIdentity == nil {
		ident, err := crypto.NewIdentity(rand.Reader)
		require.NoError(t, err)
		cfg.NodeIdentity = ident
		cfg.NodeID = ident.Address()
	}
	s, err := New(testBackend(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGet(t *testing.T) {
	s := testStore(t, nil)

	rec, err := s.Store("token-abc", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 1, rec.ReplicationCount)
	require.Len(t, rec.StorageProofs, 1)

	msgs, err := s.GetMessages("token-abc")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, rec.ID, msgs[0].ID)
	require.Equal(t, []byte("hello"), msgs[0].Data)

	// Other recipients see nothing.
	msgs, err = s.GetMessages("token-xyz")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStoreExpiry(t *testing.T) {
	s := testStore(t, &Config{
		TTL:           30 * time.Millisecond,
		SweepInterval: time.Hour,
	})

	_, err := s.Store("token", []byte("ephemeral"))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// Expired records are filtered on read even before the sweep.
	msgs, err := s.GetMessages("token")
	require.NoError(t, err)
	require.Empty(t, msgs)

	n, err := s.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.CleanupExpired()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeleteMessage(t *testing.T) {
	s := testStore(t, nil)

	rec, err := s.Store("token", []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage("token", rec.ID))
	msgs, err := s.GetMessages("token")
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Deleting again, or for an unknown recipient, is a no-op.
	require.NoError(t, s.DeleteMessage("token", rec.ID))
	require.NoError(t, s.DeleteMessage("nobody", rec.ID))
}

func TestStoreRecordReplication(t *testing.T) {
	a := testStore(t, nil)
	b := testStore(t, nil)

	rec, err := a.Store("token", []byte("replicated"))
	require.NoError(t, err)

	require.NoError(t, b.StoreRecord(rec))
	msgs, err := b.GetMessages("token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 2, msgs[0].ReplicationCount)
	require.Len(t, msgs[0].StorageProofs, 2)

	// Re-storing a held record changes nothing.
	require.NoError(t, b.StoreRecord(rec))
	msgs, err = b.GetMessages("token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 2, msgs[0].ReplicationCount)
}

func TestVerifyProofs(t *testing.T) {
	s := testStore(t, nil)

	rec, err := s.Store("token", []byte("attested"))
	require.NoError(t, err)

	valid, invalid := s.VerifyProofs(rec)
	require.Len(t, valid, 1)
	require.Empty(t, invalid)

	rec.StorageProofs[0].Signature[0] ^= 0x01
	valid, invalid = s.VerifyProofs(rec)
	require.Empty(t, valid)
	require.Len(t, invalid, 1)

	rec.StorageProofs[0].Signature[0] ^= 0x01
	rec.Data = []byte("swapped payload")
	valid, invalid = s.VerifyProofs(rec)
	require.Empty(t, valid)
	require.Len(t, invalid, 1)
}

func TestStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ident, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)

	s, err := New(testBackend(t), &Config{Path: path, NodeID: "n1", NodeIdentity: ident})
	require.NoError(t, err)
	rec, err := s.Store("token", []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(testBackend(t), &Config{Path: path, NodeID: "n1", NodeIdentity: ident})
	require.NoError(t, err)
	defer s.Close()
	msgs, err := s.GetMessages("token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, rec.ID, msgs[0].ID)
}

func TestRecordID(t *testing.T) {
	a := RecordID("token", []byte("x"), 1000)
	require.Equal(t, a, RecordID("token", []byte("x"), 1000))
	require.NotEqual(t, a, RecordID("token", []byte("y"), 1000))
	require.NotEqual(t, a, RecordID("other", []byte("x"), 1000))
	require.NotEqual(t, a, RecordID("token", []byte("x"), 1001))
}
