// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmail-proto/dmail/crypto"
	"github.com/dmail-proto/dmail/ratelimit"
	"github.com/dmail-proto/dmail/transport"
	"github.com/dmail-proto/dmail/transport/memnet"
)

type staticDir []transport.PeerID

func (d staticDir) RelayCandidates() []transport.PeerID { return d }

type testNode struct {
	store *Store
	coord *Coordinator
	tr    *memnet.Peer
}

func newTestNode(t *testing.T, hub *memnet.Hub, id transport.PeerID, dir PeerDirectory, lim *ratelimit.Limiter) *testNode {
	ident, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)
	tr := hub.NewPeer(id, ident.EncryptionPublicKey())
	store := testStore(t, &Config{
		Path:         filepath.Join(t.TempDir(), string(id)+".db"),
		NodeID:       string(id),
		NodeIdentity: ident,
	})
	backend := testBackend(t)
	return &testNode{
		store: store,
		coord: NewCoordinator(backend, store, tr, dir, lim, 0),
		tr:    tr,
	}
}

func connectAll(t *testing.T, nodes []*testNode) {
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			_, err := a.tr.Dial(context.Background(), string(b.tr.LocalPeer()))
			require.NoError(t, err)
		}
	}
}

func TestStoreWithReplication(t *testing.T) {
	hub := memnet.NewHub()
	dir := staticDir{"a", "b", "c"}
	a := newTestNode(t, hub, "a", dir, nil)
	b := newTestNode(t, hub, "b", dir, nil)
	c := newTestNode(t, hub, "c", dir, nil)
	connectAll(t, []*testNode{a, b, c})

	rec, err := a.coord.StoreWithReplication(context.Background(), "token", []byte("replicated"))
	require.NoError(t, err)

	for _, n := range []*testNode{b, c} {
		msgs, err := n.store.GetMessages("token")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, rec.ID, msgs[0].ID)
		require.Equal(t, 2, msgs[0].ReplicationCount)
		require.Len(t, msgs[0].StorageProofs, 2)
	}
}

func TestStoreWithReplicationPartialFailure(t *testing.T) {
	hub := memnet.NewHub()
	// One target is never attached to the hub, so pushes to it fail.
	dir := staticDir{"a", "b", "ghost"}
	a := newTestNode(t, hub, "a", dir, nil)
	b := newTestNode(t, hub, "b", dir, nil)
	connectAll(t, []*testNode{a, b})

	rec, err := a.coord.StoreWithReplication(context.Background(), "token", []byte("partial"))
	require.NoError(t, err)

	// The local store and the reachable replica both hold the record.
	msgs, err := a.store.GetMessages("token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msgs, err = b.store.GetMessages("token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, rec.ID, msgs[0].ID)
}

func TestFetchFromNetwork(t *testing.T) {
	hub := memnet.NewHub()
	dir := staticDir{"a", "b"}
	a := newTestNode(t, hub, "a", dir, nil)
	b := newTestNode(t, hub, "b", dir, nil)
	connectAll(t, []*testNode{a, b})

	// The record exists only on b, as if a had been offline.
	rec, err := b.store.Store("token", []byte("while you were away"))
	require.NoError(t, err)

	msgs, err := a.coord.FetchFromNetwork(context.Background(), "token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, rec.ID, msgs[0].ID)
	require.Equal(t, []byte("while you were away"), msgs[0].Data)
}

func TestFetchFromNetworkMerge(t *testing.T) {
	hub := memnet.NewHub()
	dir := staticDir{"a", "b"}
	a := newTestNode(t, hub, "a", dir, nil)
	b := newTestNode(t, hub, "b", dir, nil)
	connectAll(t, []*testNode{a, b})

	rec, err := a.store.Store("token", []byte("shared"))
	require.NoError(t, err)
	// b's copy carries a higher replication count and must win the merge.
	require.NoError(t, b.store.StoreRecord(rec))

	msgs, err := a.coord.FetchFromNetwork(context.Background(), "token")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, rec.ID, msgs[0].ID)
	require.Equal(t, 2, msgs[0].ReplicationCount)
}

func TestStoreHandlerRateLimited(t *testing.T) {
	hub := memnet.NewHub()
	dir := staticDir{"a", "b"}
	lim := ratelimit.New(&ratelimit.Config{MaxRequests: 1})
	defer lim.Close()

	a := newTestNode(t, hub, "a", dir, nil)
	b := newTestNode(t, hub, "b", dir, lim)
	connectAll(t, []*testNode{a, b})

	rec, err := a.store.Store("token", []byte("one"))
	require.NoError(t, err)
	require.NoError(t, a.coord.pushRecord(context.Background(), "b", rec))

	rec2, err := a.store.Store("token", []byte("two"))
	require.NoError(t, err)
	err = a.coord.pushRecord(context.Background(), "b", rec2)
	require.Error(t, err)
	require.Contains(t, err.Error(), ratelimit.ReasonRateExceeded)
}
