// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/crypto"
	"github.com/dmail-proto/dmail/transport"
)

type staticDirectory struct {
	relays []Relay
}

func (d *staticDirectory) Relays() []Relay { return d.relays }

type relayNode struct {
	id     transport.PeerID
	ident  *crypto.Identity
	router *Router
}

func newBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func newRelayNode(t *testing.T, backend *log.Backend, id string, dir RelayDirectory) *relayNode {
	ident, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)
	r := NewRouter(backend, ident.EncryptionPrivateKey(), dir)
	t.Cleanup(r.Halt)
	return &relayNode{id: transport.PeerID(id), ident: ident, router: r}
}

func TestThreeHopRoundTrip(t *testing.T) {
	backend := newBackend(t)
	dir := &staticDirectory{}

	nodes := make(map[transport.PeerID]*relayNode)
	for _, id := range []string{"r1", "r2", "r3"} {
		n := newRelayNode(t, backend, id, dir)
		nodes[n.id] = n
		dir.relays = append(dir.relays, Relay{
			Peer:          n.id,
			EncryptionKey: n.ident.EncryptionPublicKey(),
			Score:         50,
		})
	}

	dest, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)

	sender := newRelayNode(t, backend, "sender", dir)
	relays, err := sender.router.SelectRelays(3, nil)
	require.NoError(t, err)
	require.Len(t, relays, 3)

	message := []byte("through the onion")
	pkt, entry, order, err := sender.router.BuildRoute(message, dest.Address(), dest.EncryptionPublicKey(), relays)
	require.NoError(t, err)
	require.Equal(t, relays[0].Peer, entry.Peer)
	require.Len(t, order, 3)

	// Peel at each hop in order.
	from := sender.id
	for i, hop := range order {
		res, err := nodes[hop].router.ProcessPacket(pkt, from)
		require.NoError(t, err)
		if i < len(order)-1 {
			require.Equal(t, ResultForward, res.Type)
			require.Equal(t, order[i+1], res.NextHop)
			require.Equal(t, pkt.CircuitID, res.Packet.CircuitID)
			pkt = res.Packet
			from = hop
		} else {
			require.Equal(t, ResultExit, res.Type)
			require.Equal(t, dest.Address(), res.Destination)

			out, err := OpenTerminal(dest.EncryptionPrivateKey(), res.Payload)
			require.NoError(t, err)
			require.Equal(t, message, out)
		}
	}

	// Reply-path bookkeeping records the previous hop at each relay.
	prev, ok := nodes[order[1]].router.PreviousHop(pkt.CircuitID)
	require.True(t, ok)
	require.Equal(t, order[0], prev)
}

func TestWrongKeyFailsUniformly(t *testing.T) {
	backend := newBackend(t)
	dir := &staticDirectory{}

	n1 := newRelayNode(t, backend, "r1", dir)
	n2 := newRelayNode(t, backend, "r2", dir)
	dir.relays = []Relay{
		{Peer: n1.id, EncryptionKey: n1.ident.EncryptionPublicKey(), Score: 10},
		{Peer: n2.id, EncryptionKey: n2.ident.EncryptionPublicKey(), Score: 10},
	}

	dest, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)

	relays, err := n1.router.SelectRelays(2, nil)
	require.NoError(t, err)
	pkt, _, order, err := n1.router.BuildRoute([]byte("m"), dest.Address(), dest.EncryptionPublicKey(), relays)
	require.NoError(t, err)

	// Peeling with the wrong node's key fails with the same error as a
	// malformed packet.
	wrong := n1
	if order[0] == n1.id {
		wrong = n2
	}
	_, err = wrong.router.ProcessPacket(pkt, "x")
	require.ErrorIs(t, err, ErrProcessingFailed)

	_, err = wrong.router.ProcessPacket(&Packet{Version: PacketVersion}, "x")
	require.ErrorIs(t, err, ErrProcessingFailed)
}

func TestSelectRelaysExcludesAndFails(t *testing.T) {
	backend := newBackend(t)
	dir := &staticDirectory{
		relays: []Relay{
			{Peer: "a", EncryptionKey: make([]byte, 32), Score: 90},
			{Peer: "b", EncryptionKey: make([]byte, 32), Score: 10},
		},
	}
	ident, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)
	r := NewRouter(backend, ident.EncryptionPrivateKey(), dir)
	defer r.Halt()

	_, err = r.SelectRelays(3, nil)
	require.ErrorIs(t, err, ErrInsufficientRelays)

	got, err := r.SelectRelays(1, map[transport.PeerID]bool{"a": true})
	require.NoError(t, err)
	require.Equal(t, transport.PeerID("b"), got[0].Peer)

	got, err = r.SelectRelays(2, nil)
	require.NoError(t, err)
	require.NotEqual(t, got[0].Peer, got[1].Peer)
}

func TestCircuitSweep(t *testing.T) {
	backend := newBackend(t)
	ident, err := crypto.NewIdentity(rand.Reader)
	require.NoError(t, err)
	r := NewRouter(backend, ident.EncryptionPrivateKey(), &staticDirectory{})
	defer r.Halt()

	r.Lock()
	r.circuits["old"] = circuitEntry{prevHop: "p", lastSeen: time.Now().Add(-CircuitIdleTimeout - time.Minute)}
	r.circuits["fresh"] = circuitEntry{prevHop: "p", lastSeen: time.Now()}
	r.Unlock()

	r.sweepCircuits(time.Now())

	_, ok := r.PreviousHop("old")
	require.False(t, ok)
	_, ok = r.PreviousHop("fresh")
	require.True(t, ok)
}
