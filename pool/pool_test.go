// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/transport"
	"github.com/dmail-proto/dmail/transport/memnet"
)

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return b
}

func markRelay(p *memnet.Peer) {
	p.SetStreamHandler(transport.ProtocolStore, func(_ transport.PeerID, s transport.Stream) {
		s.Close()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "condition not reached")
}

func TestPoolTracksConnections(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	relay := hub.NewPeer("relay", []byte("relay-x25519-key"))
	hub.NewPeer("plain", nil)
	markRelay(relay)

	p := New(testBackend(t), &Config{}, local)
	defer p.Close()

	_, err := p.Connect(context.Background(), "relay")
	require.NoError(t, err)
	_, err = p.Connect(context.Background(), "plain")
	require.NoError(t, err)

	conns := p.Connections()
	require.Len(t, conns, 2)

	relays := p.Relays()
	require.Len(t, relays, 1)
	require.Equal(t, transport.PeerID("relay"), relays[0].Peer)
	require.Equal(t, []byte("relay-x25519-key"), relays[0].EncryptionKey)

	require.Equal(t, []transport.PeerID{"relay"}, p.RelayCandidates())

	peer, err := p.GetRelayForRouting()
	require.NoError(t, err)
	require.Equal(t, transport.PeerID("relay"), peer)
}

func TestPoolScore(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	hub.NewPeer("peer", nil)

	p := New(testBackend(t), &Config{}, local)
	defer p.Close()

	_, err := p.Connect(context.Background(), "peer")
	require.NoError(t, err)

	// No interactions yet: full latency score, zero reliability.
	score, err := p.Score("peer")
	require.NoError(t, err)
	require.InDelta(t, 40.0, score, 0.001)

	p.RecordSuccess("peer", 50*time.Millisecond)
	// latency 50ms scores 95, reliability 1/2 scores 50.
	score, err = p.Score("peer")
	require.NoError(t, err)
	require.InDelta(t, 0.4*95+0.6*50, score, 0.001)

	// Latency moves as an EMA weighted 80/20 toward new samples.
	p.RecordSuccess("peer", 250*time.Millisecond)
	ci := p.Connections()[0]
	require.InDelta(t, 0.8*50+0.2*250, ci.AvgLatencyMs, 0.001)

	before := ci.Score
	p.RecordFailure("peer")
	after, err := p.Score("peer")
	require.NoError(t, err)
	require.Less(t, after, before)

	_, err = p.Score("stranger")
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPoolEventTracking(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	remote := hub.NewPeer("remote", nil)

	p := New(testBackend(t), &Config{MaxReconnectAttempts: 1, ReconnectBaseDelay: time.Hour}, local)
	defer p.Close()

	// Inbound connection, seen only through the event stream.
	_, err := remote.Dial(context.Background(), "local")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(p.Connections()) == 1 })

	local.Disconnect("remote")
	waitFor(t, func() bool { return len(p.Connections()) == 0 })
}

func TestPoolReconnect(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	hub.NewPeer("remote", nil)

	p := New(testBackend(t), &Config{ReconnectBaseDelay: 10 * time.Millisecond}, local)
	defer p.Close()

	_, err := p.Connect(context.Background(), "remote")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(p.Connections()) == 1 })

	// Dialed peers are redialed after a drop.
	local.Disconnect("remote")
	waitFor(t, func() bool { return len(p.Connections()) == 1 })
}

func TestPoolPing(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	remote := hub.NewPeer("remote", nil)

	p := New(testBackend(t), &Config{}, local)
	defer p.Close()
	pr := New(testBackend(t), &Config{}, remote)
	defer pr.Close()

	_, err := p.Connect(context.Background(), "remote")
	require.NoError(t, err)

	rtt, err := p.Ping("remote")
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))

	_, err = p.Ping("stranger")
	require.Error(t, err)
}

func TestPoolNoRelays(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)

	p := New(testBackend(t), &Config{}, local)
	defer p.Close()

	_, err := p.GetRelayForRouting()
	require.ErrorIs(t, err, ErrNoRelays)
}

func TestSendQueueBatching(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)

	// The interval is effectively disabled so the drain is driven by the
	// batch-size wakeup alone, keeping the batch contents deterministic.
	p := New(testBackend(t), &Config{
		QueueCapacity: 4,
		BatchSize:     2,
		BatchInterval: time.Hour,
	}, local)
	defer p.Close()

	sub, err := local.Subscribe("topic")
	require.NoError(t, err)

	require.NoError(t, p.Enqueue("topic", []byte("low"), 10))
	require.NoError(t, p.Enqueue("topic", []byte("high"), 1))

	// Priority order survives batching.
	first := <-sub
	second := <-sub
	require.Equal(t, "high", string(first))
	require.Equal(t, "low", string(second))
}

func TestPoolMetricsRegistry(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)
	hub.NewPeer("peer", nil)

	reg := prometheus.NewRegistry()
	p := New(testBackend(t), &Config{Registerer: reg}, local)
	defer p.Close()

	_, err := p.Connect(context.Background(), "peer")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "dmail_pool_active_connections" {
			found = true
			require.InDelta(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue(), 0.001)
		}
	}
	require.True(t, found)

	// A second pool on the same registry reuses the collectors.
	other := hub.NewPeer("other", nil)
	p2 := New(testBackend(t), &Config{Registerer: reg}, other)
	p2.Close()
}

func TestSendQueueFull(t *testing.T) {
	hub := memnet.NewHub()
	local := hub.NewPeer("local", nil)

	p := New(testBackend(t), &Config{
		QueueCapacity: 2,
		BatchInterval: time.Hour,
	}, local)
	defer p.Close()

	require.NoError(t, p.Enqueue("topic", []byte("a"), 0))
	require.NoError(t, p.Enqueue("topic", []byte("b"), 0))
	require.ErrorIs(t, p.Enqueue("topic", []byte("c"), 0), ErrQueueFull)
}
