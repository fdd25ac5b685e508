// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pool maintains the set of peer connections, scores relays by
// observed latency and reliability, and drives reconnection and health
// probing.
package pool

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/core/worker"
	"github.com/dmail-proto/dmail/onion"
	"github.com/dmail-proto/dmail/transport"
)

const (
	// DefaultMinRelayConnections is the relay count the pool tries to
	// maintain.
	DefaultMinRelayConnections = 3

	// DefaultMaxConnections bounds the tracked connection set.
	DefaultMaxConnections = 50

	// DefaultHealthCheckInterval is the health probe period.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultStaleAfter is the idle duration after which a connection is
	// probed.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultReconnectBaseDelay is the first reconnect backoff step.
	DefaultReconnectBaseDelay = time.Second

	// DefaultReconnectMaxDelay caps the reconnect backoff.
	DefaultReconnectMaxDelay = time.Minute

	// DefaultMaxReconnectAttempts bounds reconnection per peer.
	DefaultMaxReconnectAttempts = 5

	pingTimeout = 10 * time.Second

	// latencyEMAWeight is the weight of the previous average in the
	// latency exponential moving average.
	latencyEMAWeight = 0.8
)

var (
	// ErrNoRelays is returned when no relay-capable peer is connected.
	ErrNoRelays = errors.New("pool: no relays available")

	// ErrUnknownPeer is returned for operations on an untracked peer.
	ErrUnknownPeer = errors.New("pool: unknown peer")
)

// Config configures a Pool.
type Config struct {
	MinRelayConnections  int
	MaxConnections       int
	HealthCheckInterval  time.Duration
	StaleAfter           time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	QueueCapacity        int
	BatchSize            int
	BatchInterval        time.Duration

	// Registerer receives the pool's metric collectors.  Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (cfg *Config) fixup() {
	if cfg.MinRelayConnections == 0 {
		cfg.MinRelayConnections = DefaultMinRelayConnections
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchInterval == 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
}

// ConnectionInfo is the externally visible state of a tracked connection.
type ConnectionInfo struct {
	Peer         transport.PeerID
	ConnectedAt  time.Time
	LastActivity time.Time
	AvgLatencyMs float64
	Successes    uint64
	Failures     uint64
	IsRelay      bool
	Score        float64
}

type conn struct {
	peer          transport.PeerID
	connectedAt   time.Time
	lastActivity  time.Time
	avgLatencyMs  float64
	hasLatency    bool
	successes     uint64
	failures      uint64
	isRelay       bool
	encryptionKey []byte
}

// score combines latency and reliability into a [0, 100] relay quality
// score.  Latency contributes 40%, reliability 60%.
func (c *conn) score() float64 {
	latencyScore := 100.0 - c.avgLatencyMs/10.0
	if latencyScore < 0 {
		latencyScore = 0
	}
	reliabilityScore := float64(c.successes) / float64(c.successes+c.failures+1) * 100.0
	s := 0.4*latencyScore + 0.6*reliabilityScore
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}

// Pool tracks peer connections for a transport.
type Pool struct {
	worker.Worker
	sync.RWMutex

	log     *logging.Logger
	cfg     *Config
	tr      transport.Transport
	metrics *metrics

	conns    map[transport.PeerID]*conn
	addrs    map[transport.PeerID]string
	attempts map[transport.PeerID]int
	pending  map[transport.PeerID]bool

	queue *SendQueue
}

// New creates a Pool over the given transport and starts its workers.
func New(logBackend *log.Backend, cfg *Config, tr transport.Transport) *Pool {
	cfg.fixup()
	p := &Pool{
		log:      logBackend.GetLogger("pool"),
		cfg:      cfg,
		tr:       tr,
		metrics:  newMetrics(cfg.Registerer),
		conns:    make(map[transport.PeerID]*conn),
		addrs:    make(map[transport.PeerID]string),
		attempts: make(map[transport.PeerID]int),
		pending:  make(map[transport.PeerID]bool),
	}
	p.queue = newSendQueue(logBackend, cfg, tr, &p.Worker, p.metrics)

	tr.SetStreamHandler(transport.ProtocolPing, p.handlePing)

	for _, peer := range tr.Connected() {
		p.trackPeer(peer)
	}

	p.Go(p.eventWorker)
	p.Go(p.healthWorker)
	p.Go(p.queue.worker)
	return p
}

// Connect dials the given address and tracks the resulting peer.
func (p *Pool) Connect(ctx context.Context, address string) (transport.PeerID, error) {
	peer, err := p.tr.Dial(ctx, address)
	if err != nil {
		return "", err
	}
	p.Lock()
	p.addrs[peer] = address
	p.Unlock()
	p.trackPeer(peer)
	return peer, nil
}

// Enqueue places an outbound message on the batched publish queue.
func (p *Pool) Enqueue(topic string, payload []byte, priority uint64) error {
	return p.queue.Enqueue(topic, payload, priority)
}

// RecordSuccess folds a successful interaction with the peer into its
// latency average and reliability counters.
func (p *Pool) RecordSuccess(peer transport.PeerID, latency time.Duration) {
	p.Lock()
	defer p.Unlock()
	c, ok := p.conns[peer]
	if !ok {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if c.hasLatency {
		c.avgLatencyMs = latencyEMAWeight*c.avgLatencyMs + (1-latencyEMAWeight)*ms
	} else {
		c.avgLatencyMs = ms
		c.hasLatency = true
	}
	c.successes++
	c.lastActivity = time.Now()
}

// RecordFailure folds a failed interaction with the peer into its
// reliability counters.
func (p *Pool) RecordFailure(peer transport.PeerID) {
	p.Lock()
	defer p.Unlock()
	if c, ok := p.conns[peer]; ok {
		c.failures++
	}
}

// Score returns the peer's current quality score.
func (p *Pool) Score(peer transport.PeerID) (float64, error) {
	p.RLock()
	defer p.RUnlock()
	c, ok := p.conns[peer]
	if !ok {
		return 0, ErrUnknownPeer
	}
	return c.score(), nil
}

// Connections returns a snapshot of all tracked connections.
func (p *Pool) Connections() []ConnectionInfo {
	p.RLock()
	defer p.RUnlock()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, ConnectionInfo{
			Peer:         c.peer,
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			AvgLatencyMs: c.avgLatencyMs,
			Successes:    c.successes,
			Failures:     c.failures,
			IsRelay:      c.isRelay,
			Score:        c.score(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Relays returns the connected relay-capable peers with their keys and
// scores, for onion route selection.
func (p *Pool) Relays() []onion.Relay {
	p.RLock()
	defer p.RUnlock()
	out := make([]onion.Relay, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.isRelay || len(c.encryptionKey) == 0 {
			continue
		}
		out = append(out, onion.Relay{
			Peer:          c.peer,
			EncryptionKey: c.encryptionKey,
			Score:         c.score(),
		})
	}
	return out
}

// RelayCandidates returns the connected relay-capable peer IDs, for
// replication target selection.
func (p *Pool) RelayCandidates() []transport.PeerID {
	p.RLock()
	defer p.RUnlock()
	out := make([]transport.PeerID, 0, len(p.conns))
	for _, c := range p.conns {
		if c.isRelay {
			out = append(out, c.peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetRelayForRouting picks a relay weighted by score, so better relays
// are preferred without starving the rest.
func (p *Pool) GetRelayForRouting() (transport.PeerID, error) {
	p.RLock()
	defer p.RUnlock()

	var relays []*conn
	total := 0.0
	for _, c := range p.conns {
		if c.isRelay {
			relays = append(relays, c)
			total += c.score() + 1
		}
	}
	if len(relays) == 0 {
		return "", ErrNoRelays
	}
	x := rand.Float64() * total
	for _, c := range relays {
		x -= c.score() + 1
		if x <= 0 {
			return c.peer, nil
		}
	}
	return relays[len(relays)-1].peer, nil
}

// Close stops the pool workers.  The transport is left to its owner.
func (p *Pool) Close() {
	p.Halt()
}

func (p *Pool) eventWorker() {
	events := p.tr.Events()
	for {
		select {
		case <-p.HaltCh():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case transport.EventConnected:
				p.onConnected(ev.Peer)
			case transport.EventDisconnected:
				p.onDisconnected(ev.Peer)
			}
		}
	}
}

func (p *Pool) onConnected(peer transport.PeerID) {
	p.Lock()
	delete(p.attempts, peer)
	delete(p.pending, peer)
	full := len(p.conns) >= p.cfg.MaxConnections
	_, tracked := p.conns[peer]
	p.Unlock()
	if full && !tracked {
		p.log.Debugf("ignoring peer %v: connection budget exhausted", peer)
		return
	}
	p.trackPeer(peer)
}

func (p *Pool) onDisconnected(peer transport.PeerID) {
	p.Lock()
	c, ok := p.conns[peer]
	if ok {
		delete(p.conns, peer)
		p.metrics.activeConnections.Dec()
		if c.isRelay {
			p.metrics.relayConnections.Dec()
		}
	}
	_, known := p.addrs[peer]
	p.Unlock()

	if ok {
		p.log.Debugf("peer %v disconnected", peer)
	}
	if known {
		p.scheduleReconnect(peer)
	}
}

// trackPeer records a connected peer, probing it for relay capability
// and its advertised encryption key.
func (p *Pool) trackPeer(peer transport.PeerID) {
	isRelay := false
	if protos, err := p.tr.PeerProtocols(peer); err == nil {
		for _, proto := range protos {
			if proto == transport.ProtocolStore {
				isRelay = true
				break
			}
		}
	}
	var key []byte
	if k, err := p.tr.PeerEncryptionKey(peer); err == nil {
		key = k
	}

	now := time.Now()
	p.Lock()
	defer p.Unlock()
	if c, ok := p.conns[peer]; ok {
		c.isRelay = isRelay
		c.encryptionKey = key
		c.lastActivity = now
		return
	}
	p.conns[peer] = &conn{
		peer:          peer,
		connectedAt:   now,
		lastActivity:  now,
		isRelay:       isRelay,
		encryptionKey: key,
	}
	p.metrics.activeConnections.Inc()
	if isRelay {
		p.metrics.relayConnections.Inc()
	}
	p.log.Debugf("tracking peer %v (relay: %v)", peer, isRelay)
}

// scheduleReconnect redials a lost peer after an exponential backoff,
// giving up after the attempt budget is spent.
func (p *Pool) scheduleReconnect(peer transport.PeerID) {
	p.Lock()
	if p.pending[peer] {
		p.Unlock()
		return
	}
	n := p.attempts[peer]
	if n >= p.cfg.MaxReconnectAttempts {
		p.log.Noticef("giving up on peer %v after %d attempts", peer, n)
		delete(p.addrs, peer)
		delete(p.attempts, peer)
		p.Unlock()
		return
	}
	p.attempts[peer] = n + 1
	p.pending[peer] = true
	address := p.addrs[peer]
	p.Unlock()

	delay := p.cfg.ReconnectBaseDelay << uint(n)
	if delay > p.cfg.ReconnectMaxDelay {
		delay = p.cfg.ReconnectMaxDelay
	}

	p.Go(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.HaltCh():
			return
		case <-timer.C:
		}

		p.metrics.reconnectAttempts.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		_, err := p.tr.Dial(ctx, address)

		p.Lock()
		delete(p.pending, peer)
		p.Unlock()

		if err != nil {
			p.log.Debugf("reconnect to %v failed: %v", peer, err)
			p.scheduleReconnect(peer)
		}
	})
}

func (p *Pool) healthWorker() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.HaltCh():
			return
		case <-ticker.C:
			p.checkHealth()
			p.maintainRelays()
		}
	}
}

// maintainRelays redials known but disconnected peers while the relay
// count sits below the configured floor.
func (p *Pool) maintainRelays() {
	p.RLock()
	relayCount := 0
	for _, c := range p.conns {
		if c.isRelay {
			relayCount++
		}
	}
	var candidates []string
	if relayCount < p.cfg.MinRelayConnections {
		for peer, address := range p.addrs {
			if _, connected := p.conns[peer]; !connected && !p.pending[peer] {
				candidates = append(candidates, address)
			}
		}
	}
	p.RUnlock()
	if len(candidates) == 0 {
		return
	}

	p.log.Debugf("relay count %d below floor %d, redialing %d peers",
		relayCount, p.cfg.MinRelayConnections, len(candidates))
	for _, address := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		if _, err := p.tr.Dial(ctx, address); err != nil {
			p.log.Debugf("redial of %v failed: %v", address, err)
		}
		cancel()
	}
}

// checkHealth pings connections that have been idle longer than
// StaleAfter and drops the ones that fail the probe.
func (p *Pool) checkHealth() {
	cutoff := time.Now().Add(-p.cfg.StaleAfter)
	p.RLock()
	var stale []transport.PeerID
	for peer, c := range p.conns {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, peer)
		}
	}
	p.RUnlock()

	for _, peer := range stale {
		rtt, err := p.Ping(peer)
		if err != nil {
			p.metrics.healthCheckFailures.Inc()
			p.log.Noticef("health probe to %v failed: %v", peer, err)
			p.RecordFailure(peer)
			p.onDisconnected(peer)
			continue
		}
		p.RecordSuccess(peer, rtt)
	}
}

type pingFrame struct {
	Nonce string `json:"nonce"`
}

func (p *Pool) handlePing(from transport.PeerID, s transport.Stream) {
	defer s.Close()
	var msg pingFrame
	if err := transport.ReadFrame(s, &msg); err != nil {
		return
	}
	_ = transport.WriteFrame(s, &msg)
}

// Ping measures the round trip time to a connected peer.
func (p *Pool) Ping(peer transport.PeerID) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	s, err := p.tr.OpenStream(ctx, peer, transport.ProtocolPing)
	if err != nil {
		return 0, err
	}

	var nonce [8]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		s.Close()
		return 0, err
	}
	req := pingFrame{Nonce: hex.EncodeToString(nonce[:])}

	start := time.Now()
	doneCh := make(chan error, 1)
	var resp pingFrame
	go func() {
		defer s.Close()
		if err := transport.WriteFrame(s, req); err != nil {
			doneCh <- err
			return
		}
		doneCh <- transport.ReadFrame(s, &resp)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		return 0, ctx.Err()
	case err := <-doneCh:
		if err != nil {
			return 0, err
		}
	}
	if resp.Nonce != req.Nonce {
		return 0, errors.New("pool: ping nonce mismatch")
	}
	return time.Since(start), nil
}
