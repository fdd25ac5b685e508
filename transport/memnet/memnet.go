// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memnet provides an in-process implementation of the peer
// transport substrate, used by the test suites and by single-process
// multi-node simulations.
package memnet

import (
	"context"
	"net"
	"sync"

	"github.com/dmail-proto/dmail/transport"
)

// Hub connects a set of in-process peers.
type Hub struct {
	sync.RWMutex
	peers map[transport.PeerID]*Peer
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[transport.PeerID]*Peer)}
}

// NewPeer attaches a new peer to the hub.
func (h *Hub) NewPeer(id transport.PeerID, encryptionKey []byte) *Peer {
	p := &Peer{
		hub:       h,
		id:        id,
		encKey:    append([]byte(nil), encryptionKey...),
		handlers:  make(map[transport.ProtocolID]transport.StreamHandler),
		subs:      make(map[string][]chan []byte),
		connected: make(map[transport.PeerID]bool),
		events:    make(chan transport.Event, 64),
	}
	h.Lock()
	h.peers[id] = p
	h.Unlock()
	return p
}

func (h *Hub) peer(id transport.PeerID) *Peer {
	h.RLock()
	defer h.RUnlock()
	return h.peers[id]
}

// Peer is an in-process transport endpoint.
type Peer struct {
	sync.RWMutex

	hub    *Hub
	id     transport.PeerID
	encKey []byte

	handlers  map[transport.ProtocolID]transport.StreamHandler
	subs      map[string][]chan []byte
	connected map[transport.PeerID]bool
	events    chan transport.Event
	closed    bool
}

var _ transport.Transport = (*Peer)(nil)

// LocalPeer returns the peer's ID.
func (p *Peer) LocalPeer() transport.PeerID {
	return p.id
}

// Dial connects to another hub peer.  In memnet the address is the peer ID.
func (p *Peer) Dial(_ context.Context, address string) (transport.PeerID, error) {
	remote := p.hub.peer(transport.PeerID(address))
	if remote == nil || remote.isClosed() || p.isClosed() {
		return "", transport.ErrPeerUnreachable
	}
	p.connect(remote.id)
	remote.connect(p.id)
	return remote.id, nil
}

func (p *Peer) connect(id transport.PeerID) {
	p.Lock()
	already := p.connected[id]
	p.connected[id] = true
	p.Unlock()
	if !already {
		p.emit(transport.Event{Type: transport.EventConnected, Peer: id})
	}
}

func (p *Peer) disconnect(id transport.PeerID) {
	p.Lock()
	had := p.connected[id]
	delete(p.connected, id)
	p.Unlock()
	if had {
		p.emit(transport.Event{Type: transport.EventDisconnected, Peer: id})
	}
}

func (p *Peer) emit(ev transport.Event) {
	select {
	case p.events <- ev:
	default:
		// Slow consumer, drop the event.  The periodic health check
		// resynchronizes connection state.
	}
}

// OpenStream opens a protocol stream to a connected peer.
func (p *Peer) OpenStream(_ context.Context, peer transport.PeerID, proto transport.ProtocolID) (transport.Stream, error) {
	p.RLock()
	ok := p.connected[peer] && !p.closed
	p.RUnlock()
	if !ok {
		return nil, transport.ErrPeerUnreachable
	}
	remote := p.hub.peer(peer)
	if remote == nil || remote.isClosed() {
		return nil, transport.ErrPeerUnreachable
	}
	remote.RLock()
	h := remote.handlers[proto]
	remote.RUnlock()
	if h == nil {
		return nil, transport.ErrPeerUnreachable
	}
	local, remoteEnd := net.Pipe()
	go h(p.id, remoteEnd)
	return local, nil
}

// SetStreamHandler registers an inbound stream handler.
func (p *Peer) SetStreamHandler(proto transport.ProtocolID, h transport.StreamHandler) {
	p.Lock()
	p.handlers[proto] = h
	p.Unlock()
}

// Publish delivers payload to every hub peer subscribed to the topic,
// including the publisher.
func (p *Peer) Publish(_ context.Context, topic string, payload []byte) error {
	if p.isClosed() {
		return transport.ErrClosed
	}
	p.hub.RLock()
	peers := make([]*Peer, 0, len(p.hub.peers))
	for _, peer := range p.hub.peers {
		peers = append(peers, peer)
	}
	p.hub.RUnlock()

	for _, peer := range peers {
		peer.RLock()
		chans := append([]chan []byte(nil), peer.subs[topic]...)
		peer.RUnlock()
		for _, ch := range chans {
			frame := append([]byte(nil), payload...)
			select {
			case ch <- frame:
			default:
				// Slow subscriber, drop.  Delivery is best-effort.
			}
		}
	}
	return nil
}

// Subscribe returns a channel of frames published on the topic.
func (p *Peer) Subscribe(topic string) (<-chan []byte, error) {
	if p.isClosed() {
		return nil, transport.ErrClosed
	}
	ch := make(chan []byte, 256)
	p.Lock()
	p.subs[topic] = append(p.subs[topic], ch)
	p.Unlock()
	return ch, nil
}

// Events returns the connectivity event channel.
func (p *Peer) Events() <-chan transport.Event {
	return p.events
}

// Connected returns the currently connected peers.
func (p *Peer) Connected() []transport.PeerID {
	p.RLock()
	defer p.RUnlock()
	out := make([]transport.PeerID, 0, len(p.connected))
	for id := range p.connected {
		out = append(out, id)
	}
	return out
}

// PeerProtocols returns the protocols a peer has registered handlers for.
func (p *Peer) PeerProtocols(peer transport.PeerID) ([]transport.ProtocolID, error) {
	remote := p.hub.peer(peer)
	if remote == nil {
		return nil, transport.ErrPeerUnreachable
	}
	remote.RLock()
	defer remote.RUnlock()
	out := make([]transport.ProtocolID, 0, len(remote.handlers))
	for proto := range remote.handlers {
		out = append(out, proto)
	}
	return out, nil
}

// PeerEncryptionKey returns the peer's advertised X25519 public key.
func (p *Peer) PeerEncryptionKey(peer transport.PeerID) ([]byte, error) {
	remote := p.hub.peer(peer)
	if remote == nil {
		return nil, transport.ErrPeerUnreachable
	}
	return append([]byte(nil), remote.encKey...), nil
}

// Disconnect tears down the connection to a single peer, with events on
// both sides.  Test helper mirroring substrate-initiated disconnects.
func (p *Peer) Disconnect(peer transport.PeerID) {
	p.disconnect(peer)
	if remote := p.hub.peer(peer); remote != nil {
		remote.disconnect(p.id)
	}
}

// Close tears down all connections.
func (p *Peer) Close() error {
	p.Lock()
	if p.closed {
		p.Unlock()
		return nil
	}
	p.closed = true
	peers := make([]transport.PeerID, 0, len(p.connected))
	for id := range p.connected {
		peers = append(peers, id)
	}
	p.Unlock()

	for _, id := range peers {
		p.Disconnect(id)
	}
	return nil
}

func (p *Peer) isClosed() bool {
	p.RLock()
	defer p.RUnlock()
	return p.closed
}
