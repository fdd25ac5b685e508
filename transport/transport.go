// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the narrow peer-to-peer substrate interface
// consumed by the dmail protocol stack.  The concrete substrate (peer
// discovery, pub/sub fan-out, stream multiplexing) is provided by an
// external networking library; the stack depends only on this interface.
package transport

import (
	"context"
	"errors"
	"io"
)

// PeerID identifies a peer on the overlay.
type PeerID string

// ProtocolID identifies a stream protocol.
type ProtocolID string

const (
	// EnvelopeTopic is the pub/sub topic carrying broadcast envelopes.
	EnvelopeTopic = "/dmail/envelope/1.0"

	// ProtocolStore is the direct store-on-relay protocol.
	ProtocolStore ProtocolID = "/dmail/store/1.0"

	// ProtocolFetch is the offline-message fetch protocol.
	ProtocolFetch ProtocolID = "/dmail/fetch/1.0"

	// ProtocolOnion carries circuit-routed onion packets.
	ProtocolOnion ProtocolID = "/dmail/onion/1.0"

	// ProtocolPing is the latency probe protocol.
	ProtocolPing ProtocolID = "/dmail/ping/1.0"
)

var (
	// ErrPeerUnreachable is returned when a dial or stream open fails.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")

	// ErrClosed is returned on operations against a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// EventType discriminates connection events.
type EventType int

const (
	// EventConnected is emitted when a peer connection is established.
	EventConnected EventType = iota

	// EventDisconnected is emitted when a peer connection is torn down.
	EventDisconnected
)

// Event is a peer connectivity event.
type Event struct {
	Type EventType
	Peer PeerID
}

// Stream is a bidirectional protocol stream to a peer.
type Stream interface {
	io.ReadWriteCloser
}

// StreamHandler is invoked for each inbound stream on a registered
// protocol.  The handler owns the stream and must close it.
type StreamHandler func(from PeerID, s Stream)

// Transport is the abstract peer transport substrate.
type Transport interface {
	// LocalPeer returns the local peer ID.
	LocalPeer() PeerID

	// Dial establishes a connection to the peer at the given address and
	// returns its peer ID.
	Dial(ctx context.Context, address string) (PeerID, error)

	// OpenStream opens a protocol stream to a connected peer.
	OpenStream(ctx context.Context, peer PeerID, proto ProtocolID) (Stream, error)

	// SetStreamHandler registers the handler for inbound streams on the
	// given protocol, replacing any previous handler.
	SetStreamHandler(proto ProtocolID, h StreamHandler)

	// Publish broadcasts payload on the given pub/sub topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of raw frames received on the topic.
	Subscribe(topic string) (<-chan []byte, error)

	// Events returns the connectivity event channel.
	Events() <-chan Event

	// Connected returns the currently connected peers.
	Connected() []PeerID

	// PeerProtocols returns the protocols a connected peer advertises,
	// used for relay capability detection.
	PeerProtocols(peer PeerID) ([]ProtocolID, error)

	// PeerEncryptionKey returns the advertised X25519 public key of a
	// known peer.
	PeerEncryptionKey(peer PeerID) ([]byte, error)

	// Close tears down all connections and subscriptions.
	Close() error
}
