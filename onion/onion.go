// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements the sender-anonymity layer: building and
// peeling layered-encrypted circuits over a set of relays.
package onion

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/core/worker"
	"github.com/dmail-proto/dmail/crypto"
	"github.com/dmail-proto/dmail/transport"
)

const (
	// PacketVersion is the onion packet wire version.
	PacketVersion = 1

	// CircuitIdleTimeout is how long reply-routing bookkeeping for a
	// circuit is retained after its last packet.
	CircuitIdleTimeout = 10 * time.Minute

	circuitSweepInterval = time.Minute
	circuitIDSize        = 16

	layerTypeRelay = "relay"
)

var (
	// ErrInsufficientRelays is returned when fewer relays qualify than
	// the requested route length.
	ErrInsufficientRelays = errors.New("onion: insufficient relays")

	// ErrProcessingFailed is returned for any packet that cannot be
	// peeled.  Wrong key and malformed packet are deliberately not
	// distinguished.
	ErrProcessingFailed = errors.New("onion: processing failed")
)

// Relay describes a relay candidate for route selection.
type Relay struct {
	Peer          transport.PeerID
	EncryptionKey []byte
	Score         float64
}

// RelayDirectory supplies the currently known relays.
type RelayDirectory interface {
	Relays() []Relay
}

// Packet is the wire form of a circuit-routed message.
type Packet struct {
	Version   int               `json:"version"`
	CircuitID string            `json:"circuitId"`
	Outer     *crypto.SealedBox `json:"outer"`
}

// layer is the plaintext of one onion layer.  Relay layers carry the next
// hop and a deeper ciphertext; the exit layer carries the destination
// address and the terminal payload sealed for the destination.
type layer struct {
	Type     string            `json:"type"`
	NextHop  string            `json:"nextHop,omitempty"`
	IsExit   bool              `json:"isExit,omitempty"`
	Inner    *crypto.SealedBox `json:"inner,omitempty"`
	Terminal *crypto.SealedBox `json:"terminal,omitempty"`
}

// terminalPayload is the innermost plaintext, readable only by the
// destination.
type terminalPayload struct {
	Destination string `json:"destination"`
	Message     []byte `json:"message"`
}

// ResultType discriminates ProcessPacket outcomes.
type ResultType int

const (
	// ResultForward instructs the caller to forward Packet to NextHop.
	ResultForward ResultType = iota

	// ResultExit instructs the caller to deliver Payload to Destination.
	ResultExit
)

// Result is the outcome of peeling one layer.
type Result struct {
	Type        ResultType
	NextHop     transport.PeerID
	Packet      *Packet
	Destination string
	Payload     []byte
}

type circuitEntry struct {
	prevHop  transport.PeerID
	lastSeen time.Time
}

// Router builds and peels onion circuits.
type Router struct {
	worker.Worker
	sync.RWMutex

	log       *logging.Logger
	localPriv []byte
	directory RelayDirectory

	circuits map[string]circuitEntry
}

// NewRouter creates a Router peeling with the given local X25519 private
// key and selecting routes from the given directory.
func NewRouter(logBackend *log.Backend, localPriv []byte, directory RelayDirectory) *Router {
	r := &Router{
		log:       logBackend.GetLogger("onion"),
		localPriv: localPriv,
		directory: directory,
		circuits:  make(map[string]circuitEntry),
	}
	r.Go(r.sweepWorker)
	return r
}

// SelectRelays picks n distinct relays, weighted-random by score, never
// picking any peer in exclude.
func (r *Router) SelectRelays(n int, exclude map[transport.PeerID]bool) ([]Relay, error) {
	candidates := make([]Relay, 0)
	for _, relay := range r.directory.Relays() {
		if exclude[relay.Peer] || len(relay.EncryptionKey) == 0 {
			continue
		}
		candidates = append(candidates, relay)
	}
	if len(candidates) < n {
		return nil, ErrInsufficientRelays
	}

	selected := make([]Relay, 0, n)
	for len(selected) < n {
		total := 0.0
		for _, c := range candidates {
			total += c.Score + 1 // +1 keeps zero-score relays selectable
		}
		pick := mrand.Float64() * total
		idx := len(candidates) - 1
		for i, c := range candidates {
			pick -= c.Score + 1
			if pick <= 0 {
				idx = i
				break
			}
		}
		selected = append(selected, candidates[idx])
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	return selected, nil
}

// BuildRoute constructs an onion packet through the given relays,
// innermost layer first.  The first relay in the returned order is the
// circuit entry.  Each layer uses an independent ephemeral key exchange.
func (r *Router) BuildRoute(message []byte, destination string, destinationKey []byte, relays []Relay) (*Packet, Relay, []transport.PeerID, error) {
	if len(relays) == 0 {
		return nil, Relay{}, nil, ErrInsufficientRelays
	}

	terminalBody, err := json.Marshal(&terminalPayload{
		Destination: destination,
		Message:     message,
	})
	if err != nil {
		return nil, Relay{}, nil, err
	}
	terminal, err := crypto.Seal(destinationKey, terminalBody)
	if err != nil {
		return nil, Relay{}, nil, err
	}

	// Wrap from the exit back to the entry.
	var inner *crypto.SealedBox
	for i := len(relays) - 1; i >= 0; i-- {
		l := &layer{Type: layerTypeRelay}
		if i == len(relays)-1 {
			l.IsExit = true
			l.NextHop = destination
			l.Terminal = terminal
		} else {
			l.NextHop = string(relays[i+1].Peer)
			l.Inner = inner
		}
		body, err := json.Marshal(l)
		if err != nil {
			return nil, Relay{}, nil, err
		}
		inner, err = crypto.Seal(relays[i].EncryptionKey, body)
		if err != nil {
			return nil, Relay{}, nil, err
		}
	}

	cid := make([]byte, circuitIDSize)
	if _, err := io.ReadFull(rand.Reader, cid); err != nil {
		return nil, Relay{}, nil, err
	}

	order := make([]transport.PeerID, 0, len(relays))
	for _, relay := range relays {
		order = append(order, relay.Peer)
	}
	pkt := &Packet{
		Version:   PacketVersion,
		CircuitID: hex.EncodeToString(cid),
		Outer:     inner,
	}
	return pkt, relays[0], order, nil
}

// ProcessPacket peels exactly one layer with the local private key and
// returns either a forwarding instruction or, at the final layer, the
// destination and terminal payload.
func (r *Router) ProcessPacket(pkt *Packet, from transport.PeerID) (*Result, error) {
	if pkt == nil || pkt.Version != PacketVersion || pkt.Outer == nil {
		return nil, ErrProcessingFailed
	}
	body, err := crypto.OpenSealed(r.localPriv, pkt.Outer)
	if err != nil {
		return nil, ErrProcessingFailed
	}
	l := new(layer)
	if err := json.Unmarshal(body, l); err != nil || l.Type != layerTypeRelay {
		return nil, ErrProcessingFailed
	}

	r.Lock()
	r.circuits[pkt.CircuitID] = circuitEntry{prevHop: from, lastSeen: time.Now()}
	r.Unlock()

	if l.IsExit {
		payload, err := json.Marshal(l.Terminal)
		if err != nil {
			return nil, ErrProcessingFailed
		}
		return &Result{
			Type:        ResultExit,
			Destination: l.NextHop,
			Payload:     payload,
		}, nil
	}
	if l.Inner == nil || l.NextHop == "" {
		return nil, ErrProcessingFailed
	}
	return &Result{
		Type:    ResultForward,
		NextHop: transport.PeerID(l.NextHop),
		Packet: &Packet{
			Version:   PacketVersion,
			CircuitID: pkt.CircuitID,
			Outer:     l.Inner,
		},
	}, nil
}

// OpenTerminal opens an exit payload at the destination, returning the
// original message.
func OpenTerminal(destinationPriv, payload []byte) ([]byte, error) {
	box := new(crypto.SealedBox)
	if err := json.Unmarshal(payload, box); err != nil {
		return nil, ErrProcessingFailed
	}
	body, err := crypto.OpenSealed(destinationPriv, box)
	if err != nil {
		return nil, ErrProcessingFailed
	}
	t := new(terminalPayload)
	if err := json.Unmarshal(body, t); err != nil {
		return nil, ErrProcessingFailed
	}
	return t.Message, nil
}

// PreviousHop returns the recorded previous hop for a circuit, for
// symmetric reply routing.
func (r *Router) PreviousHop(circuitID string) (transport.PeerID, bool) {
	r.RLock()
	defer r.RUnlock()
	e, ok := r.circuits[circuitID]
	return e.prevHop, ok
}

func (r *Router) sweepWorker() {
	ticker := time.NewTicker(circuitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case <-ticker.C:
			r.sweepCircuits(time.Now())
		}
	}
}

func (r *Router) sweepCircuits(now time.Time) {
	r.Lock()
	defer r.Unlock()
	for id, e := range r.circuits {
		if now.Sub(e.lastSeen) > CircuitIdleTimeout {
			delete(r.circuits, id)
		}
	}
}
