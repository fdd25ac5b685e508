// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/dmail-proto/dmail/envelope"
	"github.com/dmail-proto/dmail/onion"
	"github.com/dmail-proto/dmail/ratchet"
	"github.com/dmail-proto/dmail/transport"
)

// typeOnionDelivery marks an exit relay's delivery frame on the envelope
// topic, distinguishing it from plain and sealed envelopes.
const typeOnionDelivery = "onion-delivery"

const onionForwardTimeout = 10 * time.Second

// ratchetBody wraps a double ratchet message inside an envelope's
// content.
type ratchetBody struct {
	Type       string          `json:"type"`
	Header     *ratchet.Header `json:"header"`
	Ciphertext []byte          `json:"ciphertext"`
}

const typeRatchet = "ratchet"

// onionDelivery is an exit relay's broadcast of a terminal payload only
// the destination can open.
type onionDelivery struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// inboundWorker consumes the envelope topic.  Everything that cannot be
// decrypted or verified is dropped without feedback, so a passive
// observer learns nothing from delivery behavior.
func (c *Client) inboundWorker(sub <-chan []byte) {
	for {
		select {
		case <-c.HaltCh():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			c.dispatch(raw)
		}
	}
}

func (c *Client) dispatch(raw []byte) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return
	}

	switch peek.Type {
	case typeOnionDelivery:
		var d onionDelivery
		if err := json.Unmarshal(raw, &d); err != nil {
			return
		}
		inner, err := onion.OpenTerminal(c.ident.EncryptionPrivateKey(), d.Payload)
		if err != nil {
			// Not addressed to us.
			return
		}
		c.handleEnvelope(inner)
	case envelope.TypePlain, envelope.TypeSealed:
		c.handleEnvelope(raw)
	}
}

// handleEnvelope processes one raw envelope and reports whether a new
// message was delivered.
func (c *Client) handleEnvelope(raw []byte) bool {
	env := new(envelope.Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return false
	}
	id := envelope.MessageID(env)
	if !c.dedupe.add(id) {
		return false
	}
	if !env.IsForMe(c.ident) {
		return false
	}
	msg, err := envelope.Parse(env, c.ident)
	if err != nil {
		c.log.Debugf("Dropping undecryptable envelope %s.", id)
		return false
	}

	content, err := c.openRatchet(msg.Sender, msg.Content)
	if err != nil {
		c.log.Debugf("Dropping ratchet message from %s: %v", msg.Sender, err)
		return false
	}

	stored := &StoredMessage{
		ID:        id,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   content,
		Timestamp: msg.Timestamp.UnixMilli(),
	}
	if err := c.mbox.PutInbox(stored); err != nil {
		// Forget the ID so a redelivery can still land the message.
		c.dedupe.remove(id)
		c.log.Errorf("Failed to persist message %s: %v", id, err)
		return false
	}
	c.mbox.IncStat("received")

	select {
	case c.recvCh <- storedToMessage(stored):
	default:
		// Slow consumer; the message is already in the inbox.
	}
	return true
}

// sealRatchet encrypts content under the session's next message key and
// persists the advanced session state.
func (c *Client) sealRatchet(address string, s *ratchet.Ratchet, content []byte) ([]byte, error) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	header, ct, err := s.Encrypt(content)
	if err != nil {
		return nil, err
	}
	blob, err := s.Save()
	if err != nil {
		return nil, err
	}
	if err := c.mbox.PutSession(address, blob); err != nil {
		return nil, err
	}
	return json.Marshal(&ratchetBody{
		Type:       typeRatchet,
		Header:     header,
		Ciphertext: ct,
	})
}

// openRatchet unwraps ratchet-wrapped content, creating the responder
// session on first contact.  Non-ratchet content passes through.
func (c *Client) openRatchet(sender string, content []byte) ([]byte, error) {
	var body ratchetBody
	if err := json.Unmarshal(content, &body); err != nil || body.Type != typeRatchet || body.Header == nil {
		return content, nil
	}

	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()

	s, ok := c.sessions[sender]
	if !ok {
		theirKey, err := c.resolver.ResolveEncryptionKey(sender)
		if err != nil {
			return nil, ErrNoSession
		}
		secret, err := c.sessionSecret(theirKey)
		if err != nil {
			return nil, err
		}
		if s, err = ratchet.NewResponder(rand.Reader, secret, c.ident.EncryptionPrivateKey()); err != nil {
			return nil, err
		}
		c.sessions[sender] = s
	}

	plaintext, err := s.Decrypt(body.Header, body.Ciphertext)
	if err != nil {
		return nil, err
	}
	blob, err := s.Save()
	if err != nil {
		return nil, err
	}
	if err := c.mbox.PutSession(sender, blob); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// handleOnion serves the circuit protocol: forward packets toward the
// next hop, and at the exit broadcast the terminal payload.
func (c *Client) handleOnion(from transport.PeerID, s transport.Stream) {
	defer s.Close()

	pkt := new(onion.Packet)
	if err := transport.ReadFrame(s, pkt); err != nil {
		return
	}
	res, err := c.router.ProcessPacket(pkt, from)
	if err != nil {
		c.log.Debugf("Discarding circuit packet from %v.", from)
		return
	}

	switch res.Type {
	case onion.ResultForward:
		c.forwardPacket(res.NextHop, res.Packet)
	case onion.ResultExit:
		raw, err := json.Marshal(&onionDelivery{
			Type:    typeOnionDelivery,
			Payload: res.Payload,
		})
		if err != nil {
			return
		}
		if err := c.pool.Enqueue(transport.EnvelopeTopic, raw, 0); err != nil {
			c.log.Warningf("Exit delivery dropped: %v", err)
		}
	}
}

func (c *Client) forwardPacket(next transport.PeerID, pkt *onion.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), onionForwardTimeout)
	defer cancel()

	start := time.Now()
	out, err := c.tr.OpenStream(ctx, next, transport.ProtocolOnion)
	if err != nil {
		c.pool.RecordFailure(next)
		c.log.Debugf("Circuit forward to %v failed: %v", next, err)
		return
	}
	defer out.Close()
	if err := transport.WriteFrame(out, pkt); err != nil {
		c.pool.RecordFailure(next)
		return
	}
	c.pool.RecordSuccess(next, time.Since(start))
}

// dedupeCache is a bounded set of recently seen message IDs.
type dedupeCache struct {
	sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupeCache(capacity int) *dedupeCache {
	return &dedupeCache{
		seen: make(map[string]struct{}),
		cap:  capacity,
	}
}

// add records the ID, returning false when it was already present.
func (d *dedupeCache) add(id string) bool {
	d.Lock()
	defer d.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return true
}

// remove forgets an ID so a later redelivery is accepted again.
func (d *dedupeCache) remove(id string) {
	d.Lock()
	defer d.Unlock()
	if _, ok := d.seen[id]; !ok {
		return
	}
	delete(d.seen, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
