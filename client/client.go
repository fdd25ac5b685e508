// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client composes the identity, transport, connection pool,
// circuit router, offline store and mailbox into the dmail messaging
// client.
package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/client/config"
	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/core/worker"
	"github.com/dmail-proto/dmail/crypto"
	"github.com/dmail-proto/dmail/envelope"
	"github.com/dmail-proto/dmail/onion"
	"github.com/dmail-proto/dmail/pool"
	"github.com/dmail-proto/dmail/ratchet"
	"github.com/dmail-proto/dmail/ratelimit"
	"github.com/dmail-proto/dmail/storage"
	"github.com/dmail-proto/dmail/transport"
)

var (
	// ErrRateLimited is returned when the local limiter rejects a send.
	ErrRateLimited = errors.New("client: rate limited")

	// ErrUnknownRecipient is returned when no encryption key can be
	// resolved for a recipient address.
	ErrUnknownRecipient = errors.New("client: unknown recipient")

	// ErrNoSession is returned when a ratchet operation targets an
	// address with no established session.
	ErrNoSession = errors.New("client: no ratchet session")
)

// sessionSecretLabel domain-separates the static-DH ratchet bootstrap
// secret.
const sessionSecretLabel = "dmail-session-secret-v1"

// KeyResolver resolves a dmail address to its X25519 encryption key.
// The overlay's directory service implements this; tests use static
// maps.
type KeyResolver interface {
	ResolveEncryptionKey(address string) ([]byte, error)
}

// Message is a delivered message.
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   []byte
	Timestamp time.Time
	Read      bool
}

// Client is a dmail messaging client instance.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	ident    *crypto.Identity
	resolver KeyResolver

	tr     transport.Transport
	pool   *pool.Pool
	router *onion.Router
	store  *storage.Store
	coord  *storage.Coordinator
	lim    *ratelimit.Limiter
	mbox   *Mailbox

	sessionsMu sync.Mutex
	sessions   map[string]*ratchet.Ratchet

	dedupe *dedupeCache
	recvCh chan *Message

	haltOnce sync.Once
}

// New constructs a Client over the given transport and starts its
// workers.
func New(cfg *config.Config, ident *crypto.Identity, tr transport.Transport, resolver KeyResolver) (*Client, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("client"),
		ident:      ident,
		resolver:   resolver,
		tr:         tr,
		sessions:   make(map[string]*ratchet.Ratchet),
		dedupe:     newDedupeCache(cfg.Debug.DedupeCacheSize),
		recvCh:     make(chan *Message, cfg.Debug.ReceiveQueueSize),
	}

	c.lim = ratelimit.New(&ratelimit.Config{
		MaxRequests:       cfg.RateLimit.MaxRequests,
		GlobalMaxRequests: cfg.RateLimit.GlobalMaxRequests,
		Window:            time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		MaxMessageBytes:   cfg.RateLimit.MaxMessageBytes,
		DailyByteQuota:    cfg.RateLimit.DailyByteQuota,
	})

	c.pool = pool.New(logBackend, &pool.Config{
		MinRelayConnections: cfg.Pool.MinRelayConnections,
		MaxConnections:      cfg.Pool.MaxConnections,
		HealthCheckInterval: time.Duration(cfg.Pool.HealthCheckIntervalSeconds) * time.Second,
		StaleAfter:          time.Duration(cfg.Pool.StaleAfterSeconds) * time.Second,
		QueueCapacity:       cfg.Pool.QueueCapacity,
		BatchSize:           cfg.Pool.BatchSize,
		BatchInterval:       time.Duration(cfg.Pool.BatchIntervalMillis) * time.Millisecond,
	}, tr)

	c.store, err = storage.New(logBackend, &storage.Config{
		Path:          filepath.Join(cfg.DataDir, "store.db"),
		TTL:           time.Duration(cfg.Storage.MessageTTLHours) * time.Hour,
		SweepInterval: time.Duration(cfg.Storage.SweepIntervalSeconds) * time.Second,
		NodeID:        string(tr.LocalPeer()),
		NodeIdentity:  ident,
	})
	if err != nil {
		c.lim.Close()
		c.pool.Close()
		return nil, err
	}

	c.mbox, err = OpenMailbox(filepath.Join(cfg.DataDir, "mailbox.db"))
	if err != nil {
		c.lim.Close()
		c.pool.Close()
		c.store.Close()
		return nil, err
	}

	c.coord = storage.NewCoordinator(logBackend, c.store, tr, c.pool, c.lim, cfg.Storage.ReplicationFactor)
	c.router = onion.NewRouter(logBackend, ident.EncryptionPrivateKey(), c.pool)
	tr.SetStreamHandler(transport.ProtocolOnion, c.handleOnion)

	if err := c.loadSessions(); err != nil {
		c.shutdownComponents()
		return nil, err
	}

	sub, err := tr.Subscribe(transport.EnvelopeTopic)
	if err != nil {
		c.shutdownComponents()
		return nil, err
	}
	c.Go(func() { c.inboundWorker(sub) })

	c.log.Noticef("Client started, address %s.", ident.Address())
	return c, nil
}

// Address returns the client's own dmail address.
func (c *Client) Address() string {
	return c.ident.Address()
}

// Receive returns the channel of delivered messages.  Messages are also
// persisted to the inbox regardless of whether this channel is drained.
func (c *Client) Receive() <-chan *Message {
	return c.recvCh
}

// Connect dials a peer through the connection pool.
func (c *Client) Connect(ctx context.Context, address string) (transport.PeerID, error) {
	return c.pool.Connect(ctx, address)
}

// SendMessage sends a sealed message: sender and recipient identifiers
// are hidden from relays, and a replicated copy is stored on the overlay
// for offline delivery.  The returned ID identifies the message in the
// sent folder.
func (c *Client) SendMessage(ctx context.Context, to string, content []byte) (string, error) {
	return c.send(ctx, to, content, true)
}

// SendPlainMessage sends a plain envelope: the payload is encrypted but
// sender and recipient addresses ride in the clear.  Useful before the
// recipient is known to support sealed delivery.
func (c *Client) SendPlainMessage(ctx context.Context, to string, content []byte) (string, error) {
	return c.send(ctx, to, content, false)
}

func (c *Client) send(ctx context.Context, to string, content []byte, sealed bool) (string, error) {
	res := c.lim.CheckAndRecord(c.ident.Address(), len(content))
	if !res.Allowed {
		return "", fmt.Errorf("%w: %s", ErrRateLimited, res.Reason)
	}

	recipientKey, err := c.resolver.ResolveEncryptionKey(to)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownRecipient, to)
	}

	body := content
	if s := c.session(to); s != nil {
		if body, err = c.sealRatchet(to, s, content); err != nil {
			return "", err
		}
	}

	var env *envelope.Envelope
	if sealed {
		env, err = envelope.BuildSealed(c.ident, to, recipientKey, body)
	} else {
		env, err = envelope.BuildPlain(c.ident, to, recipientKey, body)
	}
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	if c.cfg.Onion.Enable {
		if err := c.sendViaCircuit(ctx, raw, to, recipientKey); err != nil {
			c.log.Warningf("Circuit send failed, falling back to broadcast: %v", err)
			if err := c.pool.Enqueue(transport.EnvelopeTopic, raw, 0); err != nil {
				return "", err
			}
		}
	} else {
		if err := c.pool.Enqueue(transport.EnvelopeTopic, raw, 0); err != nil {
			return "", err
		}
	}

	// Replicate to the overlay keyed by routing token so the recipient
	// can fetch it after downtime.  Plain envelopes key on the address.
	storeKey := env.RoutingToken
	if storeKey == "" {
		storeKey = envelope.Token(to)
	}
	if _, err := c.coord.StoreWithReplication(ctx, storeKey, raw); err != nil {
		c.log.Warningf("Offline replication failed: %v", err)
	}

	id := envelope.MessageID(env)
	if err := c.mbox.PutSent(&StoredMessage{
		ID:        id,
		Sender:    c.ident.Address(),
		Recipient: to,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	c.mbox.IncStat("sent")
	return id, nil
}

// sendViaCircuit routes raw through an onion circuit, entering at the
// first relay.
func (c *Client) sendViaCircuit(ctx context.Context, raw []byte, to string, recipientKey []byte) error {
	relays, err := c.router.SelectRelays(c.cfg.Onion.Hops, nil)
	if err != nil {
		return err
	}
	pkt, entry, _, err := c.router.BuildRoute(raw, to, recipientKey, relays)
	if err != nil {
		return err
	}

	start := time.Now()
	s, err := c.tr.OpenStream(ctx, entry.Peer, transport.ProtocolOnion)
	if err != nil {
		c.pool.RecordFailure(entry.Peer)
		return err
	}
	defer s.Close()
	if err := transport.WriteFrame(s, pkt); err != nil {
		c.pool.RecordFailure(entry.Peer)
		return err
	}
	c.pool.RecordSuccess(entry.Peer, time.Since(start))
	return nil
}

// UpgradeSession establishes forward-secret double ratchet messaging
// with a peer.  Subsequent sends to the address use per-message keys;
// the peer's side initializes lazily on the first ratchet message.
func (c *Client) UpgradeSession(address string) error {
	theirKey, err := c.resolver.ResolveEncryptionKey(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, address)
	}
	secret, err := c.sessionSecret(theirKey)
	if err != nil {
		return err
	}
	s, err := ratchet.NewInitiator(rand.Reader, secret, theirKey)
	if err != nil {
		return err
	}

	c.sessionsMu.Lock()
	c.sessions[address] = s
	c.sessionsMu.Unlock()
	return c.persistSession(address, s)
}

// HasSession reports whether a ratchet session exists for the address.
func (c *Client) HasSession(address string) bool {
	return c.session(address) != nil
}

// EndSession discards the ratchet session for the address.
func (c *Client) EndSession(address string) error {
	c.sessionsMu.Lock()
	delete(c.sessions, address)
	c.sessionsMu.Unlock()
	return c.mbox.DeleteSession(address)
}

// GetInbox returns the received messages.
func (c *Client) GetInbox() ([]*Message, error) {
	stored, err := c.mbox.Inbox()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, storedToMessage(m))
	}
	return out, nil
}

// GetSent returns the sent messages.
func (c *Client) GetSent() ([]*Message, error) {
	stored, err := c.mbox.Sent()
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, storedToMessage(m))
	}
	return out, nil
}

// MarkAsRead flags an inbox message as read.
func (c *Client) MarkAsRead(id string) error {
	return c.mbox.MarkRead(id)
}

// DeleteMessage removes an inbox message.
func (c *Client) DeleteMessage(id string) error {
	return c.mbox.DeleteInbox(id)
}

// ReportSpam reports a sender address as abusive, cutting its rate
// budget.
func (c *Client) ReportSpam(address string) {
	c.lim.ReportSpam(address)
	c.mbox.IncStat("spam_reports")
}

// FetchOfflineMessages pulls this client's pending messages from the
// replicated store, delivers them and clears the local copies.  It
// returns the number of new messages delivered.
func (c *Client) FetchOfflineMessages(ctx context.Context) (int, error) {
	token := envelope.Token(c.ident.Address())
	recs, err := c.coord.FetchFromNetwork(ctx, token)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, rec := range recs {
		if c.handleEnvelope(rec.Data) {
			delivered++
		}
		if err := c.store.DeleteMessage(token, rec.ID); err != nil {
			c.log.Warningf("Failed to clear fetched record %s: %v", rec.ID, err)
		}
	}
	return delivered, nil
}

// Shutdown cleanly stops the client: workers first, then the pool and
// limiter, then the databases, then the transport.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() {
		c.log.Noticef("Shutting down.")
		c.Halt()
		c.shutdownComponents()
		c.tr.Close()
	})
}

func (c *Client) shutdownComponents() {
	c.router.Halt()
	c.pool.Close()
	c.lim.Close()
	c.store.Close()
	c.mbox.Close()
}

func (c *Client) session(address string) *ratchet.Ratchet {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	return c.sessions[address]
}

// sessionSecret derives the ratchet bootstrap secret from the static
// X25519 agreement with the peer.  Both sides compute the same value.
func (c *Client) sessionSecret(theirKey []byte) ([]byte, error) {
	dh, err := curve25519.X25519(c.ident.EncryptionPrivateKey(), theirKey)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256([]byte(sessionSecretLabel))
	if err != nil {
		return nil, err
	}
	h.Write(dh)
	return h.Sum(nil), nil
}

func (c *Client) persistSession(address string, s *ratchet.Ratchet) error {
	blob, err := s.Save()
	if err != nil {
		return err
	}
	return c.mbox.PutSession(address, blob)
}

func (c *Client) loadSessions() error {
	blobs, err := c.mbox.Sessions()
	if err != nil {
		return err
	}
	for address, blob := range blobs {
		s, err := ratchet.Load(rand.Reader, blob)
		if err != nil {
			c.log.Errorf("Discarding corrupt session for %s: %v", address, err)
			continue
		}
		c.sessions[address] = s
	}
	return nil
}

func storedToMessage(m *StoredMessage) *Message {
	return &Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Timestamp: time.UnixMilli(m.Timestamp),
		Read:      m.Read,
	}
}
