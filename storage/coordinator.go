// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"context"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/ratelimit"
	"github.com/dmail-proto/dmail/transport"
)

const (
	// DefaultReplicationFactor is the number of nodes expected to hold a
	// copy of each stored message.
	DefaultReplicationFactor = 3

	replicateTimeout = 15 * time.Second
)

// PeerDirectory supplies replication target candidates.
type PeerDirectory interface {
	// RelayCandidates returns the known storage-capable peers.
	RelayCandidates() []transport.PeerID
}

// Coordinator composes the local store with the transport to replicate
// records across the overlay and to serve the store/fetch protocols.
type Coordinator struct {
	log   *logging.Logger
	store *Store
	tr    transport.Transport
	dir   PeerDirectory
	lim   *ratelimit.Limiter

	replicationFactor int
}

// NewCoordinator creates a Coordinator and registers the store and fetch
// protocol handlers on the transport.  The limiter may be nil to disable
// inbound abuse control.
func NewCoordinator(logBackend *log.Backend, store *Store, tr transport.Transport, dir PeerDirectory, lim *ratelimit.Limiter, replicationFactor int) *Coordinator {
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	c := &Coordinator{
		log:               logBackend.GetLogger("storage/coordinator"),
		store:             store,
		tr:                tr,
		dir:               dir,
		lim:               lim,
		replicationFactor: replicationFactor,
	}
	tr.SetStreamHandler(transport.ProtocolStore, c.handleStore)
	tr.SetStreamHandler(transport.ProtocolFetch, c.handleFetch)
	return c
}

// StoreWithReplication stores the payload locally and pushes copies to
// the closest storage-capable nodes.  Partial replication failure is
// logged per target and never aborts the store.
func (c *Coordinator) StoreWithReplication(ctx context.Context, recipientKey string, payload []byte) (*Record, error) {
	rec, err := c.store.Store(recipientKey, payload)
	if err != nil {
		return nil, err
	}

	targets := c.replicationTargets(recipientKey)
	for _, peer := range targets {
		if err := c.pushRecord(ctx, peer, rec); err != nil {
			c.log.Warningf("Replication to %v failed: %v", peer, err)
			continue
		}
		c.log.Debugf("Replicated %s to %v.", rec.ID, peer)
	}
	return rec, nil
}

// FetchFromNetwork merges local records with records fetched from the
// closest nodes, preferring the copy with the higher replication count.
func (c *Coordinator) FetchFromNetwork(ctx context.Context, recipientKey string) ([]*Record, error) {
	merged := make(map[string]*Record)
	local, err := c.store.GetMessages(recipientKey)
	if err != nil {
		return nil, err
	}
	for _, rec := range local {
		merged[rec.ID] = rec
	}

	for _, peer := range c.replicationTargets(recipientKey) {
		recs, err := c.fetchFrom(ctx, peer, recipientKey)
		if err != nil {
			c.log.Debugf("Fetch from %v failed: %v", peer, err)
			continue
		}
		for _, rec := range recs {
			if have, ok := merged[rec.ID]; !ok || rec.ReplicationCount > have.ReplicationCount {
				merged[rec.ID] = rec
			}
		}
	}

	out := make([]*Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// replicationTargets picks the replicationFactor known peers closest to
// the key by hash distance, falling back to currently connected peers
// when no relays are known.
func (c *Coordinator) replicationTargets(key string) []transport.PeerID {
	candidates := c.dir.RelayCandidates()
	if len(candidates) == 0 {
		candidates = c.tr.Connected()
	}
	self := c.tr.LocalPeer()

	type scored struct {
		peer transport.PeerID
		hash [32]byte
	}
	peers := make([]scored, 0, len(candidates))
	for _, peer := range candidates {
		if peer == self {
			continue
		}
		peers = append(peers, scored{
			peer: peer,
			hash: blake2b.Sum256(append([]byte(peer), key...)),
		})
	}
	sort.Slice(peers, func(i, j int) bool {
		return string(peers[i].hash[:]) < string(peers[j].hash[:])
	})

	n := c.replicationFactor
	if n > len(peers) {
		n = len(peers)
	}
	out := make([]transport.PeerID, 0, n)
	for _, p := range peers[:n] {
		out = append(out, p.peer)
	}
	return out
}

func (c *Coordinator) pushRecord(ctx context.Context, peer transport.PeerID, rec *Record) error {
	resp := new(StoreResponse)
	err := c.roundTrip(ctx, peer, transport.ProtocolStore,
		&StoreRequest{Action: "store", Record: rec}, resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errorString(resp.Error)
	}
	return nil
}

func (c *Coordinator) fetchFrom(ctx context.Context, peer transport.PeerID, recipientKey string) ([]*Record, error) {
	resp := new(FetchResponse)
	err := c.roundTrip(ctx, peer, transport.ProtocolFetch,
		&FetchRequest{Action: "fetch", RoutingToken: recipientKey}, resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errorString(resp.Error)
	}
	return resp.Messages, nil
}

// roundTrip performs one request/response exchange on a fresh stream,
// bounded by the context and a hard timeout.
func (c *Coordinator) roundTrip(ctx context.Context, peer transport.PeerID, proto transport.ProtocolID, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, replicateTimeout)
	defer cancel()

	s, err := c.tr.OpenStream(ctx, peer, proto)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		if err := transport.WriteFrame(s, req); err != nil {
			done <- err
			return
		}
		done <- transport.ReadFrame(s, resp)
	}()

	select {
	case err := <-done:
		s.Close()
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (c *Coordinator) handleStore(from transport.PeerID, s transport.Stream) {
	defer s.Close()

	req := new(StoreRequest)
	if err := transport.ReadFrame(s, req); err != nil {
		return
	}
	if req.Action != "store" || req.Record == nil {
		transport.WriteFrame(s, &StoreResponse{Error: "bad request"})
		return
	}
	if c.lim != nil {
		res := c.lim.CheckAndRecord(string(from), len(req.Record.Data))
		if !res.Allowed {
			transport.WriteFrame(s, &StoreResponse{Error: res.Reason})
			return
		}
	}
	if err := c.store.StoreRecord(req.Record); err != nil {
		c.log.Warningf("StoreRecord from %v failed: %v", from, err)
		transport.WriteFrame(s, &StoreResponse{Error: "store failed"})
		return
	}
	transport.WriteFrame(s, &StoreResponse{Success: true, ID: req.Record.ID})
}

func (c *Coordinator) handleFetch(from transport.PeerID, s transport.Stream) {
	defer s.Close()

	req := new(FetchRequest)
	if err := transport.ReadFrame(s, req); err != nil {
		return
	}
	key := req.RoutingToken
	if key == "" {
		key = req.Recipient
	}
	if req.Action != "fetch" || key == "" {
		transport.WriteFrame(s, &FetchResponse{Error: "bad request"})
		return
	}
	if c.lim != nil {
		res := c.lim.CheckAndRecord(string(from), 0)
		if !res.Allowed {
			transport.WriteFrame(s, &FetchResponse{Error: res.Reason})
			return
		}
	}
	recs, err := c.store.GetMessages(key)
	if err != nil {
		c.log.Warningf("GetMessages for %v failed: %v", from, err)
		transport.WriteFrame(s, &FetchResponse{Error: "fetch failed"})
		return
	}
	transport.WriteFrame(s, &FetchResponse{Messages: recs})
}

type errorString string

func (e errorString) Error() string { return string(e) }
