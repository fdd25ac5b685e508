// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the replicated offline-message store: a
// bolt-backed local store of pending messages per recipient, storage
// proofs, and a coordinator that replicates records to other nodes.
package storage

import (
	"errors"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/core/worker"
	"github.com/dmail-proto/dmail/crypto"
)

const (
	// DefaultTTL is the default time-to-live of a stored record.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultSweepInterval is how often expired records are purged.
	DefaultSweepInterval = time.Hour

	recordsBucket  = "records"
	metadataBucket = "metadata"
	versionKey     = "version"
)

// ErrNotInitialized is returned for operations against a closed store.
// This is a programmer error and callers should treat it as fatal.
var ErrNotInitialized = errors.New("storage: store not initialized")

// Config configures a Store.
type Config struct {
	// Path is the bolt database file.
	Path string

	// TTL is the record time-to-live.  Defaults to DefaultTTL.
	TTL time.Duration

	// SweepInterval is the expiry sweep period.  Defaults to
	// DefaultSweepInterval.
	SweepInterval time.Duration

	// NodeID is this node's overlay identifier, used in storage proofs.
	NodeID string

	// NodeIdentity, when present, lets the store sign storage proofs.
	NodeIdentity *crypto.Identity
}

func (cfg *Config) fixup() {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
}

// Store is the local persistent store of pending messages.
type Store struct {
	worker.Worker

	log *logging.Logger
	cfg *Config
	db  *bolt.DB
}

// New creates (or loads) a message store.
func New(logBackend *log.Backend, cfg *Config) (*Store, error) {
	cfg.fixup()

	db, err := bolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return errors.New("storage: incompatible database version")
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		log: logBackend.GetLogger("storage"),
		cfg: cfg,
		db:  db,
	}
	s.Go(s.sweepWorker)
	return s, nil
}

// Store creates and persists a record for the given recipient key with
// the configured TTL, attaching this node's storage proof when a node
// identity is configured.
func (s *Store) Store(recipientKey string, payload []byte) (*Record, error) {
	now := time.Now()
	rec := &Record{
		ID:               RecordID(recipientKey, payload, now.UnixMilli()),
		Recipient:        recipientKey,
		Data:             payload,
		Timestamp:        now.UnixMilli(),
		Expires:          now.Add(s.cfg.TTL).UnixMilli(),
		ReplicationCount: 1,
	}
	if s.cfg.NodeIdentity != nil {
		rec.StorageProofs = []*StorageProof{
			NewProof(s.cfg.NodeID, s.cfg.NodeIdentity, rec, now.UnixMilli()),
		}
	}
	if err := s.putRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// StoreRecord persists a record received from another node during
// replication, appending this node's own storage proof.  Re-storing a
// record this node already holds is a no-op.
func (s *Store) StoreRecord(rec *Record) error {
	existing, err := s.getRecord(rec.Recipient, rec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	stored := *rec
	stored.ReplicationCount = rec.ReplicationCount + 1
	if s.cfg.NodeIdentity != nil {
		stored.StorageProofs = append(append([]*StorageProof(nil), rec.StorageProofs...),
			NewProof(s.cfg.NodeID, s.cfg.NodeIdentity, &stored, time.Now().UnixMilli()))
	}
	return s.putRecord(&stored)
}

// GetMessages returns all non-expired records for a recipient key,
// ordered by creation time ascending.
func (s *Store) GetMessages(recipientKey string) ([]*Record, error) {
	now := time.Now().UnixMilli()
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recordsBucket)).Bucket([]byte(recipientKey))
		if rBkt == nil {
			return nil
		}
		return rBkt.ForEach(func(_, v []byte) error {
			rec := new(Record)
			if err := cbor.Unmarshal(v, rec); err != nil {
				return err
			}
			if rec.Expires > now {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// DeleteMessage removes a record.  Deleting an absent record is not an
// error.
func (s *Store) DeleteMessage(recipientKey, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recordsBucket)).Bucket([]byte(recipientKey))
		if rBkt == nil {
			return nil
		}
		return rBkt.Delete([]byte(id))
	})
}

// CleanupExpired removes all records past their expiry and returns the
// count removed.
func (s *Store) CleanupExpired() (int, error) {
	now := time.Now().UnixMilli()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(recordsBucket))
		cur := root.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if v != nil {
				continue // not a nested bucket
			}
			rBkt := root.Bucket(k)
			var stale [][]byte
			if err := rBkt.ForEach(func(id, raw []byte) error {
				rec := new(Record)
				if err := cbor.Unmarshal(raw, rec); err != nil {
					// Undecodable records are purged too.
					stale = append(stale, append([]byte(nil), id...))
					return nil
				}
				if rec.Expires <= now {
					stale = append(stale, append([]byte(nil), id...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, id := range stale {
				if err := rBkt.Delete(id); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// VerifyProofs recomputes the record's content hash and splits its proofs
// into valid and invalid sets.
func (s *Store) VerifyProofs(rec *Record) (valid, invalid []*StorageProof) {
	hash := ContentHash(rec.Data)
	for _, p := range rec.StorageProofs {
		if p.Verify(hash) {
			valid = append(valid, p)
		} else {
			invalid = append(invalid, p)
		}
	}
	return
}

// Close halts the sweep worker and closes the database.
func (s *Store) Close() error {
	s.Halt()
	return s.db.Close()
}

func (s *Store) putRecord(rec *Record) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		rBkt, err := tx.Bucket([]byte(recordsBucket)).CreateBucketIfNotExists([]byte(rec.Recipient))
		if err != nil {
			return err
		}
		return rBkt.Put([]byte(rec.ID), raw)
	})
}

func (s *Store) getRecord(recipientKey, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		rBkt := tx.Bucket([]byte(recordsBucket)).Bucket([]byte(recipientKey))
		if rBkt == nil {
			return nil
		}
		raw := rBkt.Get([]byte(id))
		if raw == nil {
			return nil
		}
		rec = new(Record)
		return cbor.Unmarshal(raw, rec)
	})
	return rec, err
}

func (s *Store) sweepWorker() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
			n, err := s.CleanupExpired()
			if err != nil {
				s.log.Errorf("Expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				s.log.Debugf("Expiry sweep removed %d records.", n)
			}
		}
	}
}
