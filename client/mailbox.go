// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	inboxBucket    = "inbox"
	sentBucket     = "sent"
	sessionsBucket = "sessions"
	statsBucket    = "stats"
	metaBucket     = "metadata"

	mailboxVersionKey = "version"
)

// ErrNoSuchMessage is returned when a message ID is not in the mailbox.
var ErrNoSuchMessage = errors.New("client: no such message")

// StoredMessage is a message at rest in the mailbox.
type StoredMessage struct {
	ID        string `cbor:"id"`
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`
	Content   []byte `cbor:"content"`
	Timestamp int64  `cbor:"timestamp"`
	Read      bool   `cbor:"read"`
}

// Mailbox is the client's local persistent message and session store.
type Mailbox struct {
	db *bolt.DB
}

// OpenMailbox creates (or loads) a mailbox database.
func OpenMailbox(path string) (*Mailbox, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{inboxBucket, sentBucket, sessionsBucket, statsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		bkt, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(mailboxVersionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return errors.New("client: incompatible mailbox version")
			}
			return nil
		}
		return bkt.Put([]byte(mailboxVersionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Mailbox{db: db}, nil
}

// Close closes the mailbox database.
func (m *Mailbox) Close() error {
	return m.db.Close()
}

func (m *Mailbox) putMessage(bucket string, msg *StoredMessage) error {
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(msg.ID), raw)
	})
}

func (m *Mailbox) listMessages(bucket string) ([]*StoredMessage, error) {
	var out []*StoredMessage
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(_, v []byte) error {
			msg := new(StoredMessage)
			if err := cbor.Unmarshal(v, msg); err != nil {
				return err
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// PutInbox stores a received message.
func (m *Mailbox) PutInbox(msg *StoredMessage) error {
	return m.putMessage(inboxBucket, msg)
}

// Inbox returns all received messages ordered by time.
func (m *Mailbox) Inbox() ([]*StoredMessage, error) {
	return m.listMessages(inboxBucket)
}

// PutSent stores a copy of a sent message.
func (m *Mailbox) PutSent(msg *StoredMessage) error {
	return m.putMessage(sentBucket, msg)
}

// Sent returns all sent messages ordered by time.
func (m *Mailbox) Sent() ([]*StoredMessage, error) {
	return m.listMessages(sentBucket)
}

// HasInbox reports whether the inbox holds a message ID.
func (m *Mailbox) HasInbox(id string) (bool, error) {
	var ok bool
	err := m.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(inboxBucket)).Get([]byte(id)) != nil
		return nil
	})
	return ok, err
}

// MarkRead flags an inbox message as read.
func (m *Mailbox) MarkRead(id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(inboxBucket))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return ErrNoSuchMessage
		}
		msg := new(StoredMessage)
		if err := cbor.Unmarshal(raw, msg); err != nil {
			return err
		}
		if msg.Read {
			return nil
		}
		msg.Read = true
		raw, err := cbor.Marshal(msg)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), raw)
	})
}

// DeleteInbox removes an inbox message.  Removing an absent message is
// not an error.
func (m *Mailbox) DeleteInbox(id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inboxBucket)).Delete([]byte(id))
	})
}

// PutSession persists a ratchet session blob for a peer address.
func (m *Mailbox) PutSession(address string, blob []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(address), blob)
	})
}

// Session returns the persisted ratchet session blob for a peer address,
// or nil when none exists.
func (m *Mailbox) Session(address string) ([]byte, error) {
	var blob []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(sessionsBucket)).Get([]byte(address)); b != nil {
			blob = append([]byte(nil), b...)
		}
		return nil
	})
	return blob, err
}

// Sessions returns all persisted session blobs keyed by peer address.
func (m *Mailbox) Sessions() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a persisted ratchet session.
func (m *Mailbox) DeleteSession(address string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(address))
	})
}

// IncStat increments a named counter.
func (m *Mailbox) IncStat(name string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(statsBucket))
		var n uint64
		if b := bkt.Get([]byte(name)); len(b) == 8 {
			n = binary.BigEndian.Uint64(b)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n+1)
		return bkt.Put([]byte(name), buf[:])
	})
}

// Stats returns all counters.
func (m *Mailbox) Stats() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(statsBucket)).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
