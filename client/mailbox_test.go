// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMailbox(t *testing.T) *Mailbox {
	m, err := OpenMailbox(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMailboxInboxOrdering(t *testing.T) {
	m := testMailbox(t)

	require.NoError(t, m.PutInbox(&StoredMessage{ID: "b", Timestamp: 200}))
	require.NoError(t, m.PutInbox(&StoredMessage{ID: "a", Timestamp: 100}))

	msgs, err := m.Inbox()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].ID)
	require.Equal(t, "b", msgs[1].ID)

	ok, err := m.HasInbox("a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.HasInbox("z")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMailboxMarkRead(t *testing.T) {
	m := testMailbox(t)

	require.NoError(t, m.PutInbox(&StoredMessage{ID: "a", Timestamp: 1}))
	require.NoError(t, m.MarkRead("a"))
	require.NoError(t, m.MarkRead("a"))
	require.ErrorIs(t, m.MarkRead("missing"), ErrNoSuchMessage)

	msgs, err := m.Inbox()
	require.NoError(t, err)
	require.True(t, msgs[0].Read)
}

func TestMailboxSessions(t *testing.T) {
	m := testMailbox(t)

	blob, err := m.Session("dm1peer")
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, m.PutSession("dm1peer", []byte("state")))
	blob, err = m.Session("dm1peer")
	require.NoError(t, err)
	require.Equal(t, []byte("state"), blob)

	all, err := m.Sessions()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, m.DeleteSession("dm1peer"))
	blob, err = m.Session("dm1peer")
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestMailboxStats(t *testing.T) {
	m := testMailbox(t)

	require.NoError(t, m.IncStat("received"))
	require.NoError(t, m.IncStat("received"))
	require.NoError(t, m.IncStat("sent"))

	stats, err := m.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats["received"])
	require.Equal(t, uint64(1), stats["sent"])
}
