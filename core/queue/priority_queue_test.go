// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	q := New()
	q.Enqueue(3, "c")
	q.Enqueue(1, "a")
	q.Enqueue(2, "b")

	require.Equal(t, 3, q.Len())
	require.Equal(t, "a", q.Dequeue().Value)
	require.Equal(t, "b", q.Dequeue().Value)
	require.Equal(t, "c", q.Dequeue().Value)
	require.Nil(t, q.Dequeue())
}

func TestPriorityQueueFIFOWithinPriority(t *testing.T) {
	q := New()
	q.Enqueue(5, "first")
	q.Enqueue(5, "second")
	q.Enqueue(5, "third")
	q.Enqueue(1, "urgent")

	require.Equal(t, "urgent", q.Dequeue().Value)
	require.Equal(t, "first", q.Dequeue().Value)
	require.Equal(t, "second", q.Dequeue().Value)
	require.Equal(t, "third", q.Dequeue().Value)
}

func TestPriorityQueuePeek(t *testing.T) {
	q := New()
	require.Nil(t, q.Peek())
	q.Enqueue(7, "x")
	q.Enqueue(2, "y")
	require.Equal(t, "y", q.Peek().Value)
	require.Equal(t, 2, q.Len())
}
