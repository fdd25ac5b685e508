// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/dmail-proto/dmail/core/log"
	"github.com/dmail-proto/dmail/core/queue"
	"github.com/dmail-proto/dmail/core/worker"
	"github.com/dmail-proto/dmail/transport"
)

const (
	// DefaultQueueCapacity bounds the outbound queue.
	DefaultQueueCapacity = 1024

	// DefaultBatchSize is the number of messages drained per round.
	DefaultBatchSize = 16

	// DefaultBatchInterval is the drain period when the queue stays
	// below a full batch.
	DefaultBatchInterval = 200 * time.Millisecond

	publishTimeout = 10 * time.Second
)

// ErrQueueFull is returned when the outbound queue is at capacity.
var ErrQueueFull = errors.New("pool: outbound queue full")

type outbound struct {
	topic   string
	payload []byte
}

// SendQueue is the bounded, priority-ordered outbound publish queue.
// Messages drain in batches, either when a full batch accumulates or on
// the batch interval.
type SendQueue struct {
	sync.Mutex

	log     *logging.Logger
	tr      transport.Transport
	parent  *worker.Worker
	metrics *metrics

	q         *queue.PriorityQueue
	capacity  int
	batchSize int
	interval  time.Duration

	wakeCh chan struct{}
}

func newSendQueue(logBackend *log.Backend, cfg *Config, tr transport.Transport, parent *worker.Worker, m *metrics) *SendQueue {
	return &SendQueue{
		log:       logBackend.GetLogger("pool/sendqueue"),
		tr:        tr,
		parent:    parent,
		metrics:   m,
		q:         queue.New(),
		capacity:  cfg.QueueCapacity,
		batchSize: cfg.BatchSize,
		interval:  cfg.BatchInterval,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Enqueue queues payload for publication on topic.  Lower priority
// values publish first.
func (sq *SendQueue) Enqueue(topic string, payload []byte, priority uint64) error {
	sq.Lock()
	if sq.q.Len() >= sq.capacity {
		sq.Unlock()
		return ErrQueueFull
	}
	sq.q.Enqueue(priority, &outbound{topic: topic, payload: payload})
	n := sq.q.Len()
	sq.Unlock()

	sq.metrics.queuedMessages.Set(float64(n))
	if n >= sq.batchSize {
		select {
		case sq.wakeCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Len returns the number of queued messages.
func (sq *SendQueue) Len() int {
	sq.Lock()
	defer sq.Unlock()
	return sq.q.Len()
}

func (sq *SendQueue) worker() {
	ticker := time.NewTicker(sq.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sq.parent.HaltCh():
			return
		case <-sq.wakeCh:
		case <-ticker.C:
		}
		sq.drain()
	}
}

// drain publishes up to one batch.  Publish failures are logged and the
// message dropped rather than requeued, so a dead topic cannot wedge the
// queue.
func (sq *SendQueue) drain() {
	sq.Lock()
	batch := make([]*outbound, 0, sq.batchSize)
	for len(batch) < sq.batchSize {
		e := sq.q.Dequeue()
		if e == nil {
			break
		}
		batch = append(batch, e.Value.(*outbound))
	}
	n := sq.q.Len()
	sq.Unlock()
	sq.metrics.queuedMessages.Set(float64(n))

	for _, o := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := sq.tr.Publish(ctx, o.topic, o.payload)
		cancel()
		if err != nil {
			sq.metrics.droppedMessages.Inc()
			sq.log.Warningf("publish to %v failed: %v", o.topic, err)
		}
	}
}
