// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratelimit implements the sliding-window abuse control gating
// what the connection pool and the message store will accept, adjusted by
// a per-sender trust score.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dmail-proto/dmail/core/worker"
)

const (
	// DefaultMaxRequests is the default per-sender window budget.
	DefaultMaxRequests = 10

	// DefaultGlobalMaxRequests is the default global window budget.
	DefaultGlobalMaxRequests = 1000

	// DefaultWindow is the default sliding window length.
	DefaultWindow = time.Minute

	// DefaultMaxMessageBytes is the hard per-message size cap.
	DefaultMaxMessageBytes = 1 << 20

	// DefaultDailyByteQuota is the rolling per-sender daily byte quota.
	DefaultDailyByteQuota = 64 << 20

	// DefaultReputation is the trust score assigned on first contact.
	DefaultReputation = 25

	// SpamReportPenalty is subtracted from reputation on a spam report.
	SpamReportPenalty = 25

	acceptReward         = 1
	defaultCleanupPeriod = 5 * time.Minute
)

// Reason values for rejected requests.
const (
	ReasonRateExceeded   = "rate limit exceeded"
	ReasonGlobalExceeded = "global rate limit exceeded"
	ReasonSizeExceeded   = "message size exceeded"
	ReasonQuotaExceeded  = "daily byte quota exceeded"
)

// Result is the outcome of a rate-limit check.  Rejections carry a
// structured reason and, where applicable, a retry-after duration.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Config configures a Limiter.
type Config struct {
	MaxRequests       int
	GlobalMaxRequests int
	Window            time.Duration
	MaxMessageBytes   int
	DailyByteQuota    int64
	CleanupInterval   time.Duration
}

func (cfg *Config) fixup() {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.GlobalMaxRequests == 0 {
		cfg.GlobalMaxRequests = DefaultGlobalMaxRequests
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.DailyByteQuota == 0 {
		cfg.DailyByteQuota = DefaultDailyByteQuota
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaultCleanupPeriod
	}
}

type senderState struct {
	requests   []time.Time
	dayStart   time.Time
	dailyBytes int64
	reputation int
}

// Limiter is the sliding-window rate limiter and reputation tracker.
type Limiter struct {
	worker.Worker
	sync.Mutex

	cfg     *Config
	senders map[string]*senderState
	global  []time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Limiter and starts its periodic cleanup.
func New(cfg *Config) *Limiter {
	cfg.fixup()
	l := &Limiter{
		cfg:     cfg,
		senders: make(map[string]*senderState),
		now:     time.Now,
	}
	l.Go(l.cleanupWorker)
	return l
}

// Check inspects whether a request from sender of the given size would be
// accepted, without mutating any state.
func (l *Limiter) Check(sender string, size int) Result {
	l.Lock()
	defer l.Unlock()
	return l.check(sender, size, l.now())
}

// Record appends the request to the sender's and the global windows and
// charges the byte quota.  Callers must have checked first.
func (l *Limiter) Record(sender string, size int) {
	l.Lock()
	defer l.Unlock()
	l.record(sender, size, l.now())
}

// CheckAndRecord atomically checks a request and, if accepted, records it
// and rewards the sender's reputation.
func (l *Limiter) CheckAndRecord(sender string, size int) Result {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	res := l.check(sender, size, now)
	if !res.Allowed {
		return res
	}
	l.record(sender, size, now)

	s := l.sender(sender)
	if s.reputation < 100 {
		s.reputation += acceptReward
	}
	return res
}

// ReportSpam applies the spam penalty to a sender's reputation.
func (l *Limiter) ReportSpam(sender string) {
	l.Lock()
	defer l.Unlock()
	s := l.sender(sender)
	s.reputation -= SpamReportPenalty
	if s.reputation < 0 {
		s.reputation = 0
	}
}

// Reputation returns the sender's current trust score.
func (l *Limiter) Reputation(sender string) int {
	l.Lock()
	defer l.Unlock()
	return l.sender(sender).reputation
}

// GetAdjustedLimit scales a base limit by the sender's reputation
// multiplier, flooring the result.
func (l *Limiter) GetAdjustedLimit(sender string, baseLimit int) int {
	l.Lock()
	rep := l.sender(sender).reputation
	l.Unlock()
	return int(float64(baseLimit) * reputationMultiplier(rep))
}

// reputationMultiplier maps reputation thresholds to rate-limit
// multipliers.
func reputationMultiplier(rep int) float64 {
	switch {
	case rep >= 100:
		return 3.0
	case rep >= 75:
		return 2.0
	case rep >= 50:
		return 1.5
	case rep >= 25:
		return 1.0
	default:
		return 0.5
	}
}

// Close stops the cleanup worker.
func (l *Limiter) Close() {
	l.Halt()
}

func (l *Limiter) check(sender string, size int, now time.Time) Result {
	if size > l.cfg.MaxMessageBytes {
		return Result{Reason: ReasonSizeExceeded}
	}

	s := l.sender(sender)
	l.rollDay(s, now)
	if s.dailyBytes+int64(size) > l.cfg.DailyByteQuota {
		return Result{Reason: ReasonQuotaExceeded, RetryAfter: s.dayStart.Add(24 * time.Hour).Sub(now)}
	}

	cutoff := now.Add(-l.cfg.Window)
	limit := l.adjustedLimit(s)
	inWindow, oldest := countSince(s.requests, cutoff)
	if inWindow >= limit {
		return Result{Reason: ReasonRateExceeded, RetryAfter: oldest.Add(l.cfg.Window).Sub(now)}
	}

	gInWindow, gOldest := countSince(l.global, cutoff)
	if gInWindow >= l.cfg.GlobalMaxRequests {
		return Result{Reason: ReasonGlobalExceeded, RetryAfter: gOldest.Add(l.cfg.Window).Sub(now)}
	}

	return Result{Allowed: true}
}

// adjustedLimit computes the per-sender window budget under the limiter
// lock.
func (l *Limiter) adjustedLimit(s *senderState) int {
	return int(float64(l.cfg.MaxRequests) * reputationMultiplier(s.reputation))
}

func (l *Limiter) record(sender string, size int, now time.Time) {
	s := l.sender(sender)
	l.rollDay(s, now)
	s.requests = append(s.requests, now)
	s.dailyBytes += int64(size)
	l.global = append(l.global, now)
}

func (l *Limiter) sender(sender string) *senderState {
	s, ok := l.senders[sender]
	if !ok {
		s = &senderState{
			dayStart:   l.now(),
			reputation: DefaultReputation,
		}
		l.senders[sender] = s
	}
	return s
}

func (l *Limiter) rollDay(s *senderState, now time.Time) {
	if now.Sub(s.dayStart) >= 24*time.Hour {
		s.dayStart = now
		s.dailyBytes = 0
	}
}

// countSince returns the number of timestamps at or after the cutoff and
// the oldest such timestamp.
func countSince(ts []time.Time, cutoff time.Time) (int, time.Time) {
	n := 0
	var oldest time.Time
	for _, t := range ts {
		if t.Before(cutoff) {
			continue
		}
		if n == 0 || t.Before(oldest) {
			oldest = t
		}
		n++
	}
	return n, oldest
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.HaltCh():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup prunes window entries and drops per-sender state that is
// entirely outside the active window and day, and carries no earned
// reputation worth keeping.
func (l *Limiter) cleanup() {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.global = pruneBefore(l.global, cutoff)
	for sender, s := range l.senders {
		s.requests = pruneBefore(s.requests, cutoff)
		l.rollDay(s, now)
		if len(s.requests) == 0 && s.dailyBytes == 0 && s.reputation == DefaultReputation {
			delete(l.senders, sender)
		}
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
