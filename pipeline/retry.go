// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"time"

	"telebridge/backoff"
)

// Entry tracks one in-flight message being retried: attempt count,
// next-eligible-retry time and the terminal deadline. Entries are owned
// exclusively by the pipeline that created them and never shared.
type Entry struct {
	Attempts    int
	NextRetryAt time.Time
	Deadline    time.Time
}

// Ledger creates and advances retry entries. Decoupled from the
// transport call so retry policy is testable with a fake transport.
type Ledger struct {
	policy   backoff.Policy
	deadline time.Duration
	now      func() time.Time
}

// NewLedger builds a ledger; deadline bounds the total retry window
// per message.
func NewLedger(policy backoff.Policy, deadline time.Duration) *Ledger {
	return &Ledger{
		policy:   policy,
		deadline: deadline,
		now:      time.Now,
	}
}

// Begin opens an entry after the first transient failure.
func (l *Ledger) Begin() *Entry {
	now := l.now()
	e := &Entry{Attempts: 1, Deadline: now.Add(l.deadline)}
	e.NextRetryAt = now.Add(l.policy.Delay(e.Attempts))
	return e
}

// Fail records another failed attempt. Returns the wait before the
// next attempt and false when the deadline is exhausted, at which point
// the message must be reported as permanently failed and dropped.
func (l *Ledger) Fail(e *Entry) (time.Duration, bool) {
	e.Attempts++
	delay := l.policy.Delay(e.Attempts)
	next := l.now().Add(delay)
	if next.After(e.Deadline) {
		return 0, false
	}
	e.NextRetryAt = next
	return delay, true
}

// Wait returns the remaining wait before an entry's next attempt.
func (l *Ledger) Wait(e *Entry) time.Duration {
	d := e.NextRetryAt.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}
