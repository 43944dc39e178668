// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"telebridge/backoff"
)

func TestLedgerEntryLifecycle(t *testing.T) {
	l := NewLedger(backoff.Policy{Initial: 10 * time.Millisecond, Multiplier: 2.0, Max: time.Second}, time.Minute)

	e := l.Begin()
	assert.Equal(t, 1, e.Attempts)
	assert.False(t, e.NextRetryAt.After(e.Deadline))

	delay, ok := l.Fail(e)
	assert.True(t, ok)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, 20*time.Millisecond, delay)
}

func TestLedgerDeadlineExhausted(t *testing.T) {
	l := NewLedger(backoff.Policy{Initial: 100 * time.Millisecond, Multiplier: 2.0, Max: time.Second}, 150*time.Millisecond)

	e := l.Begin()
	// First retry fits inside the deadline, the second does not.
	_, ok := l.Fail(e)
	assert.False(t, ok, "retry past the deadline must be refused")
}

func TestLedgerWaitNeverNegative(t *testing.T) {
	l := NewLedger(backoff.Policy{Initial: time.Millisecond, Multiplier: 1.0, Max: time.Millisecond}, time.Minute)

	e := l.Begin()
	e.NextRetryAt = time.Now().Add(-time.Second)
	assert.Equal(t, time.Duration(0), l.Wait(e))
}
