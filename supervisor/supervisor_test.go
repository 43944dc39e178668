// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/backoff"
	"telebridge/core"
	"telebridge/supervisor"
)

// fakeConn fails a configured number of connect attempts, then
// succeeds.
type fakeConn struct {
	failures int32
	attempts atomic.Int32
	closed   atomic.Int32
}

func (f *fakeConn) Connect(_ context.Context) error {
	n := f.attempts.Add(1)
	if n <= atomic.LoadInt32(&f.failures) {
		return errors.New("broker unreachable")
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closed.Add(1)
	return nil
}

func fastBackoff() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Multiplier: 1.0, Max: time.Millisecond}
}

func waitForState(t *testing.T, sup *supervisor.Supervisor, want core.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.State() == want
	}, 2*time.Second, time.Millisecond, "state never reached %s", want)
}

func TestSupervisorRecoversFromTransientFailures(t *testing.T) {
	conn := &fakeConn{failures: 3}
	lost := make(chan error, 1)
	sup := supervisor.New("test", conn, lost, nil, supervisor.WithBackoff(fastBackoff()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitForState(t, sup, core.Connected)
	assert.Equal(t, int32(4), conn.attempts.Load())
	assert.True(t, sup.Healthy())
}

func TestSupervisorSuspendsAndReconnectsOnLoss(t *testing.T) {
	conn := &fakeConn{}
	lost := make(chan error, 1)
	sup := supervisor.New("test", conn, lost, nil, supervisor.WithBackoff(fastBackoff()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitForState(t, sup, core.Connected)

	lost <- errors.New("keepalive timeout")
	require.Eventually(t, func() bool {
		return conn.attempts.Load() >= 2 && sup.State() == core.Connected
	}, 2*time.Second, time.Millisecond)
}

func TestSupervisorPacesReconnectAfterLoss(t *testing.T) {
	conn := &fakeConn{}
	lost := make(chan error, 1)
	sup := supervisor.New("test", conn, lost, nil,
		supervisor.WithBackoff(backoff.Policy{Initial: 100 * time.Millisecond, Multiplier: 1.0, Max: 100 * time.Millisecond}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitForState(t, sup, core.Connected)

	suspendedAt := time.Now()
	lost <- errors.New("keepalive timeout")

	require.Eventually(t, func() bool {
		return conn.attempts.Load() >= 2
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(suspendedAt), 80*time.Millisecond,
		"reconnect after a loss must wait out the backoff delay")
}

func TestSupervisorResubscribeHookRunsOnEveryConnect(t *testing.T) {
	conn := &fakeConn{}
	lost := make(chan error, 1)
	var hookCalls atomic.Int32
	sup := supervisor.New("test", conn, lost, nil,
		supervisor.WithBackoff(fastBackoff()),
		supervisor.WithOnConnected(func() error {
			hookCalls.Add(1)
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitForState(t, sup, core.Connected)
	lost <- errors.New("disconnect")

	require.Eventually(t, func() bool {
		return hookCalls.Load() >= 2
	}, 2*time.Second, time.Millisecond)
}

func TestSupervisorShutdownDisconnects(t *testing.T) {
	conn := &fakeConn{}
	lost := make(chan error, 1)
	sup := supervisor.New("test", conn, lost, nil, supervisor.WithBackoff(fastBackoff()))

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	waitForState(t, sup, core.Connected)
	cancel()

	waitForState(t, sup, core.Disconnected)
	assert.GreaterOrEqual(t, conn.closed.Load(), int32(1))
	assert.False(t, sup.Healthy())
}
