// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/core"
	"telebridge/kafka"
	"telebridge/pipeline"
)

// fakeGate flips the outbound adapter state under test control.
type fakeGate struct {
	mu    sync.Mutex
	state core.ConnectionState
}

func (g *fakeGate) State() core.ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *fakeGate) set(s core.ConnectionState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// fakeFetcher serves records from a channel and tracks commits.
type fakeFetcher struct {
	records chan kafka.Record

	mu        sync.Mutex
	committed int
}

func (f *fakeFetcher) Fetch(ctx context.Context) (kafka.Record, error) {
	select {
	case rec := <-f.records:
		return rec, nil
	case <-ctx.Done():
		return kafka.Record{}, ctx.Err()
	}
}

func (f *fakeFetcher) Commit(_ context.Context, _ kafka.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed++
	return nil
}

func (f *fakeFetcher) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

// fakePublisher records publishes, optionally failing the first failN.
type fakePublisher struct {
	mu        sync.Mutex
	failN     int
	calls     int
	published []publishedMsg
}

type publishedMsg struct {
	Topic string
	Value string
	QoS   byte
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failN {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedMsg{Topic: topic, Value: string(payload), QoS: qos})
	return nil
}

func (p *fakePublisher) all() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMsg, len(p.published))
	copy(out, p.published)
	return out
}

func record(key, value string, headers map[string]string) kafka.Record {
	if headers == nil {
		headers = map[string]string{}
	}
	return kafka.Record{Key: key, Value: []byte(value), Headers: headers}
}

func TestEgressPublishesAndCommits(t *testing.T) {
	fetcher := &fakeFetcher{records: make(chan kafka.Record, 1)}
	publisher := &fakePublisher{}
	gate := &fakeGate{state: core.Connected}
	failures := &recordingSink{}

	w := pipeline.NewEgress(fetcher, publisher, gate, fastLedger(time.Minute), failures, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fetcher.records <- record("vehicle/42/cmd", "stop", map[string]string{
		kafka.HeaderGuarantee: "at_least_once",
	})

	require.Eventually(t, func() bool {
		return fetcher.commits() == 1
	}, time.Second, time.Millisecond)

	pubs := publisher.all()
	require.Len(t, pubs, 1)
	assert.Equal(t, "vehicle/42/cmd", pubs[0].Topic)
	assert.Equal(t, "stop", pubs[0].Value)
	assert.Equal(t, byte(1), pubs[0].QoS)
}

func TestEgressHoldsWhileSuspended(t *testing.T) {
	fetcher := &fakeFetcher{records: make(chan kafka.Record, 1)}
	publisher := &fakePublisher{}
	gate := &fakeGate{state: core.Suspended}
	failures := &recordingSink{}

	w := pipeline.NewEgress(fetcher, publisher, gate, fastLedger(time.Minute), failures, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fetcher.records <- record("vehicle/1/cmd", "go", nil)

	// Nothing may be forwarded while the adapter is suspended.
	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, publisher.all())
	assert.Equal(t, 0, fetcher.commits())

	gate.set(core.Connected)
	require.Eventually(t, func() bool {
		return fetcher.commits() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, publisher.all(), 1)
}

func TestEgressDestinationHeaderOverridesKey(t *testing.T) {
	fetcher := &fakeFetcher{records: make(chan kafka.Record, 1)}
	publisher := &fakePublisher{}
	gate := &fakeGate{state: core.Connected}

	w := pipeline.NewEgress(fetcher, publisher, gate, fastLedger(time.Minute), &recordingSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fetcher.records <- record("ignored/key", "payload", map[string]string{
		kafka.HeaderDestination: "display/7/update",
	})

	require.Eventually(t, func() bool {
		return len(publisher.all()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "display/7/update", publisher.all()[0].Topic)
}

func TestEgressRetriesUntilSuccess(t *testing.T) {
	fetcher := &fakeFetcher{records: make(chan kafka.Record, 1)}
	publisher := &fakePublisher{failN: 2}
	gate := &fakeGate{state: core.Connected}
	failures := &recordingSink{}

	w := pipeline.NewEgress(fetcher, publisher, gate, fastLedger(time.Minute), failures, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fetcher.records <- record("vehicle/3/cmd", "reset", nil)

	require.Eventually(t, func() bool {
		return fetcher.commits() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, publisher.all(), 1)
	assert.Empty(t, failures.all())
}

func TestEgressInvalidDestinationReportedAndCommitted(t *testing.T) {
	fetcher := &fakeFetcher{records: make(chan kafka.Record, 1)}
	publisher := &fakePublisher{}
	gate := &fakeGate{state: core.Connected}
	failures := &recordingSink{}

	w := pipeline.NewEgress(fetcher, publisher, gate, fastLedger(time.Minute), failures, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	fetcher.records <- record("bad/+/topic", "x", nil)

	require.Eventually(t, func() bool {
		return fetcher.commits() == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, publisher.all())
	require.Len(t, failures.all(), 1)
	assert.Equal(t, "egress", failures.all()[0].Direction)
}
