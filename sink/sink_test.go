// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/sink"
)

func TestWebhookSinkPostsRecord(t *testing.T) {
	var mu sync.Mutex
	var received []sink.FailureRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec sink.FailureRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		mu.Lock()
		received = append(received, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := sink.NewWebhookSink(srv.URL, time.Second, nil)
	s.Report(context.Background(), sink.FailureRecord{
		Topic:     "vehicle/1/location",
		Guarantee: "at_least_once",
		Reason:    "deadline exceeded",
		Attempts:  7,
		Direction: "ingest",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "vehicle/1/location", received[0].Topic)
	assert.Equal(t, 7, received[0].Attempts)
}

func TestWebhookSinkToleratesUnreachableCollector(t *testing.T) {
	s := sink.NewWebhookSink("http://127.0.0.1:1", 100*time.Millisecond, nil)
	// Must not panic or block past the timeout.
	s.Report(context.Background(), sink.FailureRecord{Topic: "x"})
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (c *countingSink) Report(_ context.Context, _ sink.FailureRecord) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{}
	m := sink.MultiSink{a, b}

	m.Report(context.Background(), sink.FailureRecord{Topic: "t"})

	assert.Equal(t, 1, a.count)
	assert.Equal(t, 1, b.count)
}
