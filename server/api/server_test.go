// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telebridge/core"
	"telebridge/mqtt"
)

type fakeOutbox struct {
	enqueued []core.Message
	err      error
}

func (f *fakeOutbox) Enqueue(msg core.Message) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func newTestServer(outbox Enqueuer) *Server {
	return New(Config{
		Address:          "127.0.0.1:0",
		RateLimit:        100,
		Burst:            100,
		DefaultGuarantee: core.AtLeastOnce,
	}, outbox, nil)
}

func TestPublishAccepted(t *testing.T) {
	outbox := &fakeOutbox{}
	s := newTestServer(outbox)

	req := httptest.NewRequest(http.MethodPost, "/v1/publish",
		strings.NewReader(`{"topic":"vehicle/1/cmd","payload":"stop","retained":true}`))
	rec := httptest.NewRecorder()
	s.handlePublish(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, outbox.enqueued, 1)
	assert.Equal(t, "vehicle/1/cmd", outbox.enqueued[0].Topic)
	assert.Equal(t, core.AtLeastOnce, outbox.enqueued[0].Guarantee)
	assert.True(t, outbox.enqueued[0].Retained)
}

func TestPublishRejectsMalformedBody(t *testing.T) {
	s := newTestServer(&fakeOutbox{})

	req := httptest.NewRequest(http.MethodPost, "/v1/publish", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.handlePublish(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishRejectsWrongMethod(t *testing.T) {
	s := newTestServer(&fakeOutbox{})

	req := httptest.NewRequest(http.MethodGet, "/v1/publish", nil)
	rec := httptest.NewRecorder()
	s.handlePublish(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPublishUnavailableWhenOutboxFull(t *testing.T) {
	s := newTestServer(&fakeOutbox{err: mqtt.ErrOutboxFull})

	req := httptest.NewRequest(http.MethodPost, "/v1/publish",
		strings.NewReader(`{"topic":"vehicle/1/cmd","payload":"x"}`))
	rec := httptest.NewRecorder()
	s.handlePublish(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublishRateLimited(t *testing.T) {
	s := New(Config{
		Address:          "127.0.0.1:0",
		RateLimit:        1,
		Burst:            1,
		DefaultGuarantee: core.AtLeastOnce,
	}, &fakeOutbox{}, nil)

	body := `{"topic":"vehicle/1/cmd","payload":"x"}`
	first := httptest.NewRecorder()
	s.handlePublish(first, httptest.NewRequest(http.MethodPost, "/v1/publish", strings.NewReader(body)))
	second := httptest.NewRecorder()
	s.handlePublish(second, httptest.NewRequest(http.MethodPost, "/v1/publish", strings.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
