package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient removes jitter so backoff math is deterministic.
func newTestClient() *Client {
	c := NewClient()
	c.jitter = func() float64 { return 1.0 }
	return c
}

func TestSendSucceedsFirstAttempt(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	resp, err := newTestClient().Send(context.Background(), ts.URL, map[string]any{"action": "ping"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "ping", gotBody["action"])
}

func TestSendRetriesNon2xxThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	resp, err := newTestClient().Send(context.Background(), ts.URL, nil, Options{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSendExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestClient().Send(context.Background(), ts.URL, nil, Options{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSendRetriesTransportErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	ts.Close() // connection refused from here on

	_, err := newTestClient().Send(context.Background(), ts.URL, nil, Options{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestSendHonorsContextCancellationDuringBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient().Send(ctx, ts.URL, nil, Options{
		MaxRetries:   3,
		InitialDelay: 10 * time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "canceled during backoff, not after")
}

func TestSendRejectsUnmarshalablePayload(t *testing.T) {
	_, err := newTestClient().Send(context.Background(), "http://localhost:0", func() {}, Options{})
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	c := newTestClient()

	assert.Equal(t, time.Second, c.backoff(time.Second, 2))
	assert.Equal(t, 2*time.Second, c.backoff(time.Second, 3))
	assert.Equal(t, 4*time.Second, c.backoff(time.Second, 4))

	// Deep attempts hit the cap.
	assert.Equal(t, maxDelay, c.backoff(time.Second, 10))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	c := NewClient()

	for i := 0; i < 100; i++ {
		d := c.backoff(time.Second, 2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.Less(t, d, 1200*time.Millisecond)
	}
}
