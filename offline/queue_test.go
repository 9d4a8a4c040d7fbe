package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/internal/reliability"
)

type stockLevel struct {
	mu    sync.Mutex
	value int
}

func (s *stockLevel) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += n
}

func (s *stockLevel) get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func adjustment(level *stockLevel, delta int) Mutation {
	return Mutation{
		Method: http.MethodPost,
		Path:   "/items/sku-1/adjustments",
		Body:   map[string]int{"delta": delta},
		Apply: func() error {
			level.add(delta)
			return nil
		},
		Rollback: func() error {
			level.add(-delta)
			return nil
		},
	}
}

// statusSequence answers with the given statuses in order, repeating the last
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *int32, chan *http.Request) {
	t.Helper()
	var calls int32
	requests := make(chan *http.Request, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		body, _ := io.ReadAll(r.Body)
		clone := r.Clone(context.Background())
		clone.Body = io.NopCloser(bytes.NewReader(body))
		requests <- clone

		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, requests
}

func newTestQueue(url string, opts ...Option) *Queue {
	base := []Option{
		WithClock(clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))),
		WithRetryPolicy(reliability.NewExponentialBackoff(0, 0, 0, 3)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewQueue(url, append(base, opts...)...)
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed mutation keeps the optimistic effect", func(t *testing.T) {
		srv, calls, requests := statusSequence(t, http.StatusCreated)
		level := &stockLevel{value: 10}
		q := newTestQueue(srv.URL)

		res, err := q.Submit(ctx, adjustment(level, 5))

		require.NoError(t, err)
		assert.Equal(t, 15, level.get())
		assert.Equal(t, http.StatusCreated, res.StatusCode)
		assert.Equal(t, 1, res.Attempts)
		assert.False(t, res.RolledBack)
		assert.JSONEq(t, `{"ok":true}`, string(res.Body))
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))

		req := <-requests
		assert.Equal(t, res.MutationID, req.Header.Get(HeaderIdempotencyKey))
		assert.Equal(t, "/items/sku-1/adjustments", req.URL.Path)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		var body map[string]int
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, 5, body["delta"])
	})

	t.Run("retryable statuses are retried with the same idempotency key", func(t *testing.T) {
		srv, calls, requests := statusSequence(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusOK)
		level := &stockLevel{}
		q := newTestQueue(srv.URL)

		m := adjustment(level, 3)
		m.ID = "mutation-42"
		res, err := q.Submit(ctx, m)

		require.NoError(t, err)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, int32(3), atomic.LoadInt32(calls))
		assert.Equal(t, 3, level.get())
		for i := 0; i < 3; i++ {
			assert.Equal(t, "mutation-42", (<-requests).Header.Get(HeaderIdempotencyKey))
		}
	})

	t.Run("terminal status rolls back without retrying", func(t *testing.T) {
		srv, calls, _ := statusSequence(t, http.StatusUnprocessableEntity)
		level := &stockLevel{value: 7}
		q := newTestQueue(srv.URL)

		res, err := q.Submit(ctx, adjustment(level, -2))

		require.Error(t, err)
		assert.Equal(t, 7, level.get())
		assert.True(t, res.RolledBack)
		assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))

		var mErr *MutationError
		require.ErrorAs(t, err, &mErr)
		assert.True(t, mErr.RolledBack)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	})

	t.Run("exhausted retries roll back", func(t *testing.T) {
		srv, calls, _ := statusSequence(t, http.StatusBadGateway)
		level := &stockLevel{}
		q := newTestQueue(srv.URL)

		res, err := q.Submit(ctx, adjustment(level, 4))

		require.Error(t, err)
		assert.Equal(t, 0, level.get())
		assert.True(t, res.RolledBack)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, int32(3), atomic.LoadInt32(calls))

		var retryErr *reliability.RetryError
		assert.ErrorAs(t, err, &retryErr)
	})

	t.Run("transport errors are retried then rolled back", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		level := &stockLevel{}
		q := newTestQueue(url)

		res, err := q.Submit(ctx, adjustment(level, 1))

		require.Error(t, err)
		assert.Equal(t, 3, res.Attempts)
		assert.True(t, res.RolledBack)
		assert.Equal(t, 0, level.get())
		var transportErr *TransportError
		assert.ErrorAs(t, err, &transportErr)
	})

	t.Run("cancelled context still rolls back", func(t *testing.T) {
		srv, _, _ := statusSequence(t, http.StatusOK)
		level := &stockLevel{}
		q := newTestQueue(srv.URL)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		res, err := q.Submit(cctx, adjustment(level, 9))

		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, res.RolledBack)
		assert.Equal(t, 0, level.get())
	})

	t.Run("failing apply sends nothing", func(t *testing.T) {
		srv, calls, _ := statusSequence(t, http.StatusOK)
		q := newTestQueue(srv.URL)

		rolledBack := false
		_, err := q.Submit(ctx, Mutation{
			Path:     "/items",
			Apply:    func() error { return errors.New("local store locked") },
			Rollback: func() error { rolledBack = true; return nil },
		})

		require.Error(t, err)
		assert.False(t, rolledBack)
		assert.Equal(t, int32(0), atomic.LoadInt32(calls))
	})

	t.Run("rollback failure is reported", func(t *testing.T) {
		srv, _, _ := statusSequence(t, http.StatusConflict)
		q := newTestQueue(srv.URL)

		res, err := q.Submit(ctx, Mutation{
			Path:     "/items",
			Rollback: func() error { panic("cache evicted") },
		})

		var mErr *MutationError
		require.ErrorAs(t, err, &mErr)
		assert.False(t, res.RolledBack)
		require.Error(t, mErr.RollbackErr)
		assert.Contains(t, mErr.Error(), "rollback failed")
	})

	t.Run("journal records the lifecycle", func(t *testing.T) {
		srv, _, _ := statusSequence(t, http.StatusInternalServerError, http.StatusBadRequest)
		journal := NewInMemoryJournal()
		level := &stockLevel{}
		q := newTestQueue(srv.URL, WithJournal(journal))

		m := adjustment(level, 1)
		m.ID = "mutation-7"
		_, err := q.Submit(ctx, m)
		require.Error(t, err)

		entries, err := journal.ByMutation(ctx, "mutation-7")
		require.NoError(t, err)
		stages := make([]Stage, len(entries))
		for i, e := range entries {
			stages[i] = e.Stage
		}
		assert.Equal(t, []Stage{StageApplied, StageAttempted, StageAttempted, StageFailed, StageRolledBack}, stages)
		assert.Equal(t, http.StatusBadRequest, entries[2].StatusCode)
	})
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 422, 501} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}

func TestRetryAfterPolicy(t *testing.T) {
	policy := retryAfterPolicy{reliability.NewExponentialBackoff(time.Second, time.Minute, 0, 5)}

	t.Run("server hint extends the delay", func(t *testing.T) {
		retry, delay := policy.ShouldRetry(1, &StatusError{StatusCode: 429, RetryAfter: 10 * time.Second})
		assert.True(t, retry)
		assert.Equal(t, 10*time.Second, delay)
	})

	t.Run("shorter hint keeps the backoff", func(t *testing.T) {
		retry, delay := policy.ShouldRetry(3, &StatusError{StatusCode: 503, RetryAfter: time.Second})
		assert.True(t, retry)
		assert.Equal(t, 4*time.Second, delay)
	})

	t.Run("terminal status is not retried", func(t *testing.T) {
		retry, _ := policy.ShouldRetry(1, &StatusError{StatusCode: 404})
		assert.False(t, retry)
	})

	assert.Equal(t, 30*time.Second, parseRetryAfter(" 30 "))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
