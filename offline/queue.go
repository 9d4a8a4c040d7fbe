package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/internal/reliability"
)

// HeaderIdempotencyKey carries the mutation id so the API can drop replays
const HeaderIdempotencyKey = "Idempotency-Key"

const maxResponseBody = 1 << 20

// Doer is the subset of *http.Client used by the queue
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Mutation is a write that has already been reflected locally and must be
// confirmed by the API
type Mutation struct {
	// ID doubles as the idempotency key. Generated when empty.
	ID     string
	Method string
	Path   string
	Body   any
	Header http.Header

	// Apply performs the optimistic local effect. A failing Apply aborts the
	// submission before anything is sent.
	Apply func() error
	// Rollback undoes Apply. It runs whenever the API does not confirm the
	// mutation.
	Rollback func() error
}

// Result describes the outcome of a submission
type Result struct {
	MutationID string
	StatusCode int
	Attempts   int
	Body       []byte
	RolledBack bool
}

// Queue sends optimistic mutations to the API with retries
type Queue struct {
	baseURL  string
	client   Doer
	policy   reliability.RetryPolicy
	clock    clock.Clock
	logger   *slog.Logger
	journal  Journal
	inflight *semaphore.Weighted
}

// Option configures a Queue
type Option func(*Queue)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client Doer) Option {
	return func(q *Queue) {
		q.client = client
	}
}

// WithRetryPolicy replaces the default backoff (500ms doubling up to 30s,
// 5 attempts)
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(q *Queue) {
		q.policy = policy
	}
}

// WithClock sets the time source used between attempts
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		q.clock = clk
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithJournal records every lifecycle step of every mutation
func WithJournal(journal Journal) Option {
	return func(q *Queue) {
		q.journal = journal
	}
}

// WithMaxInFlight bounds concurrent submissions. The default of 1 sends
// mutations in submission order.
func WithMaxInFlight(n int64) Option {
	return func(q *Queue) {
		if n > 0 {
			q.inflight = semaphore.NewWeighted(n)
		}
	}
}

// NewQueue creates a queue sending to baseURL
func NewQueue(baseURL string, opts ...Option) *Queue {
	q := &Queue{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 15 * time.Second},
		policy:   reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 0.2, 5),
		clock:    clock.Real(),
		logger:   slog.Default(),
		journal:  nopJournal{},
		inflight: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit applies m locally and sends it until the API confirms it, the retry
// policy gives up or ctx ends. Any outcome other than confirmation rolls the
// local effect back.
func (q *Queue) Submit(ctx context.Context, m Mutation) (Result, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Method == "" {
		m.Method = http.MethodPost
	}
	res := Result{MutationID: m.ID}

	body, err := encodeBody(m.Body)
	if err != nil {
		return res, fmt.Errorf("encode mutation %s: %w", m.ID, err)
	}

	if m.Apply != nil {
		if err := m.Apply(); err != nil {
			return res, fmt.Errorf("apply mutation %s: %w", m.ID, err)
		}
	}
	q.record(ctx, m, StageApplied, 0, 0, nil)

	sendErr := q.inflight.Acquire(ctx, 1)
	if sendErr == nil {
		sendErr = reliability.Retry(ctx, q.clock, retryAfterPolicy{q.policy}, func(attempt int) error {
			res.Attempts = attempt
			status, respBody, err := q.send(ctx, m, body)
			res.StatusCode = status
			res.Body = respBody
			q.record(ctx, m, StageAttempted, attempt, status, err)
			if err != nil {
				q.logger.Debug("mutation attempt failed",
					"mutationId", m.ID,
					"attempt", attempt,
					"status", status,
					"error", err)
			}
			return err
		})
		q.inflight.Release(1)
	}

	if sendErr == nil {
		q.record(ctx, m, StageConfirmed, res.Attempts, res.StatusCode, nil)
		return res, nil
	}

	mErr := &MutationError{MutationID: m.ID, Attempts: res.Attempts, Err: sendErr}
	if m.Rollback != nil {
		mErr.RollbackErr = runRollback(m.Rollback)
		res.RolledBack = mErr.RollbackErr == nil
		mErr.RolledBack = res.RolledBack
	}
	q.record(ctx, m, StageFailed, res.Attempts, res.StatusCode, sendErr)
	if res.RolledBack {
		q.record(ctx, m, StageRolledBack, res.Attempts, res.StatusCode, nil)
	}

	q.logger.Warn("mutation rejected",
		"mutationId", m.ID,
		"method", m.Method,
		"path", m.Path,
		"attempts", res.Attempts,
		"rolledBack", res.RolledBack,
		"error", sendErr)
	return res, mErr
}

func (q *Queue) send(ctx context.Context, m Mutation, body []byte) (int, []byte, error) {
	url := q.baseURL + "/" + strings.TrimLeft(m.Path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, url, reader)
	if err != nil {
		return 0, nil, &TransportError{Method: m.Method, URL: url, Err: err}
	}
	for k, vs := range m.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderIdempotencyKey, m.ID)

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Method: m.Method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Method: m.Method, URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, &StatusError{
			Method:     m.Method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       respBody,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.StatusCode, respBody, nil
}

func (q *Queue) record(ctx context.Context, m Mutation, stage Stage, attempt, status int, err error) {
	entry := &JournalEntry{
		Timestamp:  q.clock.Now(),
		MutationID: m.ID,
		Method:     m.Method,
		Path:       m.Path,
		Stage:      stage,
		Attempt:    attempt,
		StatusCode: status,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jErr := q.journal.Record(ctx, entry); jErr != nil {
		q.logger.Error("failed to journal mutation", "mutationId", m.ID, "error", jErr)
	}
}

func runRollback(rollback func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return rollback()
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// parseRetryAfter understands the delay-seconds form only
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryAfterPolicy stretches the backoff to honour a server Retry-After hint
type retryAfterPolicy struct {
	reliability.RetryPolicy
}

func (p retryAfterPolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	retry, delay := p.RetryPolicy.ShouldRetry(attempt, err)
	if !retry {
		return false, 0
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > delay {
		delay = statusErr.RetryAfter
	}
	return true, delay
}
