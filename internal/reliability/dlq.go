package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockline/eventcore/contracts"
)

// DeadLetter is an envelope whose delivery to one handler was abandoned
type DeadLetter struct {
	ID             string
	Envelope       *contracts.Envelope
	HandlerID      string
	Reason         string
	Attempts       int
	History        []AttemptRecord
	DeadLetteredAt time.Time
}

// DeadLetterSink receives abandoned deliveries
type DeadLetterSink interface {
	Send(ctx context.Context, letter DeadLetter) error
}

// DeadLetterStore is a sink that can also be inspected
type DeadLetterStore interface {
	DeadLetterSink
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
}

// DeadLetterFilter filters dead letters on listing
type DeadLetterFilter struct {
	TenantID   string
	HandlerID  string
	MaxResults int
}

func (f DeadLetterFilter) match(l DeadLetter) bool {
	if f.TenantID != "" && (l.Envelope == nil || l.Envelope.TenantID() != f.TenantID) {
		return false
	}
	if f.HandlerID != "" && l.HandlerID != f.HandlerID {
		return false
	}
	return true
}

// InMemoryDeadLetterStore keeps dead letters in insertion order
type InMemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

// NewInMemoryDeadLetterStore creates an empty store
func NewInMemoryDeadLetterStore() *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{}
}

// Send implements DeadLetterSink
func (s *InMemoryDeadLetterStore) Send(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter.ID == "" {
		letter.ID = strconv.Itoa(len(s.letters) + 1)
	}
	s.letters = append(s.letters, letter)
	return nil
}

// List implements DeadLetterStore. Newest letters come first.
func (s *InMemoryDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DeadLetter
	for i := len(s.letters) - 1; i >= 0; i-- {
		if !filter.match(s.letters[i]) {
			continue
		}
		out = append(out, s.letters[i])
		if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored letters
func (s *InMemoryDeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters)
}

// StreamClient is the part of the go-redis client used for dead letters
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// RedisStreamSink appends dead letters to a Redis stream
type RedisStreamSink struct {
	client StreamClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// RedisSinkOption configures a RedisStreamSink
type RedisSinkOption func(*RedisStreamSink)

// WithStreamMaxLen caps the stream length (approximate trimming)
func WithStreamMaxLen(n int64) RedisSinkOption {
	return func(s *RedisStreamSink) {
		s.maxLen = n
	}
}

// WithSinkLogger sets the logger
func WithSinkLogger(logger *slog.Logger) RedisSinkOption {
	return func(s *RedisStreamSink) {
		s.logger = logger
	}
}

// NewRedisStreamSink creates a sink writing to stream
func NewRedisStreamSink(client StreamClient, stream string, options ...RedisSinkOption) *RedisStreamSink {
	s := &RedisStreamSink{
		client: client,
		stream: stream,
		maxLen: 10000,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Send implements DeadLetterSink
func (s *RedisStreamSink) Send(ctx context.Context, letter DeadLetter) error {
	if letter.Envelope == nil {
		return &DLQError{Stream: s.stream, Op: "send", Err: ErrInvalidDeadLetter, Timestamp: time.Now()}
	}

	envelope, err := json.Marshal(letter.Envelope)
	if err != nil {
		return &DLQError{Stream: s.stream, EventID: letter.Envelope.ID(), Op: "encode", Err: err, Timestamp: time.Now()}
	}
	history, err := json.Marshal(letter.History)
	if err != nil {
		return &DLQError{Stream: s.stream, EventID: letter.Envelope.ID(), Op: "encode", Err: err, Timestamp: time.Now()}
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id":         letter.Envelope.ID(),
			"event_type":       letter.Envelope.Type(),
			"tenant_id":        letter.Envelope.TenantID(),
			"handler_id":       letter.HandlerID,
			"reason":           letter.Reason,
			"attempts":         letter.Attempts,
			"dead_lettered_at": letter.DeadLetteredAt.UTC().Format(time.RFC3339Nano),
			"envelope":         string(envelope),
			"history":          string(history),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return &DLQError{Stream: s.stream, EventID: letter.Envelope.ID(), Op: "xadd", Err: err, Timestamp: time.Now()}
	}

	s.logger.WarnContext(ctx, "event dead-lettered",
		"eventId", letter.Envelope.ID(),
		"handlerId", letter.HandlerID,
		"attempts", letter.Attempts,
		"stream", s.stream,
	)
	return nil
}

// List implements DeadLetterStore, reading the newest entries first
func (s *RedisStreamSink) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	count := int64(filter.MaxResults)
	if count <= 0 {
		count = 100
	}
	// Filtering happens client side, so over-read when a filter is set.
	if filter.TenantID != "" || filter.HandlerID != "" {
		count *= 10
	}

	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, &DLQError{Stream: s.stream, Op: "list", Err: err, Timestamp: time.Now()}
	}

	var out []DeadLetter
	for _, msg := range msgs {
		letter, err := decodeStreamLetter(msg)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable dead letter", "id", msg.ID, "error", err)
			continue
		}
		if !filter.match(letter) {
			continue
		}
		out = append(out, letter)
		if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
			break
		}
	}
	return out, nil
}

func decodeStreamLetter(msg redis.XMessage) (DeadLetter, error) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return DeadLetter{}, fmt.Errorf("%w: missing envelope", ErrInvalidDeadLetter)
	}
	env, err := contracts.Decode([]byte(raw))
	if err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrInvalidDeadLetter, err)
	}

	letter := DeadLetter{
		ID:        msg.ID,
		Envelope:  env,
		HandlerID: stringField(msg.Values, "handler_id"),
		Reason:    stringField(msg.Values, "reason"),
	}
	letter.Attempts, _ = strconv.Atoi(stringField(msg.Values, "attempts"))
	if at := stringField(msg.Values, "dead_lettered_at"); at != "" {
		letter.DeadLetteredAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	if history := stringField(msg.Values, "history"); history != "" {
		if err := json.Unmarshal([]byte(history), &letter.History); err != nil {
			return DeadLetter{}, fmt.Errorf("%w: history: %v", ErrInvalidDeadLetter, err)
		}
	}
	sort.SliceStable(letter.History, func(i, j int) bool {
		return letter.History[i].Attempt < letter.History[j].Attempt
	})
	return letter, nil
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
