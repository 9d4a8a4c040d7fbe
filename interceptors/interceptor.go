package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/messaging"
)

// ErrHandlerTimeout is returned when a handler outlives a TimeoutInterceptor
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// Interceptor processes an envelope before it reaches the handler
type Interceptor interface {
	// Intercept handles env and calls next to continue the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error

	// Name identifies the interceptor in logs
	Name() string
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first one added runs
// outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates an empty chain
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Wrap returns handler decorated with every interceptor in the chain
func (c *Chain) Wrap(handler messaging.EventHandler) messaging.EventHandler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor, next := c.interceptors[i], handler
		handler = func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler
}

// Middleware adapts the chain to a bus option
func (c *Chain) Middleware() messaging.Middleware {
	return c.Wrap
}

// LoggingInterceptor logs each delivery with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error {
	start := time.Now()
	err := next(ctx, env)
	attrs := []any{
		"eventId", env.ID(),
		"eventType", env.Type(),
		"tenantId", env.TenantID(),
		"correlationId", env.CorrelationID(),
		"duration", time.Since(start),
	}
	if err != nil {
		i.logger.ErrorContext(ctx, "event handling failed", append(attrs, "error", err)...)
		return err
	}
	i.logger.DebugContext(ctx, "event handled", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long a handler may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler that ignores its context keeps
// running in the background after the timeout is reported.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next(timeoutCtx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v for event %s", ErrHandlerTimeout, i.timeout, env.ID())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RateLimitingInterceptor throttles deliveries per event type, waiting for a
// token rather than rejecting
type RateLimitingInterceptor struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitingInterceptor allows perSecond deliveries of each event type
func NewRateLimitingInterceptor(perSecond float64, burst int) *RateLimitingInterceptor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitingInterceptor{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Intercept implements Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error {
	if err := i.limiter(env.Type()).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for %s: %w", env.Type(), err)
	}
	return next(ctx, env)
}

func (i *RateLimitingInterceptor) limiter(eventType string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[eventType]
	if !ok {
		l = rate.NewLimiter(i.limit, i.burst)
		i.limiters[eventType] = l
	}
	return l
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}
