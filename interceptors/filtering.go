package interceptors

import (
	"context"
	"errors"
	"fmt"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/messaging"
)

// Filter decides whether an envelope reaches the handler
type Filter interface {
	Allow(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// FilterFunc adapts a function to Filter
type FilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// Allow implements Filter
func (f FilterFunc) Allow(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens to an envelope a filter declines
type SkipBehavior int

const (
	// SkipSilently treats the envelope as handled
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the delivery with ErrFiltered
	SkipWithError
)

// ErrFiltered is returned for declined envelopes under SkipWithError
var ErrFiltered = errors.New("interceptors: event filtered")

// FilteringInterceptor drops envelopes its filter declines
type FilteringInterceptor struct {
	filter   Filter
	behavior SkipBehavior
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter Filter, behavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, behavior: behavior}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next messaging.EventHandler) error {
	ok, err := i.filter.Allow(ctx, env)
	if err != nil {
		return fmt.Errorf("filter %s: %w", env.ID(), err)
	}
	if ok {
		return next(ctx, env)
	}
	if i.behavior == SkipWithError {
		return fmt.Errorf("%w: %s (%s)", ErrFiltered, env.ID(), env.Type())
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf allows an envelope only when every filter does
func AllOf(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.Allow(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf allows an envelope when at least one filter does
func AnyOf(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, f := range filters {
			ok, err := f.Allow(ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// EventTypes allows only the listed event types
func EventTypes(types ...string) Filter {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return allowed[env.Type()], nil
	})
}

// Tenants allows only envelopes scoped to the listed tenants
func Tenants(tenantIDs ...string) Filter {
	allowed := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		allowed[id] = true
	}
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return allowed[env.TenantID()], nil
	})
}
