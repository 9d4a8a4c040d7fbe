package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stockline/eventcore/contracts"
)

var (
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown handler
	ErrSubscriptionNotFound = errors.New("messaging: subscription not found")
	// ErrDuplicateHandlerID is returned when a handler id is already registered
	ErrDuplicateHandlerID = errors.New("messaging: handler id already registered")
)

// Mode selects where a subscription receives events from
type Mode int

const (
	// ModeLocal receives events published in this process
	ModeLocal Mode = iota
	// ModeDistributed receives events from the broker
	ModeDistributed
	// ModeBoth receives both, without duplicates for events published here
	ModeBoth
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeDistributed:
		return "distributed"
	case ModeBoth:
		return "both"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Local reports whether the mode includes in-process dispatch
func (m Mode) Local() bool { return m == ModeLocal || m == ModeBoth }

// Distributed reports whether the mode includes broker deliveries
func (m Mode) Distributed() bool { return m == ModeDistributed || m == ModeBoth }

// EventHandler processes one envelope
type EventHandler func(ctx context.Context, env *contracts.Envelope) error

// Middleware decorates an EventHandler
type Middleware func(EventHandler) EventHandler

// Subscription binds a handler to an event type pattern
type Subscription struct {
	HandlerID   string
	Pattern     string
	Mode        Mode
	Priority    int
	Filter      func(*contracts.Envelope) bool
	MaxAttempts int

	handler EventHandler
	seq     uint64
}

func (s *Subscription) accepts(env *contracts.Envelope) bool {
	return s.Filter == nil || s.Filter(env)
}

// SubscribeOption configures a subscription
type SubscribeOption func(*Subscription)

// WithHandlerID sets an explicit handler id instead of a generated one
func WithHandlerID(id string) SubscribeOption {
	return func(s *Subscription) {
		s.HandlerID = id
	}
}

// WithMode sets the subscription mode. The default is ModeLocal.
func WithMode(mode Mode) SubscribeOption {
	return func(s *Subscription) {
		s.Mode = mode
	}
}

// WithSubscriptionPriority orders the handler among those matching the same
// event. Higher runs first.
func WithSubscriptionPriority(priority int) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = priority
	}
}

// WithFilter skips events the predicate rejects
func WithFilter(filter func(*contracts.Envelope) bool) SubscribeOption {
	return func(s *Subscription) {
		s.Filter = filter
	}
}

// WithMaxAttempts overrides the bus retry ceiling for distributed deliveries
func WithMaxAttempts(n int) SubscribeOption {
	return func(s *Subscription) {
		s.MaxAttempts = n
	}
}

// Registry maps patterns to their subscriptions, ordered by priority and then
// registration order
type Registry struct {
	mu        sync.RWMutex
	byPattern map[string][]*Subscription
	byID      map[string]*Subscription
	seq       uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byPattern: make(map[string][]*Subscription),
		byID:      make(map[string]*Subscription),
	}
}

// Add registers sub and reports whether it is the first distributed
// subscription for its pattern
func (r *Registry) Add(sub *Subscription) (firstDistributed bool, err error) {
	if sub.HandlerID == "" {
		sub.HandlerID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[sub.HandlerID]; exists {
		return false, fmt.Errorf("%w: %s", ErrDuplicateHandlerID, sub.HandlerID)
	}

	r.seq++
	sub.seq = r.seq

	firstDistributed = sub.Mode.Distributed() && !r.hasDistributedLocked(sub.Pattern)

	subs := append(r.byPattern[sub.Pattern], sub)
	sort.SliceStable(subs, func(i, j int) bool { return less(subs[i], subs[j]) })
	r.byPattern[sub.Pattern] = subs
	r.byID[sub.HandlerID] = sub
	return firstDistributed, nil
}

// Remove unregisters a handler and reports whether it was the last
// distributed subscription for its pattern
func (r *Registry) Remove(handlerID string) (sub *Subscription, lastDistributed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[handlerID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, handlerID)
	}
	delete(r.byID, handlerID)

	subs := r.byPattern[sub.Pattern]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byPattern, sub.Pattern)
	} else {
		r.byPattern[sub.Pattern] = subs
	}

	lastDistributed = sub.Mode.Distributed() && !r.hasDistributedLocked(sub.Pattern)
	return sub, lastDistributed, nil
}

// Get returns the subscription registered under handlerID
func (r *Registry) Get(handlerID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[handlerID]
	return sub, ok
}

// Match returns the subscriptions whose pattern matches eventType and whose
// mode satisfies want, in dispatch order
func (r *Registry) Match(eventType string, want func(Mode) bool) []*Subscription {
	r.mu.RLock()
	var out []*Subscription
	for pattern, subs := range r.byPattern {
		if !contracts.MatchPattern(pattern, eventType) {
			continue
		}
		for _, s := range subs {
			if want(s.Mode) {
				out = append(out, s)
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Len returns the number of registered subscriptions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) hasDistributedLocked(pattern string) bool {
	for _, s := range r.byPattern[pattern] {
		if s.Mode.Distributed() {
			return true
		}
	}
	return false
}

func less(a, b *Subscription) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}
