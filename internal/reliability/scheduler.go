package reliability

import (
	"sync"
	"time"

	"github.com/stockline/eventcore/internal/clock"
)

// Scheduler runs retry callbacks after a delay. At most one callback is
// pending per key; scheduling again replaces it.
type Scheduler struct {
	clock   clock.Clock
	mu      sync.Mutex
	pending map[AttemptKey]*pendingRetry
	stopped bool
}

type pendingRetry struct {
	timer     clock.Timer
	cancelled bool
}

// NewScheduler creates a scheduler on the given clock
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		clock:   clk,
		pending: make(map[AttemptKey]*pendingRetry),
	}
}

// Schedule runs fn after delay. It returns false once the scheduler has
// been stopped.
func (s *Scheduler) Schedule(key AttemptKey, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if prev, ok := s.pending[key]; ok {
		prev.cancel()
	}
	p := &pendingRetry{}
	s.pending[key] = p
	s.mu.Unlock()

	timer := s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if p.cancelled || s.pending[key] != p {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.cancelled {
		timer.Stop()
	} else {
		p.timer = timer
	}
	return true
}

// Cancel stops the pending callback for key
func (s *Scheduler) Cancel(key AttemptKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		p.cancel()
		delete(s.pending, key)
	}
}

// Pending returns the number of scheduled callbacks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending callback. Later Schedule calls are refused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, p := range s.pending {
		p.cancel()
		delete(s.pending, key)
	}
}

// cancel must be called with the scheduler lock held
func (p *pendingRetry) cancel() {
	p.cancelled = true
	if p.timer != nil {
		p.timer.Stop()
	}
}
