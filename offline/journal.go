package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is a step in the lifecycle of a queued mutation
type Stage string

const (
	StageApplied    Stage = "applied"
	StageAttempted  Stage = "attempted"
	StageConfirmed  Stage = "confirmed"
	StageRolledBack Stage = "rolled_back"
	StageFailed     Stage = "failed"
)

// JournalEntry records one lifecycle step of a mutation
type JournalEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	MutationID string    `json:"mutationId"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Stage      Stage     `json:"stage"`
	Attempt    int       `json:"attempt,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal keeps the history of submitted mutations
type Journal interface {
	Record(ctx context.Context, entry *JournalEntry) error
	ByMutation(ctx context.Context, mutationID string) ([]*JournalEntry, error)
	Stats(ctx context.Context) (JournalStats, error)
}

// JournalStats summarizes a journal
type JournalStats struct {
	TotalEntries   int64           `json:"totalEntries"`
	EntriesByStage map[Stage]int64 `json:"entriesByStage"`
	ErrorCount     int64           `json:"errorCount"`
	LastEntry      time.Time       `json:"lastEntry"`
}

// InMemoryJournal is a bounded Journal. When full it drops the oldest
// rotatePercent of its entries.
type InMemoryJournal struct {
	mu            sync.RWMutex
	entries       []*JournalEntry
	byMutation    map[string][]*JournalEntry
	maxEntries    int
	rotatePercent float64
}

// JournalOption configures an InMemoryJournal
type JournalOption func(*InMemoryJournal)

// WithMaxEntries sets the journal capacity
func WithMaxEntries(max int) JournalOption {
	return func(j *InMemoryJournal) {
		if max > 0 {
			j.maxEntries = max
		}
	}
}

// WithRotatePercent sets the share of entries dropped when the journal is full
func WithRotatePercent(percent float64) JournalOption {
	return func(j *InMemoryJournal) {
		if percent > 0 && percent <= 1 {
			j.rotatePercent = percent
		}
	}
}

// NewInMemoryJournal creates an empty journal holding up to 10000 entries
func NewInMemoryJournal(opts ...JournalOption) *InMemoryJournal {
	j := &InMemoryJournal{
		byMutation:    make(map[string][]*JournalEntry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record implements Journal
func (j *InMemoryJournal) Record(ctx context.Context, entry *JournalEntry) error {
	if entry == nil {
		return errors.New("offline: journal entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, entry)
	if entry.MutationID != "" {
		j.byMutation[entry.MutationID] = append(j.byMutation[entry.MutationID], entry)
	}
	return nil
}

// ByMutation returns copies of the entries for a mutation, oldest first
func (j *InMemoryJournal) ByMutation(ctx context.Context, mutationID string) ([]*JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.byMutation[mutationID]
	out := make([]*JournalEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Stats implements Journal
func (j *InMemoryJournal) Stats(ctx context.Context) (JournalStats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := JournalStats{
		TotalEntries:   int64(len(j.entries)),
		EntriesByStage: make(map[Stage]int64),
	}
	for _, e := range j.entries {
		stats.EntriesByStage[e.Stage]++
		if e.Error != "" {
			stats.ErrorCount++
		}
		if e.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = e.Timestamp
		}
	}
	return stats, nil
}

// Len returns the number of stored entries
func (j *InMemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *InMemoryJournal) rotate() {
	n := int(float64(j.maxEntries) * j.rotatePercent)
	if n < 1 {
		n = 1
	}
	if n > len(j.entries) {
		n = len(j.entries)
	}
	j.entries = append([]*JournalEntry(nil), j.entries[n:]...)

	j.byMutation = make(map[string][]*JournalEntry)
	for _, e := range j.entries {
		if e.MutationID != "" {
			j.byMutation[e.MutationID] = append(j.byMutation[e.MutationID], e)
		}
	}
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, *JournalEntry) error { return nil }

func (nopJournal) ByMutation(context.Context, string) ([]*JournalEntry, error) { return nil, nil }

func (nopJournal) Stats(context.Context) (JournalStats, error) { return JournalStats{}, nil }
