// Package memory keeps the crawl run ledger in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

var _ crawler.RunStore = (*RunStore)(nil)

// RunStore provides an in-memory ledger for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]crawler.Run),
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, crawler.ErrRunExists)
	}
	if run.Status == "" {
		run.Status = crawler.RunStatusRunning
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// FinishRun records the final state of a run.
func (s *RunStore) FinishRun(_ context.Context, id string, outcome crawler.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("finish run %s: %w", id, crawler.ErrRunNotFound)
	}
	run.Status = outcome.Status
	run.Counters = outcome.Counters
	run.Diagnostics = append([]crawler.Diagnostic(nil), outcome.Diagnostics...)
	run.ErrorText = outcome.ErrorText
	finished := outcome.Finished.UTC()
	run.Finished = &finished
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return crawler.Run{}, fmt.Errorf("get run %s: %w", id, crawler.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns up to limit runs, most recently started first.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.After(out[j].Started)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run crawler.Run) crawler.Run {
	run.Diagnostics = append([]crawler.Diagnostic(nil), run.Diagnostics...)
	if run.Finished != nil {
		ts := *run.Finished
		run.Finished = &ts
	}
	return run
}
