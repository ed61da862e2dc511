package crawler

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a recorded crawl run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusPartial     RunStatus = "partial"
	RunStatusTimedOut    RunStatus = "timed_out"
	RunStatusUnreachable RunStatus = "unreachable"
	RunStatusFailed      RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// Run ledger errors.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
)

// RunCounters summarizes what a run produced.
type RunCounters struct {
	Books       int `json:"books"`
	Chapters    int `json:"chapters"`
	Diagnostics int `json:"diagnostics"`
}

// Run is the ledger entry for one crawl request. It records the request and
// how it ended, never the crawled books themselves.
type Run struct {
	ID          string
	Request     CrawlRequest
	Status      RunStatus
	Counters    RunCounters
	Diagnostics []Diagnostic
	ErrorText   string
	Started     time.Time
	Finished    *time.Time
}

// RunOutcome is the final state written when a run ends.
type RunOutcome struct {
	Status      RunStatus
	Counters    RunCounters
	Diagnostics []Diagnostic
	ErrorText   string
	Finished    time.Time
}

// RunStore persists crawl runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id string, outcome RunOutcome) error
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns up to limit runs, most recently started first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Status maps a result onto the run status it ends in.
func (r CrawlResult) Status() RunStatus {
	switch {
	case r.Unreachable:
		return RunStatusUnreachable
	case r.TimedOut:
		return RunStatusTimedOut
	case r.Partial:
		return RunStatusPartial
	default:
		return RunStatusComplete
	}
}

// Counters summarizes the result.
func (r CrawlResult) Counters() RunCounters {
	return RunCounters{
		Books:       len(r.Books),
		Chapters:    r.ChapterCount(),
		Diagnostics: len(r.Diagnostics),
	}
}

// Outcome builds the ledger outcome for a finished crawl.
func (r CrawlResult) Outcome(finished time.Time) RunOutcome {
	return RunOutcome{
		Status:      r.Status(),
		Counters:    r.Counters(),
		Diagnostics: append([]Diagnostic(nil), r.Diagnostics...),
		Finished:    finished,
	}
}
