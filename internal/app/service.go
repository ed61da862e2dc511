// Package app ties the crawl engine to the run ledger. It is the single
// entry point the HTTP layer uses to start and inspect crawls.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
	"github.com/JakeFAU/qnote-crawler/internal/metrics"
)

// DefaultListLimit caps ListRuns when the caller passes no limit.
const DefaultListLimit = 50

// Crawler runs crawls. *crawler.Engine satisfies it.
type Crawler interface {
	Stream(ctx context.Context, req crawler.CrawlRequest, sink crawler.BookSink) (crawler.CrawlResult, error)
	Config() crawler.Config
}

// Service records every accepted crawl in the ledger around an engine run.
// Ledger failures are logged and never fail the crawl itself.
type Service struct {
	engine Crawler
	runs   crawler.RunStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(
	engine Crawler,
	runs crawler.RunStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine: engine,
		runs:   runs,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Limits returns the engine's request ceilings.
func (s *Service) Limits() crawler.Config {
	return s.engine.Config()
}

// Crawl runs a crawl to completion and returns its run ID with the result.
func (s *Service) Crawl(ctx context.Context, req crawler.CrawlRequest) (string, crawler.CrawlResult, error) {
	return s.Stream(ctx, req, nil)
}

// Stream is Crawl with books delivered to sink as they become final.
// Out-of-range requests are rejected before an ID is issued.
func (s *Service) Stream(ctx context.Context, req crawler.CrawlRequest, sink crawler.BookSink) (string, crawler.CrawlResult, error) {
	if err := s.engine.Config().Validate(req); err != nil {
		return "", crawler.CrawlResult{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", crawler.CrawlResult{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := s.logger.With(zap.String("crawl_id", id))

	started := s.clock.Now()
	run := crawler.Run{ID: id, Request: req, Status: crawler.RunStatusRunning, Started: started}
	recorded := true
	if err := s.runs.CreateRun(ctx, run); err != nil {
		recorded = false
		logger.Warn("record run start failed", zap.Error(err))
	}

	result, err := s.engine.Stream(ctx, req, sink)
	finished := s.clock.Now()
	duration := finished.Sub(started)

	var outcome crawler.RunOutcome
	if err != nil {
		outcome = crawler.RunOutcome{Status: crawler.RunStatusFailed, ErrorText: err.Error(), Finished: finished}
	} else {
		outcome = result.Outcome(finished)
	}
	metrics.ObserveCrawl(string(outcome.Status), duration)

	if recorded {
		// The caller may already be gone; the ledger entry still has to close.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := s.runs.FinishRun(finishCtx, id, outcome); ferr != nil {
			logger.Warn("record run finish failed", zap.Error(ferr))
		}
	}

	if err != nil {
		logger.Error("crawl failed", zap.Error(err))
		return id, crawler.CrawlResult{}, fmt.Errorf("crawl %s: %w", id, err)
	}
	logger.Info("crawl recorded",
		zap.String("status", string(outcome.Status)),
		zap.Int("books", outcome.Counters.Books),
		zap.Int("chapters", outcome.Counters.Chapters),
		zap.Duration("duration", duration),
	)
	return id, result, nil
}

// GetRun returns the ledger entry for id.
func (s *Service) GetRun(ctx context.Context, id string) (crawler.Run, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]crawler.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	runs, err := s.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, crawler.ErrRunNotFound)
}
