package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the crawl orchestrator. It walks the book listing sequentially,
// then fans out one chapter task per selected book on a bounded pool.
// Only the goroutine running Crawl mutates the result; tasks report back
// over a channel.
type Engine struct {
	cfg      Config
	fetcher  PageFetcher
	parser   Parser
	layout   Layout
	observer Observer
	logger   *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(
	cfg Config,
	fetcher PageFetcher,
	parser Parser,
	layout Layout,
	observer Observer,
	logger *zap.Logger,
) *Engine {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		fetcher:  fetcher,
		parser:   parser,
		layout:   layout,
		observer: observer,
		logger:   logger,
	}
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

type bookOutcome struct {
	index    int
	chapters []ChapterRef
	diag     *Diagnostic
}

// BookSink receives each book as soon as it and every book discovered before
// it are final. Calls happen on the coordinating goroutine in discovery order.
type BookSink func(book Book, diag *Diagnostic)

// Crawl runs one crawl. The only error it returns is ErrRequestOutOfRange,
// raised before any network activity; every other failure is folded into
// the (possibly partial) result.
func (e *Engine) Crawl(ctx context.Context, req CrawlRequest) (CrawlResult, error) {
	return e.Stream(ctx, req, nil)
}

// Stream is Crawl with incremental delivery of finished books to sink.
func (e *Engine) Stream(ctx context.Context, req CrawlRequest, sink BookSink) (CrawlResult, error) {
	if err := e.cfg.Validate(req); err != nil {
		return CrawlResult{}, err
	}
	result := CrawlResult{Books: []Book{}}
	if req.NumBooks == 0 {
		return result, nil
	}

	if e.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CrawlTimeout)
		defer cancel()
	}

	start := time.Now()
	e.logger.Info("crawl started",
		zap.Int("num_books", req.NumBooks),
		zap.Int("num_chapters", req.NumChapters),
		zap.Bool("short", req.Short),
	)

	refs, listingDiag, unreachable := e.discoverBooks(ctx, req)
	if listingDiag != nil {
		result.Diagnostics = append(result.Diagnostics, *listingDiag)
	}
	result.Unreachable = unreachable && len(refs) == 0

	books, bookDiags := e.crawlChapters(ctx, req, refs, sink)
	result.Books = books
	result.Diagnostics = append(result.Diagnostics, bookDiags...)

	result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	result.Partial = result.TimedOut || len(result.Diagnostics) > 0

	e.logger.Info("crawl finished",
		zap.Int("books", len(result.Books)),
		zap.Int("chapters", result.ChapterCount()),
		zap.Int("diagnostics", len(result.Diagnostics)),
		zap.Bool("partial", result.Partial),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// discoverBooks paginates the book listing until enough unique books are
// known, the source signals the end, or a page fails. The bool result is
// true when the very first page could not be fetched for a reason other
// than the crawl's own context ending.
func (e *Engine) discoverBooks(ctx context.Context, req CrawlRequest) ([]BookRef, *Diagnostic, bool) {
	seen := make(map[string]struct{}, req.NumBooks)
	refs := make([]BookRef, 0, req.NumBooks)

	for page := 1; page <= e.cfg.MaxListingPages; page++ {
		url := e.layout.BookListingURL(req, page)
		outcome := e.fetcher.FetchWithRetry(ctx, url)
		if !outcome.OK() {
			e.logger.Warn("book listing fetch failed",
				zap.Int("page", page),
				zap.String("url", url),
				zap.Error(outcome.Error()),
			)
			diag := &Diagnostic{Reason: fmt.Sprintf("book listing page %d: %v", page, outcome.Error())}
			return refs, diag, page == 1 && !outcome.Interrupted()
		}

		parsed, err := e.parser.ParseBookListing(outcome.Body, page)
		if err != nil {
			e.logger.Warn("book listing parse failed", zap.Int("page", page), zap.String("url", url), zap.Error(err))
			return refs, &Diagnostic{Reason: err.Error()}, false
		}

		for _, ref := range parsed.Books {
			if ref.ID == "" {
				continue
			}
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			refs = append(refs, ref)
			if len(refs) >= req.NumBooks {
				break
			}
		}

		if len(refs) >= req.NumBooks || !parsed.HasNext || len(parsed.Books) == 0 {
			return refs, nil, false
		}
	}
	e.logger.Warn("book listing page ceiling reached",
		zap.Int("max_listing_pages", e.cfg.MaxListingPages),
		zap.Int("books", len(refs)),
	)
	return refs, nil, false
}

// crawlChapters runs one task per book on a pool of cfg.Concurrency and
// reassembles the results by discovery index.
func (e *Engine) crawlChapters(ctx context.Context, req CrawlRequest, refs []BookRef, sink BookSink) ([]Book, []Diagnostic) {
	books := make([]Book, len(refs))
	for i, ref := range refs {
		books[i] = Book{Ref: ref, Chapters: []ChapterRef{}}
	}
	if len(refs) == 0 || req.NumChapters == 0 {
		if sink != nil {
			for _, b := range books {
				sink(b, nil)
			}
		}
		return books, nil
	}

	results := make(chan bookOutcome, len(refs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)

	go func() {
		for i, ref := range refs {
			if err := ctx.Err(); err != nil {
				results <- bookOutcome{
					index: i,
					diag:  &Diagnostic{BookID: ref.ID, Reason: Interrupt("", err).Reason + " before chapter crawl started"},
				}
				continue
			}
			g.Go(func() error {
				results <- e.crawlBook(ctx, i, ref, req.NumChapters)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	diags := make([]*Diagnostic, len(refs))
	done := make([]bool, len(refs))
	next := 0
	for out := range results {
		if out.chapters != nil {
			books[out.index].Chapters = out.chapters
		}
		diags[out.index] = out.diag
		done[out.index] = true
		for ; next < len(refs) && done[next]; next++ {
			if sink != nil {
				sink(books[next], diags[next])
			}
		}
	}

	var ordered []Diagnostic
	for _, d := range diags {
		if d != nil {
			ordered = append(ordered, *d)
		}
	}
	return books, ordered
}

func (e *Engine) crawlBook(ctx context.Context, index int, ref BookRef, limit int) bookOutcome {
	e.observer.TaskStarted()
	defer e.observer.TaskFinished()

	out := bookOutcome{index: index}
	seen := make(map[string]struct{}, limit)
	chapters := make([]ChapterRef, 0, min(limit, 64))

	for page := 1; page <= e.cfg.MaxChapterPages; page++ {
		url := e.layout.ChapterListingURL(ref, page)
		outcome := e.fetcher.FetchWithRetry(ctx, url)
		if !outcome.OK() {
			e.logger.Warn("chapter listing fetch failed",
				zap.String("book_id", ref.ID),
				zap.Int("page", page),
				zap.Error(outcome.Error()),
			)
			out.diag = &Diagnostic{BookID: ref.ID, Reason: fmt.Sprintf("chapter listing page %d: %v", page, outcome.Error())}
			break
		}

		parsed, err := e.parser.ParseChapterListing(outcome.Body, ref, page)
		if err != nil {
			e.logger.Warn("chapter listing parse failed",
				zap.String("book_id", ref.ID),
				zap.Int("page", page),
				zap.Error(err),
			)
			out.diag = &Diagnostic{BookID: ref.ID, Reason: err.Error()}
			break
		}

		for _, ch := range parsed.Chapters {
			if ch.ID == "" {
				continue
			}
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			ch.Index = len(chapters)
			chapters = append(chapters, ch)
			if len(chapters) >= limit {
				break
			}
		}

		if len(chapters) >= limit || !parsed.HasNext || len(parsed.Chapters) == 0 {
			break
		}
	}

	out.chapters = chapters
	return out
}
