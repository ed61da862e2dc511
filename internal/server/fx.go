// Package server builds the application's dependency graph and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/api"
	"github.com/JakeFAU/qnote-crawler/internal/app"
	"github.com/JakeFAU/qnote-crawler/internal/clock/system"
	"github.com/JakeFAU/qnote-crawler/internal/config"
	"github.com/JakeFAU/qnote-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/qnote-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/qnote-crawler/internal/id/uuid"
	"github.com/JakeFAU/qnote-crawler/internal/logging"
	"github.com/JakeFAU/qnote-crawler/internal/metrics"
	"github.com/JakeFAU/qnote-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/qnote-crawler/internal/qnote"
	memorystorage "github.com/JakeFAU/qnote-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/qnote-crawler/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	engine    *crawler.Engine
	runStore  crawler.RunStore
	pgStore   *pgstore.RunStore
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := listen(ctx, a.cfg.Server.Host, a.cfg.Server.Port, a.cfg.Server.PortTries)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("http server error", zap.Error(serveErr))
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()
	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}

// Close releases infrastructure and flushes the logger.
func (a *App) Close() {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// listen binds the first free port in [port, port+tries).
func listen(ctx context.Context, host string, port, tries int) (net.Listener, error) {
	if tries < 1 {
		tries = 1
	}
	var lc net.ListenConfig
	var lastErr error
	for i := range tries {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d..%d: %w", port, port+tries-1, lastErr)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("base_url", cfg.Site.BaseURL),
	)

	a.engine, err = buildEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	var opts []api.Option
	if err := setupStorage(ctx, a); err != nil {
		return nil, err
	}
	if a.pgStore != nil {
		opts = append(opts, api.WithReadinessCheck("postgres", a.pgStore.Ping))
	}

	service := app.NewService(a.engine, a.runStore, uuid.NewUUIDGenerator(), system.New(), logger.Named("service"))
	a.apiServer = api.NewServer(service, *cfg, logger.Named("api"), opts...)
	return a, nil
}

func buildEngine(cfg *config.Config, logger *zap.Logger) (*crawler.Engine, error) {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
		Logger:        logger.Named("fetcher"),
	})
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Bool("respect_robots", cfg.Crawler.RespectRobots),
		zap.Duration("timeout", cfg.RequestTimeout()),
	)

	observer := metrics.CrawlObserver{}
	retryOpts := []crawler.RetryingFetcherOption{
		crawler.WithRequestTimeout(cfg.RequestTimeout()),
		crawler.WithObserver(observer),
		crawler.WithLogger(logger.Named("retry")),
	}
	if cfg.RateLimit.Enabled {
		retryOpts = append(retryOpts, crawler.WithThrottle(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	} else {
		logger.Info("rate limiter disabled")
	}
	policy := cfg.RetryPolicy()
	retrying := crawler.NewRetryingFetcher(fetcher, policy, retryOpts...)
	logger.Info("retry policy",
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Duration("base_delay", policy.BaseDelay),
		zap.Duration("max_delay", policy.MaxDelay),
		zap.Bool("jitter", policy.Jitter),
	)

	parser, err := qnote.NewParser(cfg.Site.BaseURL, qnote.Selectors{
		BookList:    cfg.Site.BookListSelector,
		ChapterList: cfg.Site.ChapterListSelector,
		Next:        cfg.Site.NextSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("parser init failed: %w", err)
	}
	layout, err := qnote.NewLayout(cfg.Site.BaseURL, cfg.Site.ShortCategory)
	if err != nil {
		return nil, fmt.Errorf("layout init failed: %w", err)
	}

	engineCfg := cfg.EngineConfig()
	logger.Info("engine config",
		zap.Int("concurrency", engineCfg.Concurrency),
		zap.Int("max_books", engineCfg.MaxBooks),
		zap.Int("max_chapters", engineCfg.MaxChapters),
		zap.Duration("crawl_timeout", engineCfg.CrawlTimeout),
	)
	return crawler.NewEngine(engineCfg, retrying, parser, layout, observer, logger.Named("engine")), nil
}

func setupStorage(ctx context.Context, a *App) error {
	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		store, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.Table,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("run store schema failed: %w", err)
		}
		a.pgStore = store
		a.runStore = store
		a.logger.Info("using postgres run ledger", zap.String("table", a.cfg.Database.Table))
	default:
		a.runStore = memorystorage.NewRunStore()
		a.logger.Info("using in-memory run ledger")
	}
	return nil
}
