// Package postgres provides the Postgres-backed crawl run ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

const defaultTable = "crawl_runs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

var _ crawler.RunStore = (*RunStore)(nil)

// RunStore writes crawl run rows into Postgres.
type RunStore struct {
	pool  pgxPool
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the run table if it does not exist yet.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	num_books INTEGER NOT NULL,
	num_chapters INTEGER NOT NULL,
	short BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	books INTEGER NOT NULL DEFAULT 0,
	chapters INTEGER NOT NULL DEFAULT 0,
	diagnostics_count INTEGER NOT NULL DEFAULT 0,
	diagnostics JSONB NOT NULL DEFAULT '[]',
	error_text TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	status := run.Status
	if status == "" {
		status = crawler.RunStatusRunning
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	num_books,
	num_chapters,
	short,
	status,
	started_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (id) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Request.NumBooks,
		run.Request.NumChapters,
		run.Request.Short,
		string(status),
		run.Started.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create run %s: %w", run.ID, crawler.ErrRunExists)
	}
	return nil
}

// FinishRun records the final state of a run.
func (s *RunStore) FinishRun(ctx context.Context, id string, outcome crawler.RunOutcome) error {
	diagnostics := outcome.Diagnostics
	if diagnostics == nil {
		diagnostics = []crawler.Diagnostic{}
	}
	diagJSON, err := json.Marshal(diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1,
	books = $2,
	chapters = $3,
	diagnostics_count = $4,
	diagnostics = $5,
	error_text = $6,
	finished_at = $7
WHERE id = $8`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		string(outcome.Status),
		outcome.Counters.Books,
		outcome.Counters.Chapters,
		outcome.Counters.Diagnostics,
		diagJSON,
		outcome.ErrorText,
		outcome.Finished.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", id, crawler.ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, num_books, num_chapters, short, status, books, chapters,
	diagnostics_count, diagnostics, error_text, started_at, finished_at`

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (crawler.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Run{}, fmt.Errorf("get run %s: %w", id, crawler.ErrRunNotFound)
		}
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently started first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]crawler.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC, id DESC LIMIT $1`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []crawler.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (crawler.Run, error) {
	var (
		run      crawler.Run
		status   string
		diagJSON []byte
		finished *time.Time
	)
	err := row.Scan(
		&run.ID,
		&run.Request.NumBooks,
		&run.Request.NumChapters,
		&run.Request.Short,
		&status,
		&run.Counters.Books,
		&run.Counters.Chapters,
		&run.Counters.Diagnostics,
		&diagJSON,
		&run.ErrorText,
		&run.Started,
		&finished,
	)
	if err != nil {
		return crawler.Run{}, err
	}
	run.Status = crawler.RunStatus(status)
	run.Finished = finished
	if len(diagJSON) > 0 {
		if err := json.Unmarshal(diagJSON, &run.Diagnostics); err != nil {
			return crawler.Run{}, fmt.Errorf("decode diagnostics: %w", err)
		}
	}
	if len(run.Diagnostics) == 0 {
		run.Diagnostics = nil
	}
	return run, nil
}
