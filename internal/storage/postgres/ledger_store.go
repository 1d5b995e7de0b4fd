// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/repo-census/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRunsTable    = "census_runs"
	DefaultRegionsTable = "census_regions"
)

// LedgerConfig controls the connection pool and table names.
type LedgerConfig struct {
	DSN             string
	RunsTable       string
	RegionsTable    string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// LedgerStore implements store.LedgerRepository.
type LedgerStore struct {
	pool    pool
	runs    string
	regions string
}

var _ store.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore connects to Postgres using cfg.
func NewLedgerStore(ctx context.Context, cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewLedgerStoreWithPool(p, cfg.RunsTable, cfg.RegionsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(p pool, runsTable, regionsTable string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	if regionsTable == "" {
		regionsTable = DefaultRegionsTable
	}
	for _, name := range []string{runsTable, regionsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &LedgerStore{pool: p, runs: runsTable, regions: regionsTable}, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the ledger tables when missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	runs := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			started_at timestamptz NOT NULL,
			finished_at timestamptz,
			status text NOT NULL,
			error_message text,
			regions bigint NOT NULL DEFAULT 0,
			records bigint NOT NULL DEFAULT 0,
			missed bigint NOT NULL DEFAULT 0
		);`, s.runs)
	if _, err := s.pool.Exec(ctx, runs); err != nil {
		return fmt.Errorf("create %s: %w", s.runs, err)
	}
	regions := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id uuid NOT NULL REFERENCES %s (id),
			idx integer NOT NULL,
			region text NOT NULL,
			expected bigint NOT NULL,
			records bigint NOT NULL,
			skipped boolean NOT NULL,
			note text,
			completed_at timestamptz NOT NULL,
			duration_ms bigint NOT NULL,
			PRIMARY KEY (run_id, idx)
		);`, s.regions, s.runs)
	if _, err := s.pool.Exec(ctx, regions); err != nil {
		return fmt.Errorf("create %s: %w", s.regions, err)
	}
	return nil
}

// StartRun inserts a running run; a resumed run flips back to running.
func (s *LedgerStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = NULL, error_message = NULL;`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with its totals.
func (s *LedgerStore) CompleteRun(ctx context.Context, c store.RunCompletion) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, error_message = $3, regions = $4, records = $5, missed = $6
		WHERE id = $7;`, s.runs)
	tag, err := s.pool.Exec(ctx, query,
		c.FinishedAt, string(c.Status), c.ErrorMessage, c.Regions, c.Records, c.Missed, c.RunID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordRegion upserts one region outcome keyed by (run, index).
func (s *LedgerStore) RecordRegion(ctx context.Context, o store.RegionOutcome) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, idx, region, expected, records, skipped, note, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, idx) DO UPDATE
		SET region = EXCLUDED.region, expected = EXCLUDED.expected, records = EXCLUDED.records,
			skipped = EXCLUDED.skipped, note = EXCLUDED.note,
			completed_at = EXCLUDED.completed_at, duration_ms = EXCLUDED.duration_ms;`, s.regions)
	_, err := s.pool.Exec(ctx, query,
		o.RunID, o.Index, o.Region, o.Expected, o.Records, o.Skipped, o.Note,
		o.CompletedAt, o.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record region: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *LedgerStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, error_message, regions, records, missed
		FROM %s
		WHERE id = $1;`, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *LedgerStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, error_message, regions, records, missed
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`, s.runs)
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListRegions retrieves the region outcomes of a run in index order.
func (s *LedgerStore) ListRegions(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.RegionOutcome, error) {
	query := fmt.Sprintf(`
		SELECT run_id, idx, region, expected, records, skipped, note, completed_at, duration_ms
		FROM %s
		WHERE run_id = $1
		ORDER BY idx
		LIMIT $2 OFFSET $3;`, s.regions)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []store.RegionOutcome
	for rows.Next() {
		var (
			o     store.RegionOutcome
			durMS int64
		)
		if err := rows.Scan(&o.RunID, &o.Index, &o.Region, &o.Expected, &o.Records,
			&o.Skipped, &o.Note, &o.CompletedAt, &durMS); err != nil {
			return nil, fmt.Errorf("scan region row: %w", err)
		}
		o.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &run.ErrorMessage,
		&run.Regions, &run.Records, &run.Missed)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
