package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazstick/marketlib/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

var _ domain.RunStore = (*RunStore)(nil)

const runCols = `id, created_at, symbol, timeframe, strategy, config, summary`

// scanRun scans a single run row into a domain.Run.
func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		r         domain.Run
		timeframe string
		config    []byte
		summary   []byte
	)
	err := row.Scan(&r.ID, &r.CreatedAt, &r.Symbol, &timeframe, &r.Strategy, &config, &summary)
	if err != nil {
		return domain.Run{}, err
	}
	r.Timeframe = domain.Timeframe(timeframe)
	r.Config = config
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &r.Summary); err != nil {
			return domain.Run{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	return r, nil
}

func scanRunRows(rows pgx.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Create inserts a new run. The summary may be zero at creation time and
// filled in later via UpdateSummary.
func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("postgres: encode run summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, created_at, symbol, timeframe, strategy, config, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.CreatedAt, run.Symbol, string(run.Timeframe),
		run.Strategy, []byte(run.Config), summary,
	)
	if err != nil {
		return fmt.Errorf("postgres: create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateSummary stores the final summary of a completed run.
func (s *RunStore) UpdateSummary(ctx context.Context, id string, summary domain.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("postgres: encode run summary: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $2 WHERE id = $1`, id, body)
	if err != nil {
		return fmt.Errorf("postgres: update run %s summary: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a run by its primary key.
func (s *RunStore) GetByID(ctx context.Context, id string) (domain.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runCols+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Run{}, domain.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", id, err)
	}
	return r, nil
}

// List returns runs ordered newest first, with pagination and optional
// time filtering.
func (s *RunStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs`
	var args []any
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" WHERE created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		if len(args) == 0 {
			query += fmt.Sprintf(" WHERE created_at <= $%d", argIdx)
		} else {
			query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		}
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRunRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan runs: %w", err)
	}
	return runs, nil
}

// ListBySymbol returns runs for a given symbol, newest first.
func (s *RunStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs WHERE symbol = $1`
	args := []any{symbol}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs by symbol: %w", err)
	}
	defer rows.Close()

	runs, err := scanRunRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan runs by symbol: %w", err)
	}
	return runs, nil
}
