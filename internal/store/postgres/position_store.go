package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazstick/marketlib/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `run_id, position_id, market, side, closed,
	realized_pnl, opened_at, closed_at, snapshot`

func scanPositionRow(row pgx.Row) (domain.PositionArtifact, error) {
	var (
		p    domain.PositionArtifact
		side string
	)
	err := row.Scan(
		&p.RunID, &p.PositionID, &p.Market, &side, &p.Closed,
		&p.RealizedPnL, &p.OpenedAt, &p.ClosedAt, &p.Snapshot,
	)
	if err != nil {
		return domain.PositionArtifact{}, err
	}
	p.Side = domain.PositionSide(side)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.PositionArtifact, error) {
	var artifacts []domain.PositionArtifact
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, p)
	}
	return artifacts, rows.Err()
}

// InsertBatch inserts position artifacts using pgx Batch. Re-inserting
// the same (run, position) pair is a no-op via ON CONFLICT DO NOTHING.
func (s *PositionStore) InsertBatch(ctx context.Context, artifacts []domain.PositionArtifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO positions (
			run_id, position_id, market, side, closed,
			realized_pnl, opened_at, closed_at, snapshot
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		) ON CONFLICT (run_id, position_id) DO NOTHING`

	for _, p := range artifacts {
		batch.Queue(query,
			p.RunID, p.PositionID, p.Market, string(p.Side), p.Closed,
			p.RealizedPnL, p.OpenedAt, p.ClosedAt, []byte(p.Snapshot),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range artifacts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert position batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetByID retrieves one position artifact of a run.
func (s *PositionStore) GetByID(ctx context.Context, runID, positionID string) (domain.PositionArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE run_id = $1 AND position_id = $2`,
		runID, positionID)
	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PositionArtifact{}, domain.ErrNotFound
		}
		return domain.PositionArtifact{}, fmt.Errorf("postgres: get position %s/%s: %w", runID, positionID, err)
	}
	return p, nil
}

// ListByRun returns every position of a run, oldest entry first.
func (s *PositionStore) ListByRun(ctx context.Context, runID string) ([]domain.PositionArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE run_id = $1 ORDER BY opened_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by run: %w", err)
	}
	defer rows.Close()

	artifacts, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by run: %w", err)
	}
	return artifacts, nil
}
