package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazstick/marketlib/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

const tradeSelectCols = `position_id, market, side, entry_time, entry_price,
	exit_time, exit_price, size, fee_in, fee_out, pnl_net, reason,
	mfe_r, mae_r, mfe, mae`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var (
			t    domain.TradeRecord
			side string
		)
		if err := rows.Scan(
			&t.PositionID, &t.Market, &side,
			&t.EntryTime, &t.EntryPrice,
			&t.ExitTime, &t.ExitPrice,
			&t.Size, &t.FeeIn, &t.FeeOut, &t.PnLNet, &t.Reason,
			&t.MFER, &t.MAER, &t.MFE, &t.MAE,
		); err != nil {
			return nil, err
		}
		t.Side = domain.PositionSide(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch inserts the realized trades of a run using pgx Batch. The
// slice order assigns each trade its sequence number within the run, so
// retrying the same batch is idempotent via ON CONFLICT DO NOTHING.
func (s *TradeStore) InsertBatch(ctx context.Context, runID string, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trades (
			run_id, seq, position_id, market, side,
			entry_time, entry_price, exit_time, exit_price,
			size, fee_in, fee_out, pnl_net, reason,
			mfe_r, mae_r, mfe, mae
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18
		) ON CONFLICT (run_id, seq) DO NOTHING`

	for i, t := range trades {
		batch.Queue(query,
			runID, i, t.PositionID, t.Market, string(t.Side),
			t.EntryTime, t.EntryPrice, t.ExitTime, t.ExitPrice,
			t.Size, t.FeeIn, t.FeeOut, t.PnLNet, t.Reason,
			t.MFER, t.MAER, t.MFE, t.MAE,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByRun returns all trades of a run in execution order.
func (s *TradeStore) ListByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by run: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by run: %w", err)
	}
	return trades, nil
}

// ListByMarket returns trades for a market across runs with pagination
// and optional exit-time filtering.
func (s *TradeStore) ListByMarket(ctx context.Context, market string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE market = $1`
	args := []any{market}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND exit_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND exit_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY exit_time DESC"

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
		return nil, fmt.Errorf("postgres: list trades by market: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by market: %w", err)
	}
	return trades, nil
}

// SumPnL returns the net realized PnL of a run, zero when the run has no
// trades.
func (s *TradeStore) SumPnL(ctx context.Context, runID string) (float64, error) {
	var sum *float64
	err := s.pool.QueryRow(ctx,
		`SELECT SUM(pnl_net) FROM trades WHERE run_id = $1`, runID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum pnl for run %s: %w", runID, err)
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}
