package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazstick/marketlib/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

var _ domain.SignalStore = (*SignalStore)(nil)

const signalSelectCols = `id, source, symbol, timeframe, signal, price,
	bar_time, reason, created_at`

// Insert stores one scanner signal. Events are deduplicated by their
// UUID, so redelivery is harmless.
func (s *SignalStore) Insert(ctx context.Context, ev domain.SignalEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signals (id, source, symbol, timeframe, signal, price, bar_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Source, ev.Symbol, string(ev.Timeframe), string(ev.Signal),
		ev.Price, ev.BarTime, ev.Reason, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", ev.ID, err)
	}
	return nil
}

// ListRecent returns the newest signals, most recent first.
func (s *SignalStore) ListRecent(ctx context.Context, limit int) ([]domain.SignalEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalSelectCols+` FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent signals: %w", err)
	}
	defer rows.Close()

	var events []domain.SignalEvent
	for rows.Next() {
		var (
			ev        domain.SignalEvent
			timeframe string
			signal    string
		)
		if err := rows.Scan(
			&ev.ID, &ev.Source, &ev.Symbol, &timeframe, &signal,
			&ev.Price, &ev.BarTime, &ev.Reason, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		ev.Timeframe = domain.Timeframe(timeframe)
		ev.Signal = domain.Signal(signal)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan signals: %w", err)
	}
	return events, nil
}
