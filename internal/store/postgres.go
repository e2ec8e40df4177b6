package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transit-lab/farecast/internal/series"
)

// PostgresStore keeps one row per (series key, week) in fare_weeks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const fareWeeksSchema = `
CREATE TABLE IF NOT EXISTS fare_weeks (
	series_key  TEXT             NOT NULL,
	week_start  DATE             NOT NULL,
	total_fares DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (series_key, week_start)
)`

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, fareWeeksSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Load(ctx context.Context, key string) (series.WeeklySeries, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT week_start, total_fares FROM fare_weeks
		 WHERE series_key = $1 ORDER BY week_start`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres query: %w", err)
	}
	defer rows.Close()

	var ws series.WeeklySeries
	for rows.Next() {
		var w series.Week
		if err := rows.Scan(&w.WeekStart, &w.TotalFares); err != nil {
			return nil, fmt.Errorf("postgres scan: %w", err)
		}
		w.WeekStart = w.WeekStart.UTC()
		ws = append(ws, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows: %w", err)
	}
	if len(ws) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return ws, nil
}

// Save replaces the stored series atomically: old rows for the key are
// dropped and the new weeks inserted in one transaction.
func (p *PostgresStore) Save(ctx context.Context, key string, ws series.WeeklySeries) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM fare_weeks WHERE series_key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	for _, w := range ws {
		if _, err := tx.Exec(ctx,
			`INSERT INTO fare_weeks (series_key, week_start, total_fares)
			 VALUES ($1, $2, $3)`,
			key, w.WeekStart.UTC().Truncate(24*time.Hour), w.TotalFares); err != nil {
			return fmt.Errorf("postgres insert week %s: %w", w.WeekStart.Format("2006-01-02"), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
