// Package postgres records detected arbitrage opportunities for offline
// analysis. It is disabled by default and never sits on the detection path:
// writes go through a buffered Writer that drops under backpressure.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perpscan/perpscan/internal/model"
)

const (
	schemaSQL = `
CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	buy_venue        TEXT NOT NULL,
	sell_venue       TEXT NOT NULL,
	buy_price        DOUBLE PRECISION NOT NULL,
	sell_price       DOUBLE PRECISION NOT NULL,
	spread_pct       DOUBLE PRECISION NOT NULL,
	potential_profit DOUBLE PRECISION NOT NULL,
	detected_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arb_opportunities_detected_at
	ON arbitrage_opportunities (detected_at DESC)`

	insertSQL = `INSERT INTO arbitrage_opportunities
	(id, symbol, buy_venue, sell_venue, buy_price, sell_price, spread_pct, potential_profit, detected_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	recentSQL = `SELECT id, symbol, buy_venue, sell_venue, buy_price, sell_price, spread_pct, potential_profit, detected_at
	FROM arbitrage_opportunities ORDER BY detected_at DESC LIMIT $1`
)

// Sink writes opportunities to PostgreSQL.
type Sink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects, tunes the pool, and verifies the connection.
func Open(dsn string) (*Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Sink{db: db, timeout: 5 * time.Second}, nil
}

// NewSink wraps an existing connection.
func NewSink(db *sqlx.DB, timeout time.Duration) *Sink {
	return &Sink{db: db, timeout: timeout}
}

// EnsureSchema creates the opportunities table if it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

type opportunityRow struct {
	ID              string    `db:"id"`
	Symbol          string    `db:"symbol"`
	BuyVenue        string    `db:"buy_venue"`
	SellVenue       string    `db:"sell_venue"`
	BuyPrice        float64   `db:"buy_price"`
	SellPrice       float64   `db:"sell_price"`
	SpreadPct       float64   `db:"spread_pct"`
	PotentialProfit float64   `db:"potential_profit"`
	DetectedAt      time.Time `db:"detected_at"`
}

func (r opportunityRow) toModel() model.Opportunity {
	return model.Opportunity{
		ID:              r.ID,
		Symbol:          r.Symbol,
		BuyVenue:        r.BuyVenue,
		SellVenue:       r.SellVenue,
		BuyPrice:        r.BuyPrice,
		SellPrice:       r.SellPrice,
		SpreadPct:       r.SpreadPct,
		PotentialProfit: r.PotentialProfit,
		DetectedAt:      r.DetectedAt,
	}
}

// Insert adds one opportunity record.
func (s *Sink) Insert(ctx context.Context, o model.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, insertSQL,
		o.ID, o.Symbol, o.BuyVenue, o.SellVenue,
		o.BuyPrice, o.SellPrice, o.SpreadPct, o.PotentialProfit, o.DetectedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate opportunity %s: %w", o.ID, err)
		}
		return fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]model.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []opportunityRow
	if err := s.db.SelectContext(ctx, &rows, recentSQL, limit); err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	out := make([]model.Opportunity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Sink) Close() error { return s.db.Close() }
