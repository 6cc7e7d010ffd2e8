package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
)

var sinkTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newMockedSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSink(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func sampleOpportunity() model.Opportunity {
	return model.Opportunity{
		ID:              "op-1",
		Symbol:          "BTC-USD",
		BuyVenue:        "binance",
		SellVenue:       "bybit",
		BuyPrice:        50000,
		SellPrice:       50100,
		SpreadPct:       0.2,
		PotentialProfit: 100,
		DetectedAt:      sinkTime,
	}
}

func TestInsertWritesRow(t *testing.T) {
	sink, mock := newMockedSink(t)

	o := sampleOpportunity()
	mock.ExpectExec("INSERT INTO arbitrage_opportunities").
		WithArgs(o.ID, o.Symbol, o.BuyVenue, o.SellVenue,
			o.BuyPrice, o.SellPrice, o.SpreadPct, o.PotentialProfit, o.DetectedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, sink.Insert(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReportsDuplicate(t *testing.T) {
	sink, mock := newMockedSink(t)

	mock.ExpectExec("INSERT INTO arbitrage_opportunities").
		WillReturnError(&pq.Error{Code: "23505"})

	err := sink.Insert(context.Background(), sampleOpportunity())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRecentMapsRows(t *testing.T) {
	sink, mock := newMockedSink(t)

	cols := []string{"id", "symbol", "buy_venue", "sell_venue",
		"buy_price", "sell_price", "spread_pct", "potential_profit", "detected_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("op-2", "ETH-USD", "gateio", "paradex", 3000.0, 3010.0, 0.33, 10.0, sinkTime).
		AddRow("op-1", "BTC-USD", "binance", "bybit", 50000.0, 50100.0, 0.2, 100.0, sinkTime.Add(-time.Minute))
	mock.ExpectQuery("FROM arbitrage_opportunities ORDER BY detected_at DESC").
		WithArgs(2).
		WillReturnRows(rows)

	got, err := sink.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "op-2", got[0].ID)
	assert.Equal(t, "paradex", got[0].SellVenue)
	assert.Equal(t, 0.2, got[1].SpreadPct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaExecutesDDL(t *testing.T) {
	sink, mock := newMockedSink(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS arbitrage_opportunities").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterDropsWhenSaturated(t *testing.T) {
	sink, _ := newMockedSink(t)
	m := metrics.NewIsolatedRegistry()
	w := NewWriter(sink, 1, m)

	w.Enqueue(sampleOpportunity())
	w.Enqueue(sampleOpportunity())

	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap["perpscan_quotes_dropped_total"])
	assert.Len(t, w.ch, 1)
}

func TestWriterDrainsQueueOnShutdown(t *testing.T) {
	sink, mock := newMockedSink(t)
	w := NewWriter(sink, 4, metrics.NewIsolatedRegistry())

	mock.ExpectExec("INSERT INTO arbitrage_opportunities").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO arbitrage_opportunities").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.Enqueue(sampleOpportunity())
	w.Enqueue(sampleOpportunity())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("writer did not drain and exit")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
