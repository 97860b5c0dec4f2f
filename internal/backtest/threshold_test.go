package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
)

func testDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func seedResolved(t *testing.T, db *database.Database, ticker, resolution string, quotes ...string) {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	resolvedAt := base.Add(time.Duration(len(quotes)+1) * time.Hour)
	require.NoError(t, db.SaveMarket(&database.Market{
		Ticker:       ticker,
		ExpirationTS: resolvedAt,
		Resolution:   resolution,
		ResolvedAt:   &resolvedAt,
		CreatedAt:    base,
	}))
	for i, yes := range quotes {
		require.NoError(t, db.InsertQuote(&database.Quote{
			MarketTicker: ticker,
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			LastYes:      decimal.RequireFromString(yes),
			OpenInterest: 100,
		}))
	}
}

func TestThresholdBacktestYes(t *testing.T) {
	db := testDB(t)
	// Crosses 0.95 and resolves YES: profit 1 - 0.95 = 0.05.
	seedResolved(t, db, "KX-WIN", domain.ResolutionYes, "0.90", "0.95")
	// Crosses and resolves NO: loses the 0.96 entry.
	seedResolved(t, db, "KX-LOSE", domain.ResolutionNo, "0.96")
	// Never crosses: no trade.
	seedResolved(t, db, "KX-FLAT", domain.ResolutionYes, "0.50", "0.60")

	runner := NewRunner(db)
	summary, trades, err := runner.Run(context.Background(), Params{
		Threshold: decimal.RequireFromString("0.95"),
		Direction: domain.SideYes,
	})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 2, summary.NumTrades)
	assert.True(t, summary.WinRate.Equal(decimal.RequireFromString("0.5")))
	// 0.05 - 0.96 = -0.91
	assert.True(t, summary.TotalProfit.Equal(decimal.RequireFromString("-0.91")), "total=%s", summary.TotalProfit)

	results, err := db.LatestBacktestResults(1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "threshold_yes", results[0].StrategyName)
	assert.Equal(t, 2, results[0].NumTrades)
}

func TestThresholdBacktestNoSide(t *testing.T) {
	db := testDB(t)
	// YES mark 0.04 → buy NO at 0.96; NO resolution pays 0.04.
	seedResolved(t, db, "KX-NO-WIN", domain.ResolutionNo, "0.04")

	runner := NewRunner(db)
	summary, trades, err := runner.Run(context.Background(), Params{
		Threshold: decimal.RequireFromString("0.05"),
		Direction: domain.SideNo,
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].EntryPrice.Equal(decimal.RequireFromString("0.96")))
	assert.True(t, summary.TotalProfit.Equal(decimal.RequireFromString("0.04")), "total=%s", summary.TotalProfit)
	assert.True(t, summary.WinRate.Equal(decimal.NewFromInt(1)))
}

func TestThresholdBacktestSkipsIlliquid(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	resolvedAt := base.Add(2 * time.Hour)
	require.NoError(t, db.SaveMarket(&database.Market{
		Ticker:       "KX-THIN",
		ExpirationTS: resolvedAt,
		Resolution:   domain.ResolutionYes,
		ResolvedAt:   &resolvedAt,
		CreatedAt:    base,
	}))
	require.NoError(t, db.InsertQuote(&database.Quote{
		MarketTicker: "KX-THIN",
		Timestamp:    base,
		LastYes:      decimal.RequireFromString("0.97"),
		OpenInterest: 2, // below the liquidity floor
	}))

	runner := NewRunner(db)
	summary, trades, err := runner.Run(context.Background(), Params{
		Threshold: decimal.RequireFromString("0.95"),
		Direction: domain.SideYes,
	})
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, 0, summary.NumTrades)
}

func TestThresholdBacktestInvalidDirection(t *testing.T) {
	runner := NewRunner(testDB(t))
	_, _, err := runner.Run(context.Background(), Params{
		Threshold: decimal.RequireFromString("0.95"),
		Direction: domain.Side("both"),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMaxDrawdown(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	trades := []Trade{
		{EntryTS: base, Profit: decimal.NewFromInt(2)},
		{EntryTS: base.Add(time.Hour), Profit: decimal.NewFromInt(-3)},
		{EntryTS: base.Add(2 * time.Hour), Profit: decimal.NewFromInt(1)},
		{EntryTS: base.Add(3 * time.Hour), Profit: decimal.NewFromInt(-4)},
	}
	// equity path: 2, -1, 0, -4; peak 2 → trough -4
	assert.True(t, maxDrawdown(trades).Equal(decimal.NewFromInt(6)))
}
