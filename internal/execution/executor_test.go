package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/kalshibot/internal/config"
	"github.com/web3guy0/kalshibot/internal/database"
	"github.com/web3guy0/kalshibot/internal/domain"
	"github.com/web3guy0/kalshibot/internal/ledger"
	"github.com/web3guy0/kalshibot/internal/risk"
)

var testAsOf = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func testConfig(mode domain.ExecutionMode) *config.Config {
	return &config.Config{
		ExecutionMode:           mode,
		MaxRiskPerTradeUSD:      decimal.NewFromInt(10),
		MaxRiskPerMarketUSD:     decimal.NewFromInt(50),
		MaxRiskTotalUSD:         decimal.NewFromInt(200),
		MaxRiskFractionPerTrade: decimal.RequireFromString("0.03"),
		InitialBankrollUSD:      decimal.NewFromInt(1000),
		OrderTimeout:            time.Second,
		OrderMaxRetries:         2,
		StaleSignalAge:          10 * time.Minute,
	}
}

func testDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func newExecutor(t *testing.T, db *database.Database, cfg *config.Config, broker Broker) *Executor {
	t.Helper()
	sizer := risk.NewSizer(db, cfg)
	lgr := ledger.New(db, cfg)
	exec, err := NewExecutor(db, cfg, sizer, lgr, broker, nil)
	require.NoError(t, err)
	return exec
}

func seedSignal(t *testing.T, db *database.Database, ticker string, side string, pMkt string) *database.Signal {
	t.Helper()
	sig := &database.Signal{
		MarketTicker: ticker,
		Side:         side,
		PMkt:         decimal.RequireFromString(pMkt),
		PTrueEst:     decimal.RequireFromString("0.10"),
		Size:         1,
		Status:       string(domain.StatusPending),
	}
	require.NoError(t, db.CreateSignal(sig))
	return sig
}

func seedQuote(t *testing.T, db *database.Database, ticker string, yes string) {
	t.Helper()
	require.NoError(t, db.InsertQuote(&database.Quote{
		MarketTicker: ticker,
		Timestamp:    testAsOf.Add(-time.Minute),
		LastYes:      decimal.RequireFromString(yes),
	}))
}

// fakeBroker scripts submission and status responses.
type fakeBroker struct {
	submitErrs  []error // consumed per attempt; nil means success
	submits     int
	status      OrderStatus
	statusCalls int
	lastRequest OrderRequest
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	f.lastRequest = req
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return OrderAck{}, err
		}
	}
	return OrderAck{OrderID: "ord-1"}, nil
}

func (f *fakeBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	f.statusCalls++
	return f.status, nil
}

func (f *fakeBroker) Portfolio(ctx context.Context) ([]domain.PortfolioEntry, error) {
	return nil, nil
}

func TestSimulateFill(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeSimulate)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	exec := newExecutor(t, db, cfg, nil)
	filled, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 1, filled)

	sigs, err := db.SentSignals(10)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFilled), sig.Status)
	// per_trade cap = min(10, 30) = 10; 10/0.02 = 500 contracts
	assert.Equal(t, int64(500), sig.ExecutedSize)
	assert.True(t, sig.ExecutedPrice.Equal(decimal.RequireFromString("0.02")))
	require.NotNil(t, sig.FilledAt)

	pos, err := db.GetPosition("KXNFL-GAME1", domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, int64(500), pos.Size)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("0.02")))
}

func TestSimulateFillUsesNormalizedNoPrice(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeSimulate)
	seedSignal(t, db, "KXNFL-GAME1", "no", "0.90")
	seedQuote(t, db, "KXNFL-GAME1", "0.90")

	exec := newExecutor(t, db, cfg, nil)
	_, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFilled), sig.Status)
	// NO contracts cost 1 - 0.90
	assert.True(t, sig.ExecutedPrice.Equal(decimal.RequireFromString("0.1")), "price=%s", sig.ExecutedPrice)

	pos, err := db.GetPosition("KXNFL-GAME1", domain.SideNo)
	require.NoError(t, err)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("0.1")))
}

func TestZeroSizeSkipped(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeSimulate)
	cfg.MaxRiskPerTradeUSD = decimal.RequireFromString("0.01")
	cfg.MaxRiskFractionPerTrade = decimal.RequireFromString("0.00001")
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.50")
	seedQuote(t, db, "KXNFL-GAME1", "0.50")

	exec := newExecutor(t, db, cfg, nil)
	filled, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 0, filled)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSkipped), sig.Status)
	assert.NotEmpty(t, sig.LastError)

	trades, err := db.TradesByMarket("KXNFL-GAME1")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecutePendingIdempotentRerun(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeSimulate)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	exec := newExecutor(t, db, cfg, nil)
	_, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)

	// Terminal signal is never re-selected; no duplicate trade.
	filled, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 0, filled)

	trades, err := db.TradesByMarket("KXNFL-GAME1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestLiveSubmitAndFill(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	broker := &fakeBroker{status: OrderStatus{
		Status:      OrderFilled,
		FilledPrice: decimal.RequireFromString("0.02"),
		FilledSize:  500,
	}}
	exec := newExecutor(t, db, cfg, broker)
	filled, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
	assert.Equal(t, 1, broker.submits)
	assert.NotEmpty(t, broker.lastRequest.ClientOrderID)
	assert.Equal(t, domain.DirectionBuy, broker.lastRequest.Direction)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFilled), sig.Status)
	assert.Equal(t, "ord-1", sig.OrderID)
}

func TestLiveTransientSubmitRetries(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	broker := &fakeBroker{
		submitErrs: []error{domain.Transient("503"), domain.Transient("timeout"), nil},
		status:     OrderStatus{Status: OrderResting},
	}
	exec := newExecutor(t, db, cfg, broker)
	_, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 3, broker.submits)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSent), sig.Status)
	assert.Equal(t, "ord-1", sig.OrderID)
}

func TestLiveRetriesExhaustedMovesToError(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	broker := &fakeBroker{
		submitErrs: []error{domain.Transient("503"), domain.Transient("503"), domain.Transient("503")},
	}
	exec := newExecutor(t, db, cfg, broker)
	_, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 3, broker.submits) // initial + 2 retries

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusError), sig.Status)
	assert.NotEmpty(t, sig.LastError)
}

func TestLiveFatalSubmitNoRetry(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	seedSignal(t, db, "KXNFL-GAME1", "yes", "0.02")
	seedQuote(t, db, "KXNFL-GAME1", "0.02")

	broker := &fakeBroker{submitErrs: []error{domain.Fatal("insufficient funds")}}
	exec := newExecutor(t, db, cfg, broker)
	_, err := exec.ExecutePending(context.Background(), testAsOf)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.submits)

	sig, err := db.GetSignal(1)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusError), sig.Status)
}

func TestReconcileFillsSentSignal(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	sentAt := time.Now().UTC().Add(-time.Minute)
	sig := &database.Signal{
		MarketTicker: "KXNFL-GAME1",
		Side:         "yes",
		PMkt:         decimal.RequireFromString("0.02"),
		Size:         100,
		Status:       string(domain.StatusSent),
		OrderID:      "ord-9",
		SentAt:       &sentAt,
	}
	require.NoError(t, db.CreateSignal(sig))

	broker := &fakeBroker{status: OrderStatus{
		Status:      OrderFilled,
		FilledPrice: decimal.RequireFromString("0.02"),
		FilledSize:  100,
	}}
	exec := newExecutor(t, db, cfg, broker)
	resolved, err := exec.Reconcile(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got, err := db.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFilled), got.Status)

	pos, err := db.GetPosition("KXNFL-GAME1", domain.SideYes)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos.Size)
}

func TestReconcileRejectedOrder(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	sentAt := time.Now().UTC().Add(-time.Minute)
	sig := &database.Signal{
		MarketTicker: "KXNFL-GAME1",
		Side:         "yes",
		PMkt:         decimal.RequireFromString("0.02"),
		Size:         100,
		Status:       string(domain.StatusSent),
		OrderID:      "ord-9",
		SentAt:       &sentAt,
	}
	require.NoError(t, db.CreateSignal(sig))

	broker := &fakeBroker{status: OrderStatus{Status: OrderRejected, Reason: "self cross"}}
	exec := newExecutor(t, db, cfg, broker)
	resolved, err := exec.Reconcile(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got, err := db.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusRejected), got.Status)
	assert.Equal(t, "self cross", got.LastError)
}

func TestReconcileAbandonsStaleOrder(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	sentAt := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	sig := &database.Signal{
		MarketTicker: "KXNFL-GAME1",
		Side:         "yes",
		PMkt:         decimal.RequireFromString("0.02"),
		Size:         100,
		Status:       string(domain.StatusSent),
		OrderID:      "ord-9",
		SentAt:       &sentAt,
	}
	require.NoError(t, db.CreateSignal(sig))

	broker := &fakeBroker{status: OrderStatus{Status: OrderResting}}
	exec := newExecutor(t, db, cfg, broker)
	_, err := exec.Reconcile(context.Background(), sentAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, broker.statusCalls)

	got, err := db.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusError), got.Status)
}

func TestApplyRemoteFill(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeLive)
	sentAt := time.Now().UTC().Add(-time.Minute)
	sig := &database.Signal{
		MarketTicker: "KXNFL-GAME1",
		Side:         "yes",
		PMkt:         decimal.RequireFromString("0.02"),
		Size:         100,
		Status:       string(domain.StatusSent),
		OrderID:      "ord-9",
		SentAt:       &sentAt,
	}
	require.NoError(t, db.CreateSignal(sig))

	exec := newExecutor(t, db, cfg, &fakeBroker{})
	price := decimal.RequireFromString("0.02")
	require.NoError(t, exec.ApplyRemoteFill("ord-9", price, 100, time.Now().UTC()))

	got, err := db.GetSignal(sig.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFilled), got.Status)

	// Duplicate push is a no-op.
	require.NoError(t, exec.ApplyRemoteFill("ord-9", price, 100, time.Now().UTC()))
	trades, err := db.TradesByMarket("KXNFL-GAME1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	// Unknown order ignored.
	require.NoError(t, exec.ApplyRemoteFill("ord-unknown", price, 100, time.Now().UTC()))
}

func TestCancelStaleSignals(t *testing.T) {
	db := testDB(t)
	cfg := testConfig(domain.ModeSimulate)

	stale := seedSignal(t, db, "KX-STALE", "yes", "0.02")
	fresh := seedSignal(t, db, "KX-FRESH", "yes", "0.02")

	// Age the first signal past the cutoff.
	stale.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.SaveSignal(stale))

	exec := newExecutor(t, db, cfg, nil)
	n, err := exec.CancelStaleSignals(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetSignal(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusError), got.Status)

	got, err = db.GetSignal(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusPending), got.Status)
}
