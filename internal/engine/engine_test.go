package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"positionmonitor/internal/eventbus"
	"positionmonitor/internal/models"
	"positionmonitor/internal/store"
	"positionmonitor/internal/swapexecutor"
)

// fakeOracle returns one queued price per Get call per symbol, in order.
type fakeOracle struct {
	mu     sync.Mutex
	prices map[string][]decimal.Decimal
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[string][]decimal.Decimal)}
}

func (f *fakeOracle) push(symbol string, v ...decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = append(f.prices[symbol], v...)
}

func (f *fakeOracle) Get(_ context.Context, symbol string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.prices[symbol]
	if len(q) == 0 {
		return decimal.Zero, false
	}
	f.prices[symbol] = q[1:]
	return q[0], true
}

// fakeExecutor always succeeds with a zero fill price, so driveExit falls
// back to the price the exit condition actually fired at -- what the
// concrete scenarios assert against.
type fakeExecutor struct{}

func (fakeExecutor) Execute(_ context.Context, _ models.ReversingRequest) (*models.SwapReceipt, error) {
	return &models.SwapReceipt{FillPrice: decimal.Zero, FilledAt: time.Now()}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, _ models.ReversingRequest) (*models.SwapReceipt, error) {
	return nil, assert.AnError
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testEngine(t *testing.T, oracle *fakeOracle, executor swapexecutor.SwapExecutor) *Engine {
	t.Helper()
	cfg := &models.Config{
		PriceTickMs:                  30000,
		SyncTickMs:                   60000,
		PriceFetchTimeoutMs:          1000,
		TrailingStopEpsilon:          0.01,
		TrailingStopEnabledByDefault: true,
		StopGracePeriodMs:            1000,
		MaxConcurrentChecks:          8,
	}
	return New(cfg, store.NewMemory(), oracle, executor, eventbus.New(), zap.NewNop())
}

// registerRaw inserts p into both the store and the registry directly,
// the way a crash-recovered or pre-seeded position would arrive, bypassing
// RegisterPosition's future-maxExitTime validation so scenarios can set an
// already-elapsed deadline.
func registerRaw(t *testing.T, e *Engine, p *models.MonitoredPosition) {
	t.Helper()
	id, err := e.store.Insert(p)
	require.NoError(t, err)
	p.ID = id
	e.rehydrate(p)
	e.registry.Insert(p)
}

func basePosition(side models.Side, entryPrice, entryAmount, tp1, tp2, sl string, maxExitTime time.Time) *models.MonitoredPosition {
	return &models.MonitoredPosition{
		TradeID:             "trade-1",
		TokenSymbol:         "ETHUSDT",
		Side:                side,
		EntryPrice:          dec(entryPrice),
		EntryAmount:         dec(entryAmount),
		TP1:                 dec(tp1),
		TP2:                 dec(tp2),
		SL:                  dec(sl),
		MaxExitTime:         maxExitTime,
		Status:              models.StatusActive,
		TrailingStopEnabled: true,
		ExecutedAt:          time.Now(),
	}
}

func feed(e *Engine, oracle *fakeOracle, symbol string, prices ...string) {
	decs := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		decs[i] = dec(p)
	}
	oracle.push(symbol, decs...)
	for range prices {
		e.runPriceTick()
	}
}

func TestScenario1_TP1HitOnBuy(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2410", "2450", "2505")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.StatusExited, got.Status)
	assert.Equal(t, models.ExitTP1, got.ExitData.ExitKind)
	assert.True(t, dec("2505").Equal(got.ExitData.ExitPrice))
	assert.True(t, dec("10.5").Equal(got.ExitData.ProfitLoss))
	assert.Equal(t, 0, e.registry.Len())
}

func TestScenario2_TP2PreferredOverTP1(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2410", "2620")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitTP2, got.ExitData.ExitKind)
	assert.True(t, dec("2620").Equal(got.ExitData.ExitPrice))
	assert.True(t, dec("22.0").Equal(got.ExitData.ProfitLoss))
}

func TestScenario3_TrailingStopOverridesSL(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2400", "2480", "2495", "2479")

	// Still active: trailing stop at 2470.05 has not been breached.
	assert.Equal(t, 1, e.registry.Len())
	var trailingStop decimal.Decimal
	e.registry.Peek(p.ID, func(p *models.MonitoredPosition) {
		trailingStop = p.TrailingStopPrice
	})
	assert.True(t, dec("2470.05").Equal(trailingStop), "trailing stop should be 2470.05, got %s", trailingStop)

	feed(e, oracle, "ETHUSDT", "2469")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitTrailingStop, got.ExitData.ExitKind)
	assert.True(t, dec("2469").Equal(got.ExitData.ExitPrice))
	assert.True(t, dec("6.9").Equal(got.ExitData.ProfitLoss))
}

func TestScenario4_StaticSLWithTrailingDisabled(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	p.TrailingStopEnabled = false
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2380", "2349")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitStopLoss, got.ExitData.ExitKind)
	assert.True(t, dec("2349").Equal(got.ExitData.ExitPrice))
	assert.True(t, dec("-5.1").Equal(got.ExitData.ProfitLoss))
}

func TestScenario5_MaxExitTimeOverridesProfit(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(5*time.Millisecond))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2450")
	time.Sleep(10 * time.Millisecond)
	feed(e, oracle, "ETHUSDT", "2450")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitMaxTime, got.ExitData.ExitKind)
	assert.True(t, dec("2450").Equal(got.ExitData.ExitPrice))
}

func TestScenario6_SellSideTP(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Sell, "100", "1", "95", "90", "105", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "97", "89")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitTP2, got.ExitData.ExitKind)
	assert.True(t, dec("89").Equal(got.ExitData.ExitPrice))
	assert.True(t, dec("11").Equal(got.ExitData.ProfitLoss))
}

func TestScenario7_ReconciliationAdoption(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})

	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	_, err := e.store.Insert(p)
	require.NoError(t, err)
	assert.Equal(t, 0, e.registry.Len())

	e.runReconciliationTick()

	status := e.GetStatus()
	assert.Equal(t, 1, status.MonitoredCount)
}

func TestExitExecutorFailureGoesToFailedNotRegistry(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, failingExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2505")

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.StatusFailed, hist[0].Status)
	assert.NotEmpty(t, hist[0].ExitData.Error)
	assert.Equal(t, 0, e.registry.Len())
}

func TestManualExitUsesCurrentPriceWhenAvailable(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2410")

	ok := e.ManualExit("trade-1", "operator requested close")
	require.True(t, ok)

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	got := hist[0]
	assert.Equal(t, models.ExitManual, got.ExitData.ExitKind)
	assert.True(t, dec("2410").Equal(got.ExitData.ExitPrice))
}

func TestManualExitReportsFalseForUnknownTradeID(t *testing.T) {
	e := testEngine(t, newFakeOracle(), fakeExecutor{})
	assert.False(t, e.ManualExit("does-not-exist", "n/a"))
}

func TestRoundTripEntryExitAtSamePriceYieldsZeroPnL(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	ok := e.ManualExit("trade-1", "immediate close at entry")
	require.True(t, ok)

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, dec("0").Equal(hist[0].ExitData.ProfitLoss))
}

func TestAtMostOneExitUnderConcurrentTicks(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	oracle.push("ETHUSDT", dec("2505"), dec("2510"), dec("2520"), dec("2530"), dec("2540"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runPriceTick()
		}()
	}
	wg.Wait()

	hist, err := e.store.GetHistory(models.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, hist, 1, "exactly one terminal record should exist despite concurrent overlapping ticks")
}

func TestStopDrainsInFlightAndClearsRegistry(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())

	assert.Equal(t, 0, e.registry.Len())
}

func TestRehydrateIdempotence(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	_, err := e.store.Insert(p)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	firstCount := e.registry.Len()
	require.NoError(t, e.Stop())

	require.NoError(t, e.Start(context.Background()))
	secondCount := e.registry.Len()
	require.NoError(t, e.Stop())

	assert.Equal(t, firstCount, secondCount)
	assert.Equal(t, 1, secondCount)
}

func TestTrailingStopMonotonicForBuy(t *testing.T) {
	oracle := newFakeOracle()
	e := testEngine(t, oracle, fakeExecutor{})
	p := basePosition(models.Buy, "2400", "0.1", "2500", "2600", "2350", time.Now().Add(time.Hour))
	registerRaw(t, e, p)

	feed(e, oracle, "ETHUSDT", "2410", "2420", "2415", "2430")

	var best decimal.Decimal
	e.registry.Peek(p.ID, func(p *models.MonitoredPosition) {
		best = p.HighestFavorablePrice
	})
	assert.True(t, dec("2430").Equal(best))
}
