// Package engine implements the Monitor Engine: the component that owns
// the price-check and reconciliation timers, evaluates exit conditions in
// priority order, and drives the exit state machine through the registry's
// exclusion primitive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"positionmonitor/internal/eventbus"
	"positionmonitor/internal/models"
	"positionmonitor/internal/priceoracle"
	"positionmonitor/internal/registry"
	"positionmonitor/internal/store"
	"positionmonitor/internal/swapexecutor"
)

// ErrAlreadyRunning is returned by Start when the engine is already live.
var ErrAlreadyRunning = errors.New("engine: already running")

// ErrNotRunning is returned by Stop when the engine is not live.
var ErrNotRunning = errors.New("engine: not running")

// Engine is the monitor engine: price-check tick, reconciliation tick, exit
// state machine, and the registration/operator surface built on top of
// them.
type Engine struct {
	cfg      *models.Config
	store    store.PositionStore
	oracle   priceoracle.PriceOracle
	executor swapexecutor.SwapExecutor
	bus      *eventbus.Bus
	logger   *zap.Logger

	registry *registry.Registry

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	loopsWG sync.WaitGroup
	inFlight sync.WaitGroup
}

// New wires an engine against its adapters. The engine does not start any
// background work until Start is called.
func New(cfg *models.Config, st store.PositionStore, oracle priceoracle.PriceOracle, executor swapexecutor.SwapExecutor, bus *eventbus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		oracle:   oracle,
		executor: executor,
		bus:      bus,
		logger:   logger,
		registry: registry.New(),
	}
}

func (e *Engine) trailingEpsilon() decimal.Decimal {
	return decimal.NewFromFloat(e.cfg.TrailingStopEpsilon)
}

// rehydrate derives the runtime extremum/trailing-stop fields for a record
// freshly loaded from the store, the way Start does for every position it
// adopts. highestFavorablePrice always restarts from entryPrice: the store
// contract carries no field for mid-lifecycle trailing-stop progress, so a
// restarted engine re-arms trailing from the entry price exactly as a
// never-before-seen record would.
func (e *Engine) rehydrate(p *models.MonitoredPosition) {
	eps := e.trailingEpsilon()
	p.HighestFavorablePrice = p.EntryPrice
	one := decimal.NewFromInt(1)
	if p.Side == models.Buy {
		p.TrailingStopPrice = p.EntryPrice.Mul(one.Sub(eps))
	} else {
		p.TrailingStopPrice = p.EntryPrice.Mul(one.Add(eps))
	}
}

// Start loads the active set from the durable store, rehydrates and
// inserts every record into the registry, then schedules the price-check
// and reconciliation ticks. The initial price-check tick runs once,
// synchronously from the caller's perspective is not required by the
// contract -- it is launched immediately in the background -- but Start
// itself returns as soon as rehydrate completes.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return ErrAlreadyRunning
	}

	active, err := e.store.ListActive()
	if err != nil {
		e.runMu.Unlock()
		return fmt.Errorf("engine start: list active positions: %w", err)
	}
	for _, p := range active {
		e.rehydrate(p)
		e.registry.Insert(p)
	}

	e.stopCh = make(chan struct{})
	e.running = true
	e.runMu.Unlock()

	e.loopsWG.Add(2)
	go e.priceTickLoop()
	go e.reconciliationLoop()

	e.logger.Info("engine started",
		zap.Int("rehydrated", len(active)),
		zap.Int64("priceTickMs", e.cfg.PriceTickMs),
		zap.Int64("syncTickMs", e.cfg.SyncTickMs))
	return nil
}

// Stop cancels both timers, waits up to the configured grace period for
// in-flight per-position work to finish or abandon itself, then clears the
// registry.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return ErrNotRunning
	}
	close(e.stopCh)
	e.running = false
	e.runMu.Unlock()

	grace := time.Duration(e.cfg.StopGracePeriodMs) * time.Millisecond
	deadline := time.Now().Add(grace)
	if !waitWithTimeout(&e.loopsWG, grace) || !waitWithTimeout(&e.inFlight, time.Until(deadline)) {
		e.logger.Warn("stop: grace period elapsed with in-flight work outstanding")
	}

	e.registry.Clear()
	e.logger.Info("engine stopped")
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) priceTickLoop() {
	defer e.loopsWG.Done()
	e.runPriceTick()

	period := time.Duration(e.cfg.PriceTickMs) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runPriceTick()
		}
	}
}

func (e *Engine) reconciliationLoop() {
	defer e.loopsWG.Done()
	period := time.Duration(e.cfg.SyncTickMs) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runReconciliationTick()
		}
	}
}

// runPriceTick fans out over a registry snapshot, bounding concurrency at
// cfg.MaxConcurrentChecks. Failures in one position's fetch or exit never
// affect another's -- checkPosition never returns an error to the group.
func (e *Engine) runPriceTick() {
	snapshot := e.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(context.Background())
	if e.cfg.MaxConcurrentChecks > 0 {
		g.SetLimit(e.cfg.MaxConcurrentChecks)
	}

	for _, p := range snapshot {
		id, symbol := p.ID, p.TokenSymbol
		e.inFlight.Add(1)
		g.Go(func() error {
			defer e.inFlight.Done()
			e.checkPosition(ctx, id, symbol)
			return nil
		})
	}
	_ = g.Wait()
}

// runReconciliationTick adopts store records that are active but missing
// from the registry -- crash recovery, a peer instance's writes, or a
// direct insert bypassing RegisterPosition.
func (e *Engine) runReconciliationTick() {
	active, err := e.store.ListActive()
	if err != nil {
		e.logger.Warn("reconciliation tick: list active failed", zap.Error(err))
		return
	}
	adopted := 0
	for _, p := range active {
		if e.registry.Has(p.ID) {
			continue
		}
		e.rehydrate(p)
		e.registry.Insert(p)
		adopted++
		e.bus.Publish(eventbus.Event{Kind: eventbus.PositionAdded, Position: p.Clone(), Timestamp: time.Now()})
	}
	if adopted > 0 {
		e.logger.Info("reconciliation tick adopted orphaned positions", zap.Int("count", adopted))
	}
}

// checkPosition is the per-position monitoring step: fetch price, update
// trailing-stop extremum, evaluate exit conditions in fixed priority
// order, and drive the exit state machine on trigger.
func (e *Engine) checkPosition(ctx context.Context, id, symbol string) {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.PriceFetchTimeoutMs)*time.Millisecond)
	price, ok := e.oracle.Get(fetchCtx, symbol)
	cancel()
	if !ok {
		e.logger.Debug("price fetch failed, skipping tick", zap.String("id", id), zap.String("symbol", symbol))
		return
	}

	var trigger *exitTrigger
	removed, didRemove := e.registry.Evaluate(id, func(p *models.MonitoredPosition) bool {
		now := time.Now()
		p.CurrentPrice = price
		p.LastPriceCheck = &now
		p.PriceCheckCount++

		updateTrailingExtremum(p, price, e.trailingEpsilon())

		trigger = evaluateExitConditions(p, price, now)
		return trigger != nil
	})
	if !didRemove || trigger == nil {
		return
	}

	e.driveExit(removed, *trigger)
}

// updateTrailingExtremum advances the running extremum and, if it moved,
// re-derives the trailing-stop level. For buy positions the extremum
// tracks the highest observed price; for sell positions it tracks the
// lowest -- "highest favorable" in both cases, per the field's name.
func updateTrailingExtremum(p *models.MonitoredPosition, price, eps decimal.Decimal) {
	one := decimal.NewFromInt(1)
	switch p.Side {
	case models.Buy:
		if price.GreaterThan(p.HighestFavorablePrice) {
			p.HighestFavorablePrice = price
			p.TrailingStopPrice = price.Mul(one.Sub(eps))
		}
	case models.Sell:
		if price.LessThan(p.HighestFavorablePrice) {
			p.HighestFavorablePrice = price
			p.TrailingStopPrice = price.Mul(one.Add(eps))
		}
	}
}

// exitTrigger names which condition fired and the price it fired at.
type exitTrigger struct {
	kind  models.ExitKind
	price decimal.Decimal
}

// evaluateExitConditions walks the fixed priority table and returns the
// first condition that is true, or nil. Priority order: max_exit_time,
// trailing_stop (if enabled), stop_loss, tp2, tp1.
func evaluateExitConditions(p *models.MonitoredPosition, price decimal.Decimal, now time.Time) *exitTrigger {
	if !now.Before(p.MaxExitTime) {
		return &exitTrigger{kind: models.ExitMaxTime, price: price}
	}

	isBuy := p.Side == models.Buy

	if p.TrailingStopEnabled {
		if isBuy && price.LessThanOrEqual(p.TrailingStopPrice) {
			return &exitTrigger{kind: models.ExitTrailingStop, price: price}
		}
		if !isBuy && price.GreaterThanOrEqual(p.TrailingStopPrice) {
			return &exitTrigger{kind: models.ExitTrailingStop, price: price}
		}
	}

	if isBuy && price.LessThanOrEqual(p.SL) {
		return &exitTrigger{kind: models.ExitStopLoss, price: price}
	}
	if !isBuy && price.GreaterThanOrEqual(p.SL) {
		return &exitTrigger{kind: models.ExitStopLoss, price: price}
	}

	if isBuy && price.GreaterThanOrEqual(p.TP2) {
		return &exitTrigger{kind: models.ExitTP2, price: price}
	}
	if !isBuy && price.LessThanOrEqual(p.TP2) {
		return &exitTrigger{kind: models.ExitTP2, price: price}
	}

	if isBuy && price.GreaterThanOrEqual(p.TP1) {
		return &exitTrigger{kind: models.ExitTP1, price: price}
	}
	if !isBuy && price.LessThanOrEqual(p.TP1) {
		return &exitTrigger{kind: models.ExitTP1, price: price}
	}

	return nil
}

// driveExit runs the exiting state: build the reversing request, call the
// swap executor, compute profit-and-loss, and persist the terminal status.
// p has already been removed from the registry by the caller -- this is
// the "active -> exiting" transition completing -- so no lock is held for
// any of this, and a concurrent tick against the same id is impossible.
func (e *Engine) driveExit(p *models.MonitoredPosition, trig exitTrigger) {
	logger := e.logger.With(zap.String("tradeId", p.TradeID), zap.String("exitKind", string(trig.kind)))

	req := models.ReversingRequest{
		TradeID:     p.TradeID,
		UserID:      p.UserID,
		SafeAddress: p.SafeAddress,
		NetworkKey:  p.NetworkKey,
		TokenSymbol: p.TokenSymbol,
		Side:        p.Side.Opposite(),
		Amount:      p.EntryAmount,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.PriceFetchTimeoutMs)*time.Millisecond)
	receipt, err := e.executor.Execute(ctx, req)
	cancel()
	if err != nil {
		e.failPosition(p, fmt.Errorf("swap executor: %w", err), logger)
		return
	}

	exitPrice := trig.price
	if !receipt.FillPrice.IsZero() {
		exitPrice = receipt.FillPrice
	}

	entryValue := p.EntryAmount.Mul(p.EntryPrice)
	exitValue := p.EntryAmount.Mul(exitPrice)
	var profitLoss decimal.Decimal
	if p.Side == models.Buy {
		profitLoss = exitValue.Sub(entryValue)
	} else {
		profitLoss = entryValue.Sub(exitValue)
	}

	now := time.Now()
	exit := &models.ExitRecord{
		ExitKind:   trig.kind,
		ExitPrice:  exitPrice,
		ExitAmount: p.EntryAmount,
		ProfitLoss: profitLoss,
		ExitedAt:   &now,
	}

	if err := e.store.UpdateStatus(p.ID, models.StatusExited, exit); err != nil {
		// The exit has already executed on-venue; the engine accepts the
		// divergence and relies on a future reconciliation or operator fix.
		logger.Error("store update failed after successful exit", zap.Error(err))
	}

	p.Status = models.StatusExited
	p.ExitData = exit
	e.bus.Publish(eventbus.Event{Kind: eventbus.PositionExited, Position: p.Clone(), Timestamp: now})
	logger.Info("position exited",
		zap.String("exitPrice", exitPrice.String()),
		zap.String("profitLoss", profitLoss.String()))
}

func (e *Engine) failPosition(p *models.MonitoredPosition, cause error, logger *zap.Logger) {
	now := time.Now()
	exit := &models.ExitRecord{
		Error:    cause.Error(),
		FailedAt: &now,
	}
	if err := e.store.UpdateStatus(p.ID, models.StatusFailed, exit); err != nil {
		logger.Error("store update failed after exit failure", zap.Error(err))
	}

	p.Status = models.StatusFailed
	p.ExitData = exit
	e.bus.Publish(eventbus.Event{Kind: eventbus.PositionExitFailed, Position: p.Clone(), Timestamp: now})
	logger.Error("position exit failed, requires operator intervention", zap.Error(cause))
}

// RegisterPosition is called by the intake collaborator after its entry
// trade has succeeded. It persists the new position and, only on success,
// publishes it into the registry.
func (e *Engine) RegisterPosition(req models.RegisterRequest) (string, error) {
	if err := validateRegisterRequest(req); err != nil {
		return "", err
	}

	p := &models.MonitoredPosition{
		TradeID:             req.TradeID,
		UserID:              req.UserID,
		SafeAddress:         req.SafeAddress,
		NetworkKey:          req.NetworkKey,
		TokenSymbol:         req.TokenSymbol,
		Side:                req.Side,
		EntryPrice:          req.EntryPrice,
		EntryAmount:         req.EntryAmount,
		TP1:                 req.TP1,
		TP2:                 req.TP2,
		SL:                  req.SL,
		MaxExitTime:         req.MaxExitTime,
		Status:              models.StatusActive,
		CurrentPrice:        req.EntryPrice,
		TrailingStopEnabled: e.cfg.TrailingStopEnabledByDefault,
		ExecutedAt:          time.Now(),
		EntryTxHash:         req.EntryTxHash,
	}
	e.rehydrate(p)

	id, err := e.store.Insert(p)
	if err != nil {
		return "", fmt.Errorf("register position: %w", err)
	}
	p.ID = id

	e.registry.Insert(p)
	e.bus.Publish(eventbus.Event{Kind: eventbus.PositionAdded, Position: p.Clone(), Timestamp: time.Now()})
	return id, nil
}

func validateRegisterRequest(req models.RegisterRequest) error {
	if req.TradeID == "" {
		return errors.New("register position: tradeId is required")
	}
	if req.TokenSymbol == "" {
		return errors.New("register position: tokenSymbol is required")
	}
	if req.Side != models.Buy && req.Side != models.Sell {
		return fmt.Errorf("register position: unknown side %q", req.Side)
	}
	if req.EntryPrice.Sign() <= 0 || req.EntryAmount.Sign() <= 0 {
		return errors.New("register position: entryPrice and entryAmount must be positive")
	}
	if req.TP1.Sign() <= 0 || req.TP2.Sign() <= 0 || req.SL.Sign() <= 0 {
		return errors.New("register position: tp1, tp2, and sl must be positive")
	}
	if !req.MaxExitTime.After(time.Now()) {
		return errors.New("register position: maxExitTime must be in the future")
	}
	return nil
}

// ManualExit looks up an active position by its externally supplied
// tradeId and drives the exit state machine with a synthetic manual exit
// condition. It reports false if no active position has that tradeId.
func (e *Engine) ManualExit(tradeID, reason string) bool {
	p := e.registry.FindByTradeID(tradeID)
	if p == nil {
		return false
	}

	var trigger *exitTrigger
	removed, didRemove := e.registry.Evaluate(p.ID, func(p *models.MonitoredPosition) bool {
		price := p.CurrentPrice
		if price.IsZero() {
			price = p.EntryPrice
		}
		trigger = &exitTrigger{kind: models.ExitManual, price: price}
		return true
	})
	if !didRemove {
		return false
	}

	e.logger.Info("manual exit requested", zap.String("tradeId", tradeID), zap.String("reason", reason))
	e.driveExit(removed, *trigger)
	return true
}

// GetStatus returns the operator-facing snapshot of the whole engine.
func (e *Engine) GetStatus() models.EngineStatus {
	e.runMu.Lock()
	running := e.running
	e.runMu.Unlock()

	now := time.Now()
	positions := e.registry.SnapshotClones()
	out := make([]models.StatusPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, models.StatusPosition{
			TradeID:               p.TradeID,
			TokenSymbol:           p.TokenSymbol,
			CurrentPrice:          p.CurrentPrice,
			EntryPrice:            p.EntryPrice,
			TP1:                   p.TP1,
			TP2:                   p.TP2,
			SL:                    p.SL,
			TrailingStopPrice:     p.TrailingStopPrice,
			HighestFavorablePrice: p.HighestFavorablePrice,
			TimeRemaining:         p.MaxExitTime.Sub(now),
			PriceCheckCount:       p.PriceCheckCount,
		})
	}

	return models.EngineStatus{
		IsRunning:      running,
		MonitoredCount: len(out),
		PriceTickMs:    e.cfg.PriceTickMs,
		SyncTickMs:     e.cfg.SyncTickMs,
		Positions:      out,
	}
}

// GetActive returns the live registry contents.
func (e *Engine) GetActive() []*models.MonitoredPosition {
	return e.registry.SnapshotClones()
}

// GetHistory delegates to the durable store's terminal-record query.
func (e *Engine) GetHistory(filter models.HistoryFilter) ([]*models.MonitoredPosition, error) {
	return e.store.GetHistory(filter)
}

// GetPositionStatus returns a single active position by tradeId, or nil.
func (e *Engine) GetPositionStatus(tradeID string) *models.MonitoredPosition {
	p := e.registry.FindByTradeID(tradeID)
	if p == nil {
		return nil
	}
	var clone *models.MonitoredPosition
	e.registry.Peek(p.ID, func(p *models.MonitoredPosition) {
		clone = p.Clone()
	})
	return clone
}
