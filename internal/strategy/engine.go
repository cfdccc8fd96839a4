// Package strategy turns price history into trading decisions and drives the
// position lifecycle of one ledger. Both A/B variants are the same Engine with
// different Params.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ab-paper-bot-go/internal/ledger"
	"ab-paper-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrTradingHalted     = errors.New("balance below trading floor")
	ErrDuplicatePosition = errors.New("position already active")
	ErrCooldown          = errors.New("symbol locked after recent close")
	ErrAmountTooSmall    = errors.New("sized amount rounds to zero")
	ErrNoSide            = errors.New("signal has no side")
)

// Recorder receives engine events for metrics. Implementations must be cheap and non-blocking.
type Recorder interface {
	SignalGenerated(slot string, signal models.SignalType)
	PositionOpened(slot, symbol string, side models.Side)
	PositionClosed(slot, reason string, pnl float64)
}

type nopRecorder struct{}

func (nopRecorder) SignalGenerated(string, models.SignalType)  {}
func (nopRecorder) PositionOpened(string, string, models.Side) {}
func (nopRecorder) PositionClosed(string, string, float64)     {}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// Engine owns one ledger exclusively.
type Engine struct {
	params   Params
	ledger   *ledger.Ledger
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu             sync.Mutex
	riskMultiplier float64
	active         map[string]struct{}
	cooldownUntil  map[string]time.Time
}

// NewEngine binds params to l and builds the active-trade index from the ledger's open positions.
func NewEngine(params Params, l *ledger.Ledger, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		params:         params,
		ledger:         l,
		logger:         logger.With(zap.String("strategy", params.Name), zap.String("ledger", l.Slot())),
		recorder:       nopRecorder{},
		now:            time.Now,
		riskMultiplier: 1,
		active:         make(map[string]struct{}),
		cooldownUntil:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Resync()
	return e
}

// Name returns the variant name.
func (e *Engine) Name() string { return e.params.Name }

// Params returns the variant configuration.
func (e *Engine) Params() Params { return e.params }

// Ledger gives uniform access to the bound ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// SetRiskMultiplier sets the factor applied to signal strength and stake sizing.
func (e *Engine) SetRiskMultiplier(m float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m <= 0 {
		m = 1
	}
	e.riskMultiplier = m
	e.logger.Info("risk multiplier updated", zap.Float64("multiplier", m))
}

// RiskMultiplier returns the current multiplier.
func (e *Engine) RiskMultiplier() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.riskMultiplier
}

// Resync rebuilds the active-trade index from the ledger, after a restore or promotion.
func (e *Engine) Resync() {
	positions := e.ledger.Positions()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[string]struct{}, len(positions))
	for symbol := range positions {
		e.active[symbol] = struct{}{}
	}
	e.cooldownUntil = make(map[string]time.Time)
}

// ActiveSymbols returns the sorted symbols of the active-trade index.
func (e *Engine) ActiveSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.active))
	for s := range e.active {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CanTrade reports whether the ledger balance is at or above the floor.
func (e *Engine) CanTrade() bool {
	return e.ledger.Balance() >= e.params.BalanceFloor
}

// SizeAmount converts a confidence into a base-asset amount:
// clamp(confidence*multiplier, MinRisk, MaxRisk) * balance / price, floored to the lot step and raised to the minimum lot.
func (e *Engine) SizeAmount(confidence, price float64) float64 {
	p := e.params
	if !(price > 0) {
		return 0
	}
	stake := confidence * e.RiskMultiplier()
	if stake < p.MinRiskPct {
		stake = p.MinRiskPct
	}
	if stake > p.MaxRiskPct {
		stake = p.MaxRiskPct
	}
	amount := decimal.NewFromFloat(stake).
		Mul(decimal.NewFromFloat(e.ledger.Balance())).
		Div(decimal.NewFromFloat(price))
	if p.LotStep > 0 {
		step := decimal.NewFromFloat(p.LotStep)
		amount = amount.Div(step).Floor().Mul(step)
	}
	if minLot := decimal.NewFromFloat(p.MinLot); amount.LessThan(minLot) {
		amount = minLot
	}
	return amount.InexactFloat64()
}

// ExitLevels returns take-profit and stop-loss prices for an entry. The total fee rate is folded into both levels.
func (e *Engine) ExitLevels(entry float64, side models.Side) (tp, sl float64) {
	p := e.params
	fee := e.ledger.FeeRate()
	if side == models.SideLong {
		return entry * (1 + p.TakeProfitPct - fee), entry * (1 - p.StopLossPct - fee)
	}
	return entry * (1 - p.TakeProfitPct + fee), entry * (1 + p.StopLossPct + fee)
}

// OpenPosition sizes and opens a position after the strategy-level guards.
func (e *Engine) OpenPosition(symbol string, price, confidence float64, side models.Side, entry *models.EntryContext) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrNoSide, side)
	}
	if !e.CanTrade() {
		e.logger.Warn("open refused, trading halted", zap.String("symbol", symbol), zap.Float64("balance", e.ledger.Balance()))
		return ErrTradingHalted
	}

	e.mu.Lock()
	if _, dup := e.active[symbol]; dup {
		e.mu.Unlock()
		e.logger.Debug("open skipped, already active", zap.String("symbol", symbol))
		return ErrDuplicatePosition
	}
	if until, locked := e.cooldownUntil[symbol]; locked && e.now().Before(until) {
		e.mu.Unlock()
		e.logger.Debug("open skipped, cooldown", zap.String("symbol", symbol), zap.Time("until", until))
		return ErrCooldown
	}
	e.mu.Unlock()

	amount := e.SizeAmount(confidence, price)
	if !(amount > 0) {
		return ErrAmountTooSmall
	}
	tp, sl := e.ExitLevels(price, side)
	err := e.ledger.OpenPosition(symbol, price, amount, side, ledger.OpenOptions{
		TakeProfit:   tp,
		StopLoss:     sl,
		TrailingPct:  e.params.TrailingPct,
		TrailingStop: e.params.TrailingPct * price,
		Entry:        entry,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.active[symbol] = struct{}{}
	e.mu.Unlock()
	e.recorder.PositionOpened(e.ledger.Slot(), symbol, side)
	return nil
}

// ClosePosition closes through the ledger and starts the symbol's re-entry cooldown.
func (e *Engine) ClosePosition(symbol string, price float64, reason string) (*models.Trade, bool) {
	trade, ok := e.ledger.ClosePosition(symbol, price, reason)

	e.mu.Lock()
	delete(e.active, symbol)
	if ok && e.params.Cooldown > 0 {
		e.cooldownUntil[symbol] = e.now().Add(e.params.Cooldown)
	}
	e.mu.Unlock()

	if ok {
		e.recorder.PositionClosed(e.ledger.Slot(), reason, trade.PnL)
	}
	return trade, ok
}

// exitReason reports which threshold price breaches, if any. The trailing stop
// arms once the extremum has moved past the entry in the position's favour.
func exitReason(pos models.Position, price float64) (string, bool) {
	if pos.Side == models.SideLong {
		switch {
		case pos.TrailingExtremum > pos.EntryPrice && price <= pos.TrailingExtremum-pos.TrailingStop:
			return ledger.ReasonTrailingStop, true
		case pos.TakeProfit > 0 && price >= pos.TakeProfit:
			return ledger.ReasonTakeProfit, true
		case pos.StopLoss > 0 && price <= pos.StopLoss:
			return ledger.ReasonStopLoss, true
		}
		return "", false
	}
	switch {
	case pos.TrailingExtremum < pos.EntryPrice && price >= pos.TrailingExtremum+pos.TrailingStop:
		return ledger.ReasonTrailingStop, true
	case pos.TakeProfit > 0 && price <= pos.TakeProfit:
		return ledger.ReasonTakeProfit, true
	case pos.StopLoss > 0 && price >= pos.StopLoss:
		return ledger.ReasonStopLoss, true
	}
	return "", false
}

// OnTick updates the trailing extremum of every active trade priced in snapshot
// and closes those that breach trailing stop, take-profit or stop-loss.
func (e *Engine) OnTick(snapshot map[string]float64) []models.Trade {
	var closed []models.Trade
	for _, symbol := range e.ActiveSymbols() {
		price, ok := snapshot[symbol]
		if !ok || !(price > 0) {
			continue
		}
		pos, ok := e.ledger.UpdateExtremum(symbol, price)
		if !ok {
			// ledger and index disagree, the ledger wins
			e.mu.Lock()
			delete(e.active, symbol)
			e.mu.Unlock()
			continue
		}
		reason, hit := exitReason(pos, price)
		if !hit {
			continue
		}
		if trade, ok := e.ClosePosition(symbol, price, reason); ok {
			closed = append(closed, *trade)
		}
	}
	return closed
}

// StepResult describes what one Step did.
type StepResult struct {
	Signal *Signal
	Opened bool
	Closed []models.Trade
}

// Step runs one symbol through exit checks and entry evaluation. An open
// position is closed by an opposite signal but never flipped in the same step.
func (e *Engine) Step(snapshot map[string]float64, symbol string, history []models.Bar) StepResult {
	var res StepResult
	price, ok := snapshot[symbol]
	if !ok || !(price > 0) {
		return res
	}

	res.Closed = e.OnTick(map[string]float64{symbol: price})
	if len(res.Closed) > 0 {
		return res
	}

	res.Signal = e.GenerateSignal(snapshot, symbol, history)
	if res.Signal == nil {
		return res
	}
	side, actionable := res.Signal.Type.Side()
	if !actionable {
		return res
	}

	if pos, open := e.ledger.Position(symbol); open {
		if pos.Side != side {
			if trade, ok := e.ClosePosition(symbol, price, ledger.ReasonSignal); ok {
				res.Closed = append(res.Closed, *trade)
			}
		}
		return res
	}

	entry := res.Signal.Indicators
	err := e.OpenPosition(symbol, price, res.Signal.Confidence, side, &entry)
	switch {
	case err == nil:
		res.Opened = true
	case errors.Is(err, ErrDuplicatePosition), errors.Is(err, ErrCooldown), errors.Is(err, ErrTradingHalted):
	default:
		e.logger.Warn("open failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return res
}

// GetPnL returns realized PnL from the ledger and, when snapshot is non-nil, the
// mark-to-market of open positions priced in it.
func (e *Engine) GetPnL(snapshot map[string]float64) models.PnL {
	return e.ledger.PnLSummary(snapshot)
}
