// Package ledger owns one strategy's simulated portfolio: open positions, the
// closed-trade log and the running realized PnL. Every mutation is written
// through to the Store before the call returns.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ab-paper-bot-go/internal/models"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidInput is returned by OpenPosition for non-finite or non-positive
// prices and amounts and for unknown sides.
var ErrInvalidInput = errors.New("invalid position input")

// invariantTolerance absorbs float rounding when comparing realized PnL against the trade log.
const invariantTolerance = 1e-9

// Close reasons recorded on trades.
const (
	ReasonSignal       = "signal"
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonReplaced     = "replaced"
)

// Store is the persistence dependency of a Ledger.
type Store interface {
	SaveLedger(slot string, rec *models.LedgerRecord) error
}

// OpenOptions carries the optional exit levels and provenance of a new position.
type OpenOptions struct {
	TakeProfit   float64
	StopLoss     float64
	TrailingPct  float64
	TrailingStop float64
	Entry        *models.EntryContext
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPersistErrorHook registers a callback invoked after every failed write.
func WithPersistErrorHook(hook func(slot string, err error)) Option {
	return func(l *Ledger) { l.onPersistErr = hook }
}

// Ledger is safe for concurrent use; the tick loop mutates it while the heartbeat reads it.
type Ledger struct {
	mu sync.RWMutex

	slot            string
	startingBalance float64
	feeRate         float64

	positions map[string]*models.Position
	trades    []models.Trade
	realized  float64
	seq       uint64

	store        Store
	logger       *zap.Logger
	now          func() time.Time
	onPersistErr func(slot string, err error)
}

// New creates an empty ledger for slot. store may be nil for an unpersisted ledger.
func New(slot string, startingBalance, feeRate float64, store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		slot:            slot,
		startingBalance: startingBalance,
		feeRate:         feeRate,
		positions:       make(map[string]*models.Position),
		store:           store,
		logger:          logger.With(zap.String("ledger", slot)),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Slot returns the storage slot name.
func (l *Ledger) Slot() string { return l.slot }

// FeeRate returns the fee+spread rate charged once at open and once at close.
func (l *Ledger) FeeRate() float64 { return l.feeRate }

// StartingBalance returns the constant starting balance.
func (l *Ledger) StartingBalance() float64 { return l.startingBalance }

func validPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// OpenPosition inserts a new position. An existing position on the same symbol
// is closed at price first and its PnL recorded.
func (l *Ledger) OpenPosition(symbol string, price, amount float64, side models.Side, opts OpenOptions) error {
	if symbol == "" || !validPrice(price) || !validPrice(amount) || !side.Valid() {
		l.logger.Warn("rejected open",
			zap.String("symbol", symbol), zap.Float64("price", price),
			zap.Float64("amount", amount), zap.String("side", string(side)))
		return fmt.Errorf("%w: symbol=%q price=%v amount=%v side=%q", ErrInvalidInput, symbol, price, amount, side)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[symbol]; exists {
		l.closeLocked(symbol, price, ReasonReplaced)
	}

	l.positions[symbol] = &models.Position{
		Symbol:           symbol,
		EntryPrice:       price,
		Amount:           amount,
		Side:             side,
		TakeProfit:       opts.TakeProfit,
		StopLoss:         opts.StopLoss,
		TrailingPct:      opts.TrailingPct,
		TrailingStop:     opts.TrailingStop,
		TrailingExtremum: price,
		OpenTime:         l.now(),
		Entry:            opts.Entry,
	}
	l.logger.Info("position opened",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.Float64("price", price), zap.Float64("amount", amount),
		zap.Float64("tp", opts.TakeProfit), zap.Float64("sl", opts.StopLoss))
	l.persistLocked()
	return nil
}

// ClosePosition closes the symbol's position at price and records the trade.
// A missing position is a logged no-op.
func (l *Ledger) ClosePosition(symbol string, price float64, reason string) (*models.Trade, bool) {
	if !validPrice(price) {
		l.logger.Warn("rejected close", zap.String("symbol", symbol), zap.Float64("price", price))
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	trade, ok := l.closeLocked(symbol, price, reason)
	if !ok {
		return nil, false
	}
	l.persistLocked()
	return trade, true
}

func (l *Ledger) closeLocked(symbol string, price float64, reason string) (*models.Trade, bool) {
	pos, ok := l.positions[symbol]
	if !ok {
		l.logger.Debug("close skipped, no open position", zap.String("symbol", symbol))
		return nil, false
	}

	pnl, commOpen, commClose := TradePnL(pos.Side, pos.EntryPrice, price, pos.Amount, l.feeRate)
	closeTime := l.now()
	l.seq++
	trade := models.Trade{
		ID:              l.tradeID(closeTime),
		Symbol:          symbol,
		EntryPrice:      pos.EntryPrice,
		ClosePrice:      price,
		Amount:          pos.Amount,
		Side:            pos.Side,
		PnL:             pnl,
		OpenTime:        pos.OpenTime,
		CloseTime:       closeTime,
		CommissionOpen:  commOpen,
		CommissionClose: commClose,
		Reason:          reason,
		Entry:           pos.Entry,
	}

	delete(l.positions, symbol)
	l.trades = append(l.trades, trade)
	l.realized = addPnL(l.realized, pnl)

	l.logger.Info("position closed",
		zap.String("id", trade.ID), zap.String("symbol", symbol), zap.String("reason", reason),
		zap.Float64("entry", trade.EntryPrice), zap.Float64("close", price), zap.Float64("pnl", pnl))
	return &trade, true
}

// tradeID is base62(close nanos) + base62(per-ledger sequence).
func (l *Ledger) tradeID(t time.Time) string {
	id := base62.FormatInt(t.UnixNano())
	id = append(id, '-')
	id = base62.AppendUint(id, l.seq)
	return string(id)
}

// RemovePosition drops the symbol's position without recording PnL. It is
// reserved for forced cleanup.
func (l *Ledger) RemovePosition(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[symbol]; !ok {
		l.logger.Debug("remove skipped, no open position", zap.String("symbol", symbol))
		return false
	}
	delete(l.positions, symbol)
	l.logger.Warn("position removed without pnl", zap.String("symbol", symbol))
	l.persistLocked()
	return true
}

// UpdateExtremum moves the trailing extremum when price is more favourable and
// rescales the trailing distance to trailingPct of the new extremum. It returns
// a copy of the position after the update.
func (l *Ledger) UpdateExtremum(symbol string, price float64) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	improved := (pos.Side == models.SideLong && price > pos.TrailingExtremum) ||
		(pos.Side == models.SideShort && price < pos.TrailingExtremum)
	if improved {
		pos.TrailingExtremum = price
		if pos.TrailingPct > 0 {
			pos.TrailingStop = pos.TrailingPct * price
		}
		l.persistLocked()
	}
	return *pos, true
}

// TradePnL computes the fee-adjusted PnL of a round trip. The fee is charged on
// notional at open and again at close.
func TradePnL(side models.Side, entry, exit, amount, feeRate float64) (pnl, commOpen, commClose float64) {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	a := decimal.NewFromFloat(amount)
	f := decimal.NewFromFloat(feeRate)

	delta := x.Sub(e)
	if side == models.SideShort {
		delta = e.Sub(x)
	}
	open := e.Mul(a).Mul(f)
	closing := x.Mul(a).Mul(f)
	gross := delta.Mul(a)

	return gross.Sub(open).Sub(closing).InexactFloat64(), open.InexactFloat64(), closing.InexactFloat64()
}

// markToMarket is the directional PnL without fees.
func markToMarket(pos *models.Position, price float64) float64 {
	delta := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(pos.EntryPrice))
	if pos.Side == models.SideShort {
		delta = delta.Neg()
	}
	return delta.Mul(decimal.NewFromFloat(pos.Amount)).InexactFloat64()
}

func addPnL(total, pnl float64) float64 {
	return decimal.NewFromFloat(total).Add(decimal.NewFromFloat(pnl)).InexactFloat64()
}

// UnrealizedPnL returns the mark-to-market PnL of the symbol's position, or false when none is open.
func (l *Ledger) UnrealizedPnL(symbol string, price float64) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return 0, false
	}
	return markToMarket(pos, price), true
}

// PnLSummary returns realized PnL and the unrealized PnL of every position whose symbol is in snapshot.
func (l *Ledger) PnLSummary(snapshot map[string]float64) models.PnL {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := models.PnL{Realized: l.realized}
	for symbol, pos := range l.positions {
		if price, ok := snapshot[symbol]; ok {
			out.Unrealized = addPnL(out.Unrealized, markToMarket(pos, price))
		}
	}
	return out
}

// TradesClosedToday counts trades closed on the current local calendar date.
// A zero-PnL trade counts in total only.
func (l *Ledger) TradesClosedToday() (total, wins, losses int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now().Local()
	y, m, d := now.Date()
	for _, t := range l.trades {
		ty, tm, td := t.CloseTime.Local().Date()
		if ty != y || tm != m || td != d {
			continue
		}
		total++
		switch {
		case t.PnL > 0:
			wins++
		case t.PnL < 0:
			losses++
		}
	}
	return total, wins, losses
}

// Balance is starting balance plus realized PnL. Unrealized PnL is not included.
func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return addPnL(l.startingBalance, l.realized)
}

// RealizedPnL returns the running realized PnL.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Position returns a copy of the symbol's open position.
func (l *Ledger) Position(symbol string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions keyed by symbol.
func (l *Ledger) Positions() map[string]models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]models.Position, len(l.positions))
	for s, p := range l.positions {
		out[s] = *p
	}
	return out
}

// Trades returns a copy of the trade log in close order.
func (l *Ledger) Trades() []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.Trade(nil), l.trades...)
}

// Snapshot returns a deep copy of the ledger in its persisted form.
func (l *Ledger) Snapshot() *models.LedgerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() *models.LedgerRecord {
	rec := &models.LedgerRecord{
		StartingBalance: l.startingBalance,
		Balance:         addPnL(l.startingBalance, l.realized),
		Positions:       make(map[string]*models.Position, len(l.positions)),
		Trades:          append(make([]models.Trade, 0, len(l.trades)), l.trades...),
		RealizedPnL:     l.realized,
	}
	for s, p := range l.positions {
		cp := *p
		if p.Entry != nil {
			entry := *p.Entry
			cp.Entry = &entry
		}
		rec.Positions[s] = &cp
	}
	return rec
}

// Restore replaces the whole state with rec and persists it. A realized PnL that
// disagrees with the trade log is rebuilt from the trades.
func (l *Ledger) Restore(rec *models.LedgerRecord) {
	l.restore(rec, true)
}

// Load restores the state without writing it back, used at startup.
func (l *Ledger) Load(rec *models.LedgerRecord) {
	l.restore(rec, false)
}

func (l *Ledger) restore(rec *models.LedgerRecord, persist bool) {
	if rec == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*models.Position, len(rec.Positions))
	for s, p := range rec.Positions {
		if p == nil {
			continue
		}
		cp := *p
		if p.Entry != nil {
			entry := *p.Entry
			cp.Entry = &entry
		}
		if cp.Symbol == "" {
			cp.Symbol = s
		}
		l.positions[s] = &cp
	}
	l.trades = append(make([]models.Trade, 0, len(rec.Trades)), rec.Trades...)
	l.seq = uint64(len(l.trades))

	sum := sumTrades(l.trades)
	l.realized = rec.RealizedPnL
	if math.Abs(sum-rec.RealizedPnL) > invariantTolerance {
		l.logger.Warn("realized pnl disagrees with trade log, rebuilding",
			zap.Float64("stored", rec.RealizedPnL), zap.Float64("trades", sum))
		l.realized = sum
	}
	if persist {
		l.persistLocked()
	}
}

// Reset discards all positions and trades, returning to the starting balance.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*models.Position)
	l.trades = nil
	l.realized = 0
	l.seq = 0
	l.logger.Info("ledger reset", zap.Float64("starting_balance", l.startingBalance))
	l.persistLocked()
}

// CheckInvariants verifies realized PnL against the trade log.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sum := sumTrades(l.trades); math.Abs(sum-l.realized) > invariantTolerance {
		return fmt.Errorf("ledger %s: realized pnl %.10f != trade sum %.10f", l.slot, l.realized, sum)
	}
	for s, p := range l.positions {
		if s != p.Symbol {
			return fmt.Errorf("ledger %s: position keyed %s holds %s", l.slot, s, p.Symbol)
		}
	}
	return nil
}

func sumTrades(trades []models.Trade) float64 {
	var sum float64
	for _, t := range trades {
		sum = addPnL(sum, t.PnL)
	}
	return sum
}

// persistLocked writes the current state. Failures are logged and the in-memory
// state stays authoritative until the next successful write.
func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.SaveLedger(l.slot, l.snapshotLocked()); err != nil {
		l.logger.Error("failed to persist ledger", zap.Error(err))
		if l.onPersistErr != nil {
			l.onPersistErr(l.slot, err)
		}
	}
}
