package strategy

import (
	"sync"
	"testing"
	"time"

	"ab-paper-bot-go/internal/ledger"
	"ab-paper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testFee = 0.0012

// trendBars builds n bars whose close moves by step each bar with a fixed high/low spread.
func trendBars(n int, start, step, spread float64) []models.Bar {
	bars := make([]models.Bar, n)
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		c := start + float64(i)*step
		bars[i] = models.Bar{Start: t0.Add(time.Duration(i) * time.Minute), Open: c - step, High: c + spread, Low: c - spread, Close: c, Confirmed: true}
	}
	return bars
}

func lastClose(bars []models.Bar) float64 { return bars[len(bars)-1].Close }

type clock struct {
	sync.Mutex
	t time.Time
}

func (c *clock) now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.Lock()
	c.t = c.t.Add(d)
	c.Unlock()
}

type countingRecorder struct {
	sync.Mutex
	signals map[models.SignalType]int
	opened  int
	closed  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{signals: map[models.SignalType]int{}, closed: map[string]int{}}
}

func (r *countingRecorder) SignalGenerated(slot string, s models.SignalType) {
	r.Lock()
	defer r.Unlock()
	r.signals[s]++
}

func (r *countingRecorder) PositionOpened(slot, symbol string, side models.Side) {
	r.Lock()
	defer r.Unlock()
	r.opened++
}

func (r *countingRecorder) PositionClosed(slot, reason string, pnl float64) {
	r.Lock()
	defer r.Unlock()
	r.closed[reason]++
}

func newEngine(t *testing.T, params Params, balance float64) (*Engine, *clock, *countingRecorder) {
	t.Helper()
	c := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	rec := newCountingRecorder()
	l := ledger.New("experiment", balance, testFee, nil, zap.NewNop(), ledger.WithClock(c.now))
	return NewEngine(params, l, zap.NewNop(), WithClock(c.now), WithRecorder(rec)), c, rec
}

func TestGenerateSignalNeedsMinBars(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)
	bars := trendBars(30, 100, 1, 0.5)
	snap := map[string]float64{"BTCUSDT": lastClose(bars)}

	assert.Nil(t, e.GenerateSignal(snap, "BTCUSDT", bars[:29]))

	sig := e.GenerateSignal(snap, "BTCUSDT", bars)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalLong, sig.Type)
}

func TestGenerateSignalMissingPrice(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)
	bars := trendBars(40, 100, 1, 0.5)
	assert.Nil(t, e.GenerateSignal(map[string]float64{}, "BTCUSDT", bars))
	assert.Nil(t, e.GenerateSignal(map[string]float64{"BTCUSDT": 0}, "BTCUSDT", bars))
}

func TestGenerateSignalDirections(t *testing.T) {
	e, _, rec := newEngine(t, Aggressive(), 300)

	up := trendBars(40, 100, 1, 0.5)
	sig := e.GenerateSignal(map[string]float64{"X": lastClose(up)}, "X", up)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalLong, sig.Type)
	assert.InDelta(t, 100, sig.Indicators.ADX, 1e-9)
	assert.Greater(t, sig.Indicators.EMAFast, sig.Indicators.EMASlow)
	assert.LessOrEqual(t, sig.Confidence, Aggressive().MaxRiskPct)
	assert.GreaterOrEqual(t, sig.Confidence, Aggressive().MinConfidence)

	down := trendBars(40, 200, -1, 0.5)
	sig = e.GenerateSignal(map[string]float64{"X": lastClose(down)}, "X", down)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalShort, sig.Type)

	assert.Equal(t, 1, rec.signals[models.SignalLong])
	assert.Equal(t, 1, rec.signals[models.SignalShort])
}

func TestGenerateSignalHoldBelowFilters(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)

	flat := trendBars(40, 100, 0, 0.5)
	sig := e.GenerateSignal(map[string]float64{"X": 100}, "X", flat)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalHold, sig.Type, "no trend strength")

	quiet := trendBars(40, 100, 0.01, 0.005)
	sig = e.GenerateSignal(map[string]float64{"X": lastClose(quiet)}, "X", quiet)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalHold, sig.Type, "ATR/price below floor")
	assert.Zero(t, sig.Confidence)
}

func TestConservativeRSIFilter(t *testing.T) {
	e, _, _ := newEngine(t, Conservative(), 300)

	up := trendBars(40, 100, 1, 0.5)
	sig := e.GenerateSignal(map[string]float64{"X": lastClose(up)}, "X", up)
	require.NotNil(t, sig)
	assert.Equal(t, 100.0, sig.Indicators.RSI)
	assert.Equal(t, models.SignalHold, sig.Type, "overbought trend is not chased")
}

func TestStrengthScalesWithRiskMultiplier(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)
	up := trendBars(40, 100, 1, 0.5)
	snap := map[string]float64{"X": lastClose(up)}

	base := e.GenerateSignal(snap, "X", up)
	e.SetRiskMultiplier(1.5)
	boosted := e.GenerateSignal(snap, "X", up)

	assert.InDelta(t, base.Confidence, boosted.Confidence, 1e-12)
	assert.InDelta(t, base.Strength*1.5, boosted.Strength, 1e-12)
}

func TestSizeAmount(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)

	assert.InDelta(t, 0.09, e.SizeAmount(0.03, 100), 1e-12)
	assert.InDelta(t, 0.06, e.SizeAmount(0, 100), 1e-12, "raised to MinRiskPct")
	assert.InDelta(t, 0.18, e.SizeAmount(1, 100), 1e-12, "capped at MaxRiskPct")
	assert.InDelta(t, 1.28571, e.SizeAmount(0.03, 7), 1e-12, "floored to the lot step")
	assert.InDelta(t, 0.00001, e.SizeAmount(0.03, 1e9), 1e-15, "raised to the minimum lot")
	assert.Zero(t, e.SizeAmount(0.03, 0))

	e.SetRiskMultiplier(2)
	assert.InDelta(t, 0.15, e.SizeAmount(0.025, 100), 1e-12)
}

func TestExitLevels(t *testing.T) {
	e, _, _ := newEngine(t, Conservative(), 300)

	tp, sl := e.ExitLevels(100, models.SideLong)
	assert.InDelta(t, 101.08, tp, 1e-9)
	assert.InDelta(t, 99.28, sl, 1e-9)

	tp, sl = e.ExitLevels(100, models.SideShort)
	assert.InDelta(t, 98.92, tp, 1e-9)
	assert.InDelta(t, 100.72, sl, 1e-9)
}

func TestOpenPositionGuards(t *testing.T) {
	e, c, _ := newEngine(t, Aggressive(), 300)

	require.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideLong, nil))
	assert.ErrorIs(t, e.OpenPosition("BTCUSDT", 101, 0.03, models.SideLong, nil), ErrDuplicatePosition)
	assert.ErrorIs(t, e.OpenPosition("ETHUSDT", 100, 0.03, models.Side("up"), nil), ErrNoSide)

	pos, ok := e.Ledger().Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.09, pos.Amount, 1e-12)
	assert.InDelta(t, 0.3, pos.TrailingStop, 1e-12)

	_, ok = e.ClosePosition("BTCUSDT", 100.5, ledger.ReasonSignal)
	require.True(t, ok)
	assert.ErrorIs(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideShort, nil), ErrCooldown)

	c.advance(Aggressive().Cooldown + time.Second)
	assert.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideShort, nil))
}

func TestCanTradeFloor(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 40)

	assert.False(t, e.CanTrade())
	assert.ErrorIs(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideLong, nil), ErrTradingHalted)
	assert.Empty(t, e.Ledger().Positions())
}

func TestTrailingStopClosesBeforeSignal(t *testing.T) {
	params := Aggressive()
	params.TakeProfitPct = 0.5
	params.StopLossPct = 0.5
	params.TrailingPct = 0.002
	e, _, rec := newEngine(t, params, 300)

	require.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideLong, nil))
	pos, _ := e.Ledger().Position("BTCUSDT")
	assert.InDelta(t, 0.2, pos.TrailingStop, 1e-12)

	assert.Empty(t, e.OnTick(map[string]float64{"BTCUSDT": 110}))
	pos, _ = e.Ledger().Position("BTCUSDT")
	assert.Equal(t, 110.0, pos.TrailingExtremum)
	assert.InDelta(t, 0.22, pos.TrailingStop, 1e-12)

	assert.Empty(t, e.OnTick(map[string]float64{"BTCUSDT": 109.79}))

	closed := e.OnTick(map[string]float64{"BTCUSDT": 109.75})
	require.Len(t, closed, 1)
	assert.Equal(t, 109.75, closed[0].ClosePrice)
	assert.Equal(t, ledger.ReasonTrailingStop, closed[0].Reason)
	assert.Empty(t, e.ActiveSymbols())
	assert.Equal(t, 1, rec.closed[ledger.ReasonTrailingStop])
}

func TestTrailingStopShort(t *testing.T) {
	params := Aggressive()
	params.TakeProfitPct = 0.5
	params.StopLossPct = 0.5
	e, _, _ := newEngine(t, params, 300)

	require.NoError(t, e.OpenPosition("ETHUSDT", 100, 0.03, models.SideShort, nil))
	assert.Empty(t, e.OnTick(map[string]float64{"ETHUSDT": 100.2}), "not armed before a favourable move")
	assert.Empty(t, e.OnTick(map[string]float64{"ETHUSDT": 90}))

	closed := e.OnTick(map[string]float64{"ETHUSDT": 90.3})
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonTrailingStop, closed[0].Reason)
	assert.Greater(t, closed[0].PnL, 0.0)
}

func TestTakeProfitAndStopLoss(t *testing.T) {
	e, c, _ := newEngine(t, Conservative(), 300)

	require.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideLong, nil))
	closed := e.OnTick(map[string]float64{"BTCUSDT": 101.1})
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonTakeProfit, closed[0].Reason)

	require.NoError(t, e.OpenPosition("ETHUSDT", 100, 0.03, models.SideLong, nil))
	closed = e.OnTick(map[string]float64{"ETHUSDT": 99.2})
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonStopLoss, closed[0].Reason)
	assert.Less(t, closed[0].PnL, 0.0)

	c.advance(time.Hour)
	require.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideShort, nil))
	closed = e.OnTick(map[string]float64{"BTCUSDT": 100.8})
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonStopLoss, closed[0].Reason)
}

func TestStepLifecycle(t *testing.T) {
	e, c, _ := newEngine(t, Aggressive(), 300)
	up := trendBars(40, 100, 1, 0.5)
	down := trendBars(40, 200, -1, 0.5)
	price := lastClose(up)
	snap := map[string]float64{"BTCUSDT": price}

	res := e.Step(snap, "BTCUSDT", up[:10])
	assert.Nil(t, res.Signal)
	assert.False(t, res.Opened)

	res = e.Step(snap, "BTCUSDT", up)
	require.NotNil(t, res.Signal)
	assert.True(t, res.Opened)
	pos, ok := e.Ledger().Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, models.SideLong, pos.Side)
	require.NotNil(t, pos.Entry)
	assert.InDelta(t, res.Signal.Confidence, pos.Entry.Confidence, 1e-12)

	res = e.Step(snap, "BTCUSDT", up)
	assert.False(t, res.Opened, "same-side signal keeps the position")
	assert.Empty(t, res.Closed)

	res = e.Step(snap, "BTCUSDT", down)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, ledger.ReasonSignal, res.Closed[0].Reason)
	assert.False(t, res.Opened, "never flips in one step")
	_, ok = e.Ledger().Position("BTCUSDT")
	assert.False(t, ok)

	res = e.Step(snap, "BTCUSDT", down)
	assert.False(t, res.Opened, "cooldown")

	c.advance(Aggressive().Cooldown)
	res = e.Step(snap, "BTCUSDT", down)
	assert.True(t, res.Opened)
	pos, _ = e.Ledger().Position("BTCUSDT")
	assert.Equal(t, models.SideShort, pos.Side)
	assert.NoError(t, e.Ledger().CheckInvariants())
}

func TestStepSkipsMissingSymbol(t *testing.T) {
	e, _, rec := newEngine(t, Aggressive(), 300)
	res := e.Step(map[string]float64{"ETHUSDT": 1}, "BTCUSDT", trendBars(40, 100, 1, 0.5))
	assert.Nil(t, res.Signal)
	assert.Empty(t, rec.signals)
	assert.Empty(t, e.Ledger().Trades())
}

func TestResyncFromLedger(t *testing.T) {
	l := ledger.New("baseline", 300, testFee, nil, zap.NewNop())
	require.NoError(t, l.OpenPosition("SOLUSDT", 150, 1, models.SideLong, ledger.OpenOptions{}))

	e := NewEngine(Conservative(), l, zap.NewNop())
	assert.Equal(t, []string{"SOLUSDT"}, e.ActiveSymbols())
	assert.ErrorIs(t, e.OpenPosition("SOLUSDT", 150, 0.02, models.SideLong, nil), ErrDuplicatePosition)

	l.Reset()
	e.Resync()
	assert.Empty(t, e.ActiveSymbols())
}

func TestGetPnL(t *testing.T) {
	e, _, _ := newEngine(t, Aggressive(), 300)
	require.NoError(t, e.OpenPosition("BTCUSDT", 100, 0.03, models.SideLong, nil))

	pnl := e.GetPnL(nil)
	assert.Zero(t, pnl.Unrealized)
	assert.Zero(t, pnl.Realized)

	pnl = e.GetPnL(map[string]float64{"BTCUSDT": 101})
	assert.InDelta(t, 0.09, pnl.Unrealized, 1e-12)

	e.ClosePosition("BTCUSDT", 101, ledger.ReasonSignal)
	pnl = e.GetPnL(nil)
	assert.InDelta(t, e.Ledger().RealizedPnL(), pnl.Realized, 1e-12)
}
