package strategy

import (
	"math"

	"ab-paper-bot-go/internal/indicators"
	"ab-paper-bot-go/internal/models"
)

// Signal is the result of one entry evaluation.
type Signal struct {
	Type       models.SignalType
	Strength   float64 // confidence scaled by the risk multiplier
	Confidence float64 // in [0, MaxRiskPct]
	Indicators models.EntryContext
}

// GenerateSignal evaluates the entry rule for symbol. It returns nil when the
// history is shorter than MinBars, the price is missing, or an indicator is
// still undefined; nil means "not enough information", which is distinct from hold.
func (e *Engine) GenerateSignal(snapshot map[string]float64, symbol string, history []models.Bar) *Signal {
	p := e.params
	if len(history) < p.MinBars {
		return nil
	}
	price, ok := snapshot[symbol]
	if !ok || !(price > 0) {
		return nil
	}

	closes := indicators.Closes(history)
	highs := indicators.Highs(history)
	lows := indicators.Lows(history)

	fast, ok1 := indicators.EMA(closes, p.EMAFast)
	slow, ok2 := indicators.EMA(closes, p.EMASlow)
	adx, ok3 := indicators.ADX(highs, lows, closes, p.ADXPeriod)
	atr, ok4 := indicators.ATR(highs, lows, closes, p.ATRPeriod)
	rsi, ok5 := indicators.RSI(closes, p.RSIPeriod)
	gap, ok6 := indicators.Gap(closes)
	vol, ok7 := indicators.Volatility(closes)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil
	}

	sig := &Signal{
		Type: models.SignalHold,
		Indicators: models.EntryContext{
			EMAFast: fast, EMASlow: slow, ADX: adx, ATR: atr, RSI: rsi, Gap: gap, Volatility: vol,
		},
	}

	if adx < p.MinADX || atr/price < p.MinATRRatio {
		return e.finish(sig)
	}

	trend := indicators.Clamp(adx/50, 0, 1)
	gapScore := 0.0
	if atr > 0 {
		gapScore = indicators.Clamp(math.Abs(gap)/atr, 0, 1)
	}
	sig.Confidence = indicators.Clamp(p.MaxRiskPct*(0.7*trend+0.3*gapScore), 0, p.MaxRiskPct)
	sig.Indicators.Confidence = sig.Confidence

	if sig.Confidence < p.MinConfidence {
		return e.finish(sig)
	}
	switch {
	case fast > slow && (p.RSILongMax == 0 || rsi < p.RSILongMax):
		sig.Type = models.SignalLong
	case fast < slow && (p.RSIShortMin == 0 || rsi > p.RSIShortMin):
		sig.Type = models.SignalShort
	}
	return e.finish(sig)
}

func (e *Engine) finish(sig *Signal) *Signal {
	sig.Strength = sig.Confidence * e.RiskMultiplier()
	sig.Indicators.Strength = sig.Strength
	e.recorder.SignalGenerated(e.ledger.Slot(), sig.Type)
	return sig
}
