// Package indicators holds the pure technical-indicator functions consumed by the strategy engine.
//
// Every function returns (value, ok). ok is false when the input is too short for the
// indicator to be defined; callers treat that as "not enough data", never as an error.
package indicators

import (
	"math"

	"ab-paper-bot-go/internal/models"
)

// EMA returns the exponential moving average of series, seeded with the first value.
// Requires len(series) >= period.
func EMA(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	k := 2.0 / float64(period+1)
	ema := series[0]
	for _, v := range series[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// RSI averages the gains and losses of the last period changes (simple, not Wilder).
// Requires len(series) >= period+1.
func RSI(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period+1 {
		return 0, false
	}
	var gains, losses float64
	tail := series[len(series)-period-1:]
	for i := 1; i < len(tail); i++ {
		diff := tail[i] - tail[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	if avgGain == 0 {
		return 0, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

func sameLength(highs, lows, closes []float64) bool {
	return len(highs) == len(lows) && len(lows) == len(closes)
}

// ATR is Wilder's average true range. Requires period+1 bars.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || !sameLength(highs, lows, closes) || n < period+1 {
		return 0, false
	}
	var atr float64
	for i := 1; i <= period; i++ {
		atr += trueRange(highs[i], lows[i], closes[i-1])
	}
	atr /= float64(period)
	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + trueRange(highs[i], lows[i], closes[i-1])) / float64(period)
	}
	return atr, true
}

// ADX is Wilder's average directional index. Requires 2*period bars so that
// period DX values exist before the first average.
func ADX(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || !sameLength(highs, lows, closes) || n < 2*period {
		return 0, false
	}

	p := float64(period)
	var sTR, sPlus, sMinus float64
	dx := func() float64 {
		if sTR == 0 {
			return 0
		}
		plusDI := 100 * sPlus / sTR
		minusDI := 100 * sMinus / sTR
		if plusDI+minusDI == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}
	directional := func(i int) (float64, float64) {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		var plus, minus float64
		if up > down && up > 0 {
			plus = up
		}
		if down > up && down > 0 {
			minus = down
		}
		return plus, minus
	}

	for i := 1; i <= period; i++ {
		plus, minus := directional(i)
		sTR += trueRange(highs[i], lows[i], closes[i-1])
		sPlus += plus
		sMinus += minus
	}

	dxs := []float64{dx()}
	for i := period + 1; i < n; i++ {
		plus, minus := directional(i)
		sTR = sTR - sTR/p + trueRange(highs[i], lows[i], closes[i-1])
		sPlus = sPlus - sPlus/p + plus
		sMinus = sMinus - sMinus/p + minus
		dxs = append(dxs, dx())
	}

	var adx float64
	for _, v := range dxs[:period] {
		adx += v
	}
	adx /= p
	for _, v := range dxs[period:] {
		adx = (adx*(p-1) + v) / p
	}
	return adx, true
}

// Gap is the last change of the series.
func Gap(series []float64) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	return series[len(series)-1] - series[len(series)-2], true
}

// Volatility is the mean absolute change between consecutive values.
func Volatility(series []float64) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	var sum float64
	for i := 1; i < len(series); i++ {
		sum += math.Abs(series[i] - series[i-1])
	}
	return sum / float64(len(series)-1), true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Closes extracts close prices in bar order.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts high prices in bar order.
func Highs(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts low prices in bar order.
func Lows(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}
