package strategy

import "time"

// Params is the configuration record that distinguishes strategy variants.
// The engine logic is shared; only these numbers differ.
type Params struct {
	Name string

	MinBars   int // 少于该数量的K线时不产生信号
	EMAFast   int
	EMASlow   int
	ADXPeriod int
	ATRPeriod int
	RSIPeriod int

	MinADX        float64 // 趋势强度下限, 低于则强制 hold
	MinATRRatio   float64 // ATR/价格 下限, 低于则强制 hold
	MinConfidence float64

	MinRiskPct float64 // 单笔仓位占余额比例的下限
	MaxRiskPct float64 // 单笔仓位占余额比例的上限, 也是置信度上限

	TakeProfitPct float64
	StopLossPct   float64
	TrailingPct   float64

	RSILongMax  float64 // 做多要求 RSI 低于该值, 0 表示不过滤
	RSIShortMin float64 // 做空要求 RSI 高于该值, 0 表示不过滤

	BalanceFloor float64       // 余额低于该值时停止开仓
	LotStep      float64       // 数量步长
	MinLot       float64       // 最小下单数量
	Cooldown     time.Duration // 平仓后同一交易对的重新开仓锁定时间
}

// Conservative is the baseline variant: higher trend and volatility bar, smaller positions.
func Conservative() Params {
	return Params{
		Name:          "conservative",
		MinBars:       30,
		EMAFast:       5,
		EMASlow:       20,
		ADXPeriod:     14,
		ATRPeriod:     14,
		RSIPeriod:     14,
		MinADX:        25,
		MinATRRatio:   0.0015,
		MinConfidence: 0.012,
		MinRiskPct:    0.01,
		MaxRiskPct:    0.03,
		TakeProfitPct: 0.012,
		StopLossPct:   0.006,
		TrailingPct:   0.002,
		RSILongMax:    65,
		RSIShortMin:   40,
		BalanceFloor:  50,
		LotStep:       0.00001,
		MinLot:        0.00001,
		Cooldown:      3 * time.Minute,
	}
}

// Aggressive is the experimental variant.
func Aggressive() Params {
	return Params{
		Name:          "aggressive",
		MinBars:       30,
		EMAFast:       5,
		EMASlow:       14,
		ADXPeriod:     14,
		ATRPeriod:     14,
		RSIPeriod:     14,
		MinADX:        18,
		MinATRRatio:   0.0008,
		MinConfidence: 0.015,
		MinRiskPct:    0.02,
		MaxRiskPct:    0.06,
		TakeProfitPct: 0.018,
		StopLossPct:   0.009,
		TrailingPct:   0.003,
		BalanceFloor:  50,
		LotStep:       0.00001,
		MinLot:        0.00001,
		Cooldown:      time.Minute,
	}
}
