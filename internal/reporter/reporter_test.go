package reporter

import (
	"testing"
	"time"

	"ab-paper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	rec := &models.LedgerRecord{
		StartingBalance: 100,
		Trades: []models.Trade{
			{PnL: 10, CommissionOpen: 0.1, CommissionClose: 0.1},
			{PnL: -22, CommissionOpen: 0.1, CommissionClose: 0.1},
			{PnL: 0},
			{PnL: 6},
		},
		RealizedPnL: -6,
		Positions:   map[string]*models.Position{"BTCUSDT": {Symbol: "BTCUSDT"}},
	}

	m := Summarize(rec)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 50, m.WinRate, 1e-9)
	assert.InDelta(t, 8.0/22.0, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 94, m.FinalBalance, 1e-9)
	assert.InDelta(t, -6, m.ProfitPercentage, 1e-9)
	assert.InDelta(t, 0.4, m.TotalFees, 1e-9)
	assert.Equal(t, 1, m.OpenPositions)
	// equity 100 -> 110 -> 88: drawdown 22/110
	assert.InDelta(t, 20, m.MaxDrawdown, 1e-9)

	assert.Equal(t, Metrics{}, Summarize(nil))
}

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Zero(t, calculateMaxDrawdown([]float64{100}))
	assert.Zero(t, calculateMaxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.5, calculateMaxDrawdown([]float64{100, 200, 100, 150}), 1e-12)
}

func TestHourlyText(t *testing.T) {
	text := HourlyText(models.ABHistoryEntry{
		Type:                  models.ReportHourly,
		Timestamp:             time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		BaselineRealizedPnL:   1.5,
		ExperimentRealizedPnL: -0.25,
	})
	assert.Contains(t, text, "2025-06-01 09:00")
	assert.Contains(t, text, "+1.5000")
	assert.Contains(t, text, "-0.2500")
}

func TestDailyText(t *testing.T) {
	promoted := true
	risk := 3
	text := DailyText(models.ABHistoryEntry{
		Type: models.ReportDaily, Date: "2025-06-01",
		BaselineRealizedPnL: 10, ExperimentRealizedPnL: 15,
		Promoted: &promoted, ExperimentRisk: &risk,
	}, Metrics{TotalTrades: 2}, Metrics{TotalTrades: 5, WinRate: 60})

	assert.Contains(t, text, "PROMOTED")
	assert.Contains(t, text, "risk level 3")
	assert.Contains(t, text, "60.0%")

	promoted = false
	text = DailyText(models.ABHistoryEntry{Type: models.ReportDaily, Promoted: &promoted}, Metrics{}, Metrics{})
	assert.Contains(t, text, "rollback")
}

func TestHeartbeatText(t *testing.T) {
	text := HeartbeatText(HeartbeatInput{
		Now:       time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
		RiskLevel: 2,
		FeedAlive: true,
		Slots: []SlotView{
			{Label: "baseline", Strategy: "conservative", Record: &models.LedgerRecord{}},
			{Label: "experiment", Strategy: "aggressive", PnL: models.PnL{Unrealized: 1}, TodayTrades: 3, TodayWins: 2, TodayLosses: 1, Record: &models.LedgerRecord{
				Positions: map[string]*models.Position{
					"ETHUSDT": {Symbol: "ETHUSDT", Side: models.SideShort, EntryPrice: 2000, Amount: 0.01},
					"XRPUSDT": {Symbol: "XRPUSDT", Side: models.SideLong, EntryPrice: 0.5, Amount: 10},
				},
			}},
		},
		Snapshot:   map[string]float64{"ETHUSDT": 1900},
		HistoryLen: map[string]int{"BTCUSDT": 300, "ETHUSDT": 12},
		MinBars:    30,
	})

	assert.Contains(t, text, "risk level 2")
	assert.Contains(t, text, "feed alive")
	assert.Contains(t, text, "no open positions")
	assert.Contains(t, text, "+1.0000", "short ETH gained 100 * 0.01")
	assert.Contains(t, text, "n/a", "XRP has no fresh price")
	assert.Contains(t, text, "warming up")
	assert.Contains(t, text, "today 3 trades (2W/1L)")
}
