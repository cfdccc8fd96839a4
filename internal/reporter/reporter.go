package reporter

import (
	"ab-paper-bot-go/internal/models"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储从账本计算出的绩效指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64 // 平均盈亏比
	MaxDrawdown      float64 // 已实现权益曲线的最大回撤 (%)
	TotalFees        float64
	OpenPositions    int
}

// Summarize 根据账本记录计算绩效指标
func Summarize(rec *models.LedgerRecord) Metrics {
	m := Metrics{}
	if rec == nil {
		return m
	}

	m.InitialBalance = rec.StartingBalance
	m.FinalBalance = rec.StartingBalance + rec.RealizedPnL
	m.TotalProfit = rec.RealizedPnL
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.TotalTrades = len(rec.Trades)
	m.OpenPositions = len(rec.Positions)

	var totalProfit, totalLoss float64
	equityCurve := make([]float64, 0, len(rec.Trades)+1)
	equity := rec.StartingBalance
	equityCurve = append(equityCurve, equity)
	for _, trade := range rec.Trades {
		switch {
		case trade.PnL > 0:
			m.WinningTrades++
			totalProfit += trade.PnL
		case trade.PnL < 0:
			m.LosingTrades++
			totalLoss += trade.PnL
		}
		m.TotalFees += trade.CommissionOpen + trade.CommissionClose
		equity += trade.PnL
		equityCurve = append(equityCurve, equity)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// SlotView 是报告中单个策略槽位的输入
type SlotView struct {
	Label    string // baseline / experiment
	Strategy string
	PnL      models.PnL
	Record   *models.LedgerRecord

	TodayTrades, TodayWins, TodayLosses int // 本地日期当天平仓的交易
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

func signed(v float64) string {
	return fmt.Sprintf("%+.4f", v)
}

// HourlyText 生成每小时A/B对比报告
func HourlyText(entry models.ABHistoryEntry) string {
	t := newTable()
	t.SetTitle(fmt.Sprintf("A/B hourly %s", entry.Timestamp.Format("2006-01-02 15:04")))
	t.AppendHeader(table.Row{"slot", "realized", "unrealized", "total"})
	t.AppendRow(table.Row{"baseline", signed(entry.BaselineRealizedPnL), signed(entry.BaselineUnrealizedPnL),
		signed(entry.BaselineRealizedPnL + entry.BaselineUnrealizedPnL)})
	t.AppendRow(table.Row{"experiment", signed(entry.ExperimentRealizedPnL), signed(entry.ExperimentUnrealizedPnL),
		signed(entry.ExperimentRealizedPnL + entry.ExperimentUnrealizedPnL)})
	return t.Render()
}

// DailyText 生成每日评估报告, 包括晋升结论和两边的绩效指标
func DailyText(entry models.ABHistoryEntry, baseline, experiment Metrics) string {
	var b strings.Builder

	verdict := "rollback: experiment reset"
	if entry.Promoted != nil && *entry.Promoted {
		verdict = "PROMOTED: experiment replaces baseline"
	}
	risk := "n/a"
	if entry.ExperimentRisk != nil {
		risk = fmt.Sprintf("%d", *entry.ExperimentRisk)
	}
	fmt.Fprintf(&b, "A/B daily %s | %s | risk level %s\n", entry.Date, verdict, risk)

	t := newTable()
	t.AppendHeader(table.Row{"slot", "realized", "trades", "win rate", "avg P/L", "max DD", "fees"})
	for _, row := range []struct {
		label    string
		realized float64
		m        Metrics
	}{
		{"baseline", entry.BaselineRealizedPnL, baseline},
		{"experiment", entry.ExperimentRealizedPnL, experiment},
	} {
		t.AppendRow(table.Row{row.label, signed(row.realized), row.m.TotalTrades,
			fmt.Sprintf("%.1f%%", row.m.WinRate), fmt.Sprintf("%.2f", row.m.AvgProfitLoss),
			fmt.Sprintf("%.2f%%", row.m.MaxDrawdown), fmt.Sprintf("%.4f", row.m.TotalFees)})
	}
	b.WriteString(t.Render())
	return b.String()
}

// HeartbeatInput 汇总心跳报告需要的全部数据
type HeartbeatInput struct {
	Now        time.Time
	RiskLevel  int
	FeedAlive  bool
	Slots      []SlotView
	Snapshot   map[string]float64
	HistoryLen map[string]int
	MinBars    int
}

// HeartbeatText 生成定期心跳: 两个策略的盈亏和持仓, 以及行情历史长度
func HeartbeatText(in HeartbeatInput) string {
	var b strings.Builder
	feed := "alive"
	if !in.FeedAlive {
		feed = "DEAD"
	}
	fmt.Fprintf(&b, "heartbeat %s | risk level %d | feed %s\n", in.Now.Format("2006-01-02 15:04:05"), in.RiskLevel, feed)

	for _, slot := range in.Slots {
		fmt.Fprintf(&b, "\n[%s] %s realized %s unrealized %s | today %d trades (%dW/%dL)\n", slot.Label, slot.Strategy,
			signed(slot.PnL.Realized), signed(slot.PnL.Unrealized), slot.TodayTrades, slot.TodayWins, slot.TodayLosses)
		if slot.Record == nil || len(slot.Record.Positions) == 0 {
			b.WriteString("no open positions\n")
			continue
		}
		t := newTable()
		t.AppendHeader(table.Row{"symbol", "side", "entry", "now", "amount", "pnl"})
		for _, symbol := range sortedKeys(slot.Record.Positions) {
			pos := slot.Record.Positions[symbol]
			now, pnl := "n/a", "n/a"
			if price, ok := in.Snapshot[symbol]; ok {
				now = fmt.Sprintf("%.4f", price)
				delta := price - pos.EntryPrice
				if pos.Side == models.SideShort {
					delta = -delta
				}
				pnl = signed(delta * pos.Amount)
			}
			t.AppendRow(table.Row{symbol, pos.Side, fmt.Sprintf("%.4f", pos.EntryPrice), now, fmt.Sprintf("%.5f", pos.Amount), pnl})
		}
		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	if len(in.HistoryLen) > 0 {
		t := newTable()
		t.AppendHeader(table.Row{"symbol", "bars", "status"})
		for _, symbol := range sortedKeys(in.HistoryLen) {
			n := in.HistoryLen[symbol]
			status := "ok"
			if n < in.MinBars {
				status = "warming up"
			}
			t.AppendRow(table.Row{symbol, n, status})
		}
		b.WriteString("\n")
		b.WriteString(t.Render())
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
