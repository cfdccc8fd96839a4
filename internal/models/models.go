package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet       bool      `json:"is_testnet"`       // 是否使用测试网 (仅影响回填K线的REST地址)
	DBPath          string    `json:"db_path"`          // 数据库目录路径
	Symbols         []string  `json:"symbols"`          // 交易对列表，如 ["BTCUSDT", "ETHUSDT"]
	StartingBalance float64   `json:"starting_balance"` // 每个策略账本的初始资金 (USDT)
	FeeRate         float64   `json:"fee_rate"`         // 手续费率
	SpreadRate      float64   `json:"spread_rate"`      // 固定点差，和手续费一起在开平仓时各扣一次
	LogConfig       LogConfig `json:"log"`              // 日志配置

	TradingCycleSec      int `json:"trading_cycle_sec"`      // 策略循环间隔(秒)
	HeartbeatIntervalMin int `json:"heartbeat_interval_min"` // 心跳报告间隔(分钟)
	StaleAfterSec        int `json:"stale_after_sec"`        // 价格超过该秒数未更新即视为过期
	FeedDeadAfterSec     int `json:"feed_dead_after_sec"`    // 行情超过该秒数无任何消息即视为断开
	MaxHistory           int `json:"max_history"`            // 每个交易对保留的K线数量
	BackfillBars         int `json:"backfill_bars"`          // 启动时通过REST回填的K线数量, 0 表示不回填

	ReportStartHour int `json:"report_start_hour"` // 小时报告窗口开始 (含)
	ReportEndHour   int `json:"report_end_hour"`   // 小时报告窗口结束 (含)
	DailyHour       int `json:"daily_hour"`        // 每日评估的小时

	InitialRiskLevel int `json:"initial_risk_level"` // 首次启动时的风险等级 (1-5)

	WSURL         string `json:"ws_url"`          // K线推送的WebSocket地址
	LiveAPIURL    string `json:"live_api_url"`    // 币安REST地址
	TestnetAPIURL string `json:"testnet_api_url"` // 币安测试网REST地址
	MetricsAddr   string `json:"metrics_addr"`    // Prometheus 指标监听地址, 为空则不启用

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping消息发送间隔(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)

	TelegramToken  string `json:"-"` // 只从环境变量读取
	TelegramChatID string `json:"-"` // 只从环境变量读取
}

// TotalFeeRate 返回开平仓时各收取一次的总费率 (手续费 + 点差)
func (c *Config) TotalFeeRate() float64 {
	return c.FeeRate + c.SpreadRate
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 定义了持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid 判断方向是否合法
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// SignalType 定义了策略信号类型
type SignalType string

const (
	SignalLong  SignalType = "long"
	SignalShort SignalType = "short"
	SignalHold  SignalType = "hold"
)

// Side 将开仓信号转换为持仓方向, hold 返回 false
func (s SignalType) Side() (Side, bool) {
	switch s {
	case SignalLong:
		return SideLong, true
	case SignalShort:
		return SideShort, true
	}
	return "", false
}

// Bar 是一根K线
type Bar struct {
	Start     time.Time `json:"start"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Confirmed bool      `json:"confirmed"` // K线是否已收盘
}

// EntryContext 记录触发开仓时的指标和置信度，用于审计
type EntryContext struct {
	Confidence float64 `json:"confidence"`
	Strength   float64 `json:"strength"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	ADX        float64 `json:"adx"`
	ATR        float64 `json:"atr"`
	RSI        float64 `json:"rsi"`
	Gap        float64 `json:"gap"`
	Volatility float64 `json:"volatility"`
}

// Position 定义了某个账本在一个交易对上的持仓
type Position struct {
	Symbol           string        `json:"symbol"`
	EntryPrice       float64       `json:"entry_price"`
	Amount           float64       `json:"amount"` // 基础资产数量
	Side             Side          `json:"side"`
	TakeProfit       float64       `json:"tp"`
	StopLoss         float64       `json:"sl"`
	TrailingStop     float64       `json:"trailing_stop"`     // 追踪止损距离 (价格单位)
	TrailingPct      float64       `json:"trailing_pct"`      // 追踪止损比例, 极值变化时重新计算距离
	TrailingExtremum float64       `json:"trailing_extremum"` // 开仓以来最有利的价格
	OpenTime         time.Time     `json:"open_time"`
	Entry            *EntryContext `json:"entry,omitempty"`
}

// Trade 是一笔已平仓交易的不可变记录
type Trade struct {
	ID              string        `json:"id"`
	Symbol          string        `json:"symbol"`
	EntryPrice      float64       `json:"entry_price"`
	ClosePrice      float64       `json:"close_price"`
	Amount          float64       `json:"amount"`
	Side            Side          `json:"side"`
	PnL             float64       `json:"pnl"`
	OpenTime        time.Time     `json:"open_time"`
	CloseTime       time.Time     `json:"close_time"`
	CommissionOpen  float64       `json:"commission_open"`
	CommissionClose float64       `json:"commission_close"`
	Reason          string        `json:"reason,omitempty"` // 平仓原因: signal, take_profit, stop_loss, trailing_stop, replaced
	Entry           *EntryContext `json:"entry,omitempty"`
}

// LedgerRecord 是账本的持久化形式
type LedgerRecord struct {
	StartingBalance float64              `json:"starting_balance"`
	Balance         float64              `json:"balance"`
	Positions       map[string]*Position `json:"positions"`
	Trades          []Trade              `json:"trades"`
	RealizedPnL     float64              `json:"realized_pnl"`
}

// PnL 汇总已实现和未实现盈亏
type PnL struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
}

// Total 返回已实现加未实现盈亏
func (p PnL) Total() float64 {
	return p.Realized + p.Unrealized
}

// ReportType 区分A/B历史记录的类型
type ReportType string

const (
	ReportHourly ReportType = "hourly"
	ReportDaily  ReportType = "daily"
)

// ABHistoryEntry 是A/B历史日志中的一条记录
type ABHistoryEntry struct {
	Type                    ReportType `json:"type"`
	Timestamp               time.Time  `json:"timestamp"`
	Date                    string     `json:"date,omitempty"` // 仅每日记录, 格式 2006-01-02
	BaselineRealizedPnL     float64    `json:"baseline_realized_pnl"`
	BaselineUnrealizedPnL   float64    `json:"baseline_unrealized_pnl"`
	ExperimentRealizedPnL   float64    `json:"experiment_realized_pnl"`
	ExperimentUnrealizedPnL float64    `json:"experiment_unrealized_pnl"`
	Promoted                *bool      `json:"promoted,omitempty"`        // 仅每日记录
	ExperimentRisk          *int       `json:"experiment_risk,omitempty"` // 仅每日记录, 评估后的风险等级
}

// String 便于日志输出
func (e ABHistoryEntry) String() string {
	s := fmt.Sprintf("%s@%s base=%.4f/%.4f exp=%.4f/%.4f", e.Type, e.Timestamp.Format(time.RFC3339),
		e.BaselineRealizedPnL, e.BaselineUnrealizedPnL, e.ExperimentRealizedPnL, e.ExperimentUnrealizedPnL)
	if e.Promoted != nil {
		s += fmt.Sprintf(" promoted=%t", *e.Promoted)
	}
	if e.ExperimentRisk != nil {
		s += fmt.Sprintf(" risk=%d", *e.ExperimentRisk)
	}
	return s
}

// MarketData 是一次tick传给A/B控制器的行情
type MarketData struct {
	Symbol    string             // 本次处理的交易对
	Price     float64            // 该交易对的最新价格
	Timestamp time.Time          // 最新价格的更新时间
	Snapshot  map[string]float64 // 所有新鲜价格
	History   []Bar              // 该交易对的K线, 最新的在最后
}
