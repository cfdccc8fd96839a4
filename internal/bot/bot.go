package bot

import (
	"errors"
	"sync"
	"time"

	"ab-paper-bot-go/internal/abtest"
	"ab-paper-bot-go/internal/marketdata"
	"ab-paper-bot-go/internal/metrics"
	"ab-paper-bot-go/internal/models"
	"ab-paper-bot-go/internal/notifier"
	"ab-paper-bot-go/internal/reporter"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running bot.
var ErrAlreadyRunning = errors.New("bot already running")

// Bot 驱动策略循环和心跳, 把行情快照交给A/B控制器
type Bot struct {
	feed       *marketdata.Feed
	controller *abtest.Controller
	sink       notifier.Sink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	cycle     time.Duration
	heartbeat time.Duration
	minBars   int

	mutex       sync.Mutex
	isRunning   bool
	stopChannel chan struct{}
	wg          sync.WaitGroup
	feedDown    bool
}

// Options 汇总 Bot 的可调参数
type Options struct {
	Cycle     time.Duration
	Heartbeat time.Duration
	MinBars   int // 心跳中判断 "warming up" 的阈值
	Clock     func() time.Time
}

// NewBot 创建一个新的机器人实例
func NewBot(feed *marketdata.Feed, controller *abtest.Controller, sink notifier.Sink, m *metrics.Metrics, logger *zap.Logger, opts Options) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notifier.Nop{}
	}
	if opts.Cycle <= 0 {
		opts.Cycle = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Bot{
		feed:        feed,
		controller:  controller,
		sink:        sink,
		metrics:     m,
		logger:      logger.Named("bot"),
		now:         opts.Clock,
		cycle:       opts.Cycle,
		heartbeat:   opts.Heartbeat,
		minBars:     opts.MinBars,
		stopChannel: make(chan struct{}),
	}
}

// Start 启动策略循环和状态监控
func (b *Bot) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.isRunning {
		return ErrAlreadyRunning
	}
	b.isRunning = true
	b.stopChannel = make(chan struct{})

	b.wg.Add(2)
	go b.strategyLoop()
	go b.monitorStatus()

	b.logger.Info("A/B paper trading bot started",
		zap.Duration("cycle", b.cycle), zap.Duration("heartbeat", b.heartbeat))
	return nil
}

// Stop 停止机器人并等待循环退出
func (b *Bot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	close(b.stopChannel)
	b.mutex.Unlock()

	b.wg.Wait()
	b.logger.Info("bot stopped")
}

// strategyLoop 是机器人的主循环
func (b *Bot) strategyLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChannel:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick runs one strategy cycle over every symbol with a fresh price.
func (b *Bot) tick() {
	if !b.checkFeed() {
		b.controller.Tick(nil)
		return
	}

	snapshot := b.feed.Snapshot()
	b.metrics.SetFreshSymbols(len(snapshot))
	if len(snapshot) == 0 {
		b.controller.Tick(snapshot)
		return
	}
	for _, symbol := range b.feed.Symbols() {
		price, ok := snapshot[symbol]
		if !ok {
			continue
		}
		b.controller.OnMarketData(models.MarketData{
			Symbol:    symbol,
			Price:     price,
			Timestamp: b.now(),
			Snapshot:  snapshot,
			History:   b.feed.History(symbol),
		})
	}
}

// checkFeed alerts once when the stream goes silent and once when it recovers.
func (b *Bot) checkFeed() bool {
	alive := b.feed.IsAlive()

	b.mutex.Lock()
	changed := alive == b.feedDown
	b.feedDown = !alive
	b.mutex.Unlock()

	if changed {
		if alive {
			b.logger.Info("行情已恢复")
			b.notify("market data feed restored")
		} else {
			b.logger.Error("行情中断, 暂停交易决策")
			b.notify("market data feed DEAD: no messages received, trading decisions paused")
		}
	}
	return alive
}

// monitorStatus 定期发送心跳
func (b *Bot) monitorStatus() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChannel:
			return
		case <-ticker.C:
			b.notify(b.HeartbeatText())
		}
	}
}

// HeartbeatText renders the current state of both slots and the feed.
func (b *Bot) HeartbeatText() string {
	snapshot := b.feed.Snapshot()
	return reporter.HeartbeatText(reporter.HeartbeatInput{
		Now:        b.now(),
		RiskLevel:  b.controller.RiskLevel(),
		FeedAlive:  b.feed.IsAlive(),
		Slots:      b.controller.Slots(snapshot),
		Snapshot:   snapshot,
		HistoryLen: b.feed.HistoryLengths(),
		MinBars:    b.minBars,
	})
}

func (b *Bot) notify(text string) {
	if err := b.sink.Send(text); err != nil {
		b.logger.Warn("notification failed", zap.Error(err))
		b.metrics.NotifyError()
	}
}
