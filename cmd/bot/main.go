package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ab-paper-bot-go/internal/abtest"
	"ab-paper-bot-go/internal/bot"
	"ab-paper-bot-go/internal/config"
	"ab-paper-bot-go/internal/freedom"
	"ab-paper-bot-go/internal/ledger"
	"ab-paper-bot-go/internal/logger"
	"ab-paper-bot-go/internal/marketdata"
	"ab-paper-bot-go/internal/metrics"
	"ab-paper-bot-go/internal/models"
	"ab-paper-bot-go/internal/notifier"
	"ab-paper-bot-go/internal/persistence"
	"ab-paper-bot-go/internal/reporter"
	"ab-paper-bot-go/internal/strategy"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or history")
	flag.Parse()

	// 先用默认配置初始化日志, 加载配置时就能记录
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开状态数据库失败: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.S().Errorf("关闭状态数据库失败: %v", err)
		}
	}()

	switch *mode {
	case "live":
		runLiveMode(cfg, repo)
	case "history":
		if err := printHistory(repo); err != nil {
			logger.S().Errorf("读取A/B历史失败: %v", err)
		}
	default:
		logger.S().Errorf("未知的运行模式: %s", *mode)
	}
}

// loadLedger 从数据库恢复账本, 不存在时以初始资金开始
func loadLedger(slot string, cfg *models.Config, repo persistence.StateRepository, m *metrics.Metrics) (*ledger.Ledger, error) {
	l := ledger.New(slot, cfg.StartingBalance, cfg.TotalFeeRate(), repo, logger.L(),
		ledger.WithPersistErrorHook(func(string, error) { m.PersistError("ledger") }))
	rec, err := repo.LoadLedger(slot)
	if err != nil {
		return nil, fmt.Errorf("加载账本 %s 失败: %w", slot, err)
	}
	if rec != nil {
		l.Load(rec)
		logger.S().Infof("账本 %s 已恢复: %d 个持仓, %d 笔交易, 已实现盈亏 %.4f",
			slot, len(rec.Positions), len(rec.Trades), l.RealizedPnL())
	}
	if err := l.CheckInvariants(); err != nil {
		return nil, err
	}
	return l, nil
}

// runLiveMode 运行实时模拟交易
func runLiveMode(cfg *models.Config, repo persistence.StateRepository) {
	logger.S().Info("--- 启动A/B模拟交易 ---")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	baseLedger, err := loadLedger(abtest.SlotBaseline, cfg, repo, m)
	if err != nil {
		logger.S().Fatalf("%v", err)
	}
	expLedger, err := loadLedger(abtest.SlotExperiment, cfg, repo, m)
	if err != nil {
		logger.S().Fatalf("%v", err)
	}

	baseline := strategy.NewEngine(strategy.Conservative(), baseLedger, logger.L(), strategy.WithRecorder(m))
	experiment := strategy.NewEngine(strategy.Aggressive(), expLedger, logger.L(), strategy.WithRecorder(m))

	// --- 报告通道: 配置了 Telegram 则推送, 否则写入日志 ---
	var sink notifier.Sink = notifier.NewLog(logger.L())
	if tg := notifier.NewTelegram("", cfg.TelegramToken, cfg.TelegramChatID); tg.Enabled() {
		sink = tg
		logger.S().Info("报告将推送到 Telegram")
	}
	async := notifier.NewAsync(sink, 64, logger.L(), func(error) { m.NotifyError() })
	defer async.Close()

	controller := abtest.NewController(abtest.ScheduleFromConfig(cfg), baseline, experiment,
		freedom.NewManager(cfg.InitialRiskLevel), repo, logger.L(),
		abtest.WithMetrics(m), abtest.WithSink(async))
	if err := controller.Load(); err != nil {
		logger.S().Fatalf("加载A/B状态失败: %v", err)
	}

	feed := marketdata.NewFeed(cfg.Symbols, cfg.MaxHistory,
		time.Duration(cfg.StaleAfterSec)*time.Second, time.Duration(cfg.FeedDeadAfterSec)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BackfillBars > 0 {
		apiURL := cfg.LiveAPIURL
		if cfg.IsTestnet {
			apiURL = cfg.TestnetAPIURL
		}
		marketdata.NewBackfiller(apiURL, logger.L()).Backfill(ctx, feed, cfg.BackfillBars)
	}

	ws := marketdata.NewWSClient(cfg.WSURL, feed,
		time.Duration(cfg.WebSocketPingIntervalSec)*time.Second,
		time.Duration(cfg.WebSocketPongTimeoutSec)*time.Second,
		logger.L(), m)
	wsDone := make(chan struct{})
	go func() {
		ws.Run(ctx)
		close(wsDone)
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.S().Errorf("指标服务异常退出: %v", err)
			}
		}()
		logger.S().Infof("Prometheus 指标监听于 %s/metrics", cfg.MetricsAddr)
	}

	abBot := bot.NewBot(feed, controller, async, m, logger.L(), bot.Options{
		Cycle:     time.Duration(cfg.TradingCycleSec) * time.Second,
		Heartbeat: time.Duration(cfg.HeartbeatIntervalMin) * time.Minute,
		MinBars:   strategy.Conservative().MinBars,
	})
	if err := abBot.Start(); err != nil {
		logger.S().Fatalf("机器人启动失败: %v", err)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.L().Info("收到退出信号", zap.String("signal", sig.String()))

	abBot.Stop()
	cancel()
	<-wsDone
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		done()
	}
	logger.S().Info("机器人已停止，账本和A/B历史均已持久化。")
}

// printHistory 打印A/B历史和两个账本的绩效
func printHistory(repo persistence.StateRepository) error {
	history, err := repo.LoadHistory()
	if err != nil {
		return err
	}
	for _, entry := range history {
		if entry.Type == models.ReportDaily {
			fmt.Println(reporter.DailyText(entry, reporter.Metrics{}, reporter.Metrics{}))
			continue
		}
		fmt.Println(reporter.HourlyText(entry))
	}

	for _, slot := range []string{abtest.SlotBaseline, abtest.SlotExperiment} {
		rec, err := repo.LoadLedger(slot)
		if err != nil {
			return err
		}
		s := reporter.Summarize(rec)
		fmt.Printf("[%s] trades %d | win rate %.1f%% | realized %+.4f | max DD %.2f%% | open %d\n",
			slot, s.TotalTrades, s.WinRate, s.TotalProfit, s.MaxDrawdown, s.OpenPositions)
	}
	return nil
}
