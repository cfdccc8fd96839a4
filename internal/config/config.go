package config

import (
	"ab-paper-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// 默认值
const (
	DefaultStartingBalance = 300.0
	DefaultFeeRate         = 0.001
	DefaultSpreadRate      = 0.0002
	DefaultDBPath          = "data/state"
	DefaultWSURL           = "wss://stream.bybit.com/v5/public/linear"
	DefaultLiveAPIURL      = "https://api.binance.com"
	DefaultTestnetAPIURL   = "https://testnet.binance.vision"
)

// DefaultSymbols 是未配置交易对时使用的列表
var DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "BNBUSDT", "DOGEUSDT", "AVAXUSDT"}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中。
// 文件解析后依次应用环境变量覆盖和默认值，最后进行校验。
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyEnv(config)
	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv 用环境变量覆盖配置。调用方应先执行 godotenv.Load()。
func ApplyEnv(cfg *models.Config) {
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	if v := os.Getenv("SYMBOLS"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Symbols = symbols
	}
	if v := os.Getenv("USE_TESTNET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IsTestnet = b
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogConfig.Level = v
	}
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.StartingBalance == 0 {
		cfg.StartingBalance = DefaultStartingBalance
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = DefaultFeeRate
	}
	if cfg.SpreadRate == 0 {
		cfg.SpreadRate = DefaultSpreadRate
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.TradingCycleSec == 0 {
		cfg.TradingCycleSec = 1
	}
	if cfg.HeartbeatIntervalMin == 0 {
		cfg.HeartbeatIntervalMin = 60
	}
	if cfg.StaleAfterSec == 0 {
		cfg.StaleAfterSec = 3
	}
	if cfg.FeedDeadAfterSec == 0 {
		cfg.FeedDeadAfterSec = 60
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = 300
	}
	if cfg.ReportStartHour == 0 && cfg.ReportEndHour == 0 {
		cfg.ReportStartHour, cfg.ReportEndHour = 8, 22
	}
	if cfg.DailyHour == 0 {
		cfg.DailyHour = 22
	}
	if cfg.InitialRiskLevel == 0 {
		cfg.InitialRiskLevel = 1
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = DefaultLiveAPIURL
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = DefaultTestnetAPIURL
	}
	if cfg.WebSocketPongTimeoutSec == 0 {
		cfg.WebSocketPongTimeoutSec = 60
	}
	if cfg.WebSocketPingIntervalSec == 0 {
		cfg.WebSocketPingIntervalSec = cfg.WebSocketPongTimeoutSec * 9 / 10
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置的合法性
func Validate(cfg *models.Config) error {
	var errs []error
	if cfg.StartingBalance <= 0 {
		errs = append(errs, fmt.Errorf("starting_balance 必须大于0, 当前 %v", cfg.StartingBalance))
	}
	if cfg.FeeRate < 0 || cfg.SpreadRate < 0 {
		errs = append(errs, errors.New("fee_rate 和 spread_rate 不能为负数"))
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, errors.New("至少需要一个交易对"))
	}
	if !validHour(cfg.ReportStartHour) || !validHour(cfg.ReportEndHour) || cfg.ReportStartHour > cfg.ReportEndHour {
		errs = append(errs, fmt.Errorf("报告窗口 [%d, %d] 不合法", cfg.ReportStartHour, cfg.ReportEndHour))
	}
	if !validHour(cfg.DailyHour) {
		errs = append(errs, fmt.Errorf("daily_hour %d 不合法", cfg.DailyHour))
	}
	if cfg.InitialRiskLevel < 1 || cfg.InitialRiskLevel > 5 {
		errs = append(errs, fmt.Errorf("initial_risk_level 必须在 1-5 之间, 当前 %d", cfg.InitialRiskLevel))
	}
	if cfg.TradingCycleSec < 0 || cfg.StaleAfterSec < 0 || cfg.MaxHistory < 0 {
		errs = append(errs, errors.New("时间间隔和历史长度不能为负数"))
	}
	return errors.Join(errs...)
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
