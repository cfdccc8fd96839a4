package marketdata

import (
	"context"
	"fmt"
	"time"

	"ab-paper-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxKlinesPerRequest = 1000 // 币安单次请求最多1000条
	pageDelay           = 200 * time.Millisecond
)

// Backfiller 通过币安公共K线接口预热历史, 避免启动后等待 MinBars 分钟
type Backfiller struct {
	client *binance.Client
	logger *zap.Logger
	now    func() time.Time
	delay  time.Duration
}

// NewBackfiller uses baseURL when set, the client default otherwise.
func NewBackfiller(baseURL string, logger *zap.Logger) *Backfiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &Backfiller{client: client, logger: logger.Named("backfill"), now: time.Now, delay: pageDelay}
}

// Fetch downloads the last n closed 1-minute bars of symbol, oldest first.
func (b *Backfiller) Fetch(ctx context.Context, symbol string, n int) ([]models.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	now := b.now()
	start := now.Add(-time.Duration(n) * time.Minute).Truncate(time.Minute)
	bars := make([]models.Bar, 0, n)

	for t := start; t.Before(now) && len(bars) < n; {
		limit := n - len(bars)
		if limit > maxKlinesPerRequest {
			limit = maxKlinesPerRequest
		}
		klines, err := b.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载 %s K线数据失败: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			bar, err := klineToBar(k, now)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", symbol, err)
			}
			bars = append(bars, bar)
		}
		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if len(klines) < limit || len(bars) >= n {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	return bars, nil
}

func klineToBar(k *binance.Kline, now time.Time) (models.Bar, error) {
	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.Bar{}, fmt.Errorf("无效的K线数值 %q: %w", s, err)
		}
		vals[i] = d.InexactFloat64()
	}
	return models.Bar{
		Start:     time.UnixMilli(k.OpenTime),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Confirmed: time.UnixMilli(k.CloseTime).Before(now),
	}, nil
}

// Backfill seeds feed for every tracked symbol. A failed symbol is logged and
// left to warm up from the live stream.
func (b *Backfiller) Backfill(ctx context.Context, feed *Feed, n int) {
	for _, symbol := range feed.Symbols() {
		bars, err := b.Fetch(ctx, symbol, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("回填失败, 将由实时行情预热", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		feed.Seed(symbol, bars)
		b.logger.Info("回填完成", zap.String("symbol", symbol), zap.Int("bars", len(bars)))
	}
}
