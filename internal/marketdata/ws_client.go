package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"ab-paper-bot-go/internal/metrics"
	"ab-paper-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	topicPrefix     = "kline.1."
	subscribeBatch  = 10 // 单次订阅请求最多10个topic
	reconnectDelay  = 5 * time.Second
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
)

// klineMessage 同时覆盖K线推送和 subscribe/ping 的应答
type klineMessage struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	Data    []klineData `json:"data"`
	Op      string      `json:"op"`
	Success *bool       `json:"success"`
	RetMsg  string      `json:"ret_msg"`
}

type klineData struct {
	Start   int64           `json:"start"`
	Open    decimal.Decimal `json:"open"`
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Close   decimal.Decimal `json:"close"`
	Volume  decimal.Decimal `json:"volume"`
	Confirm bool            `json:"confirm"`
}

func (k klineData) bar() models.Bar {
	return models.Bar{
		Start:     time.UnixMilli(k.Start),
		Open:      k.Open.InexactFloat64(),
		High:      k.High.InexactFloat64(),
		Low:       k.Low.InexactFloat64(),
		Close:     k.Close.InexactFloat64(),
		Volume:    k.Volume.InexactFloat64(),
		Confirmed: k.Confirm,
	}
}

// parseMessage returns the symbol and bars carried by a kline push.
// Control replies yield ok=false and a nil error.
func parseMessage(raw []byte) (symbol string, bars []models.Bar, ok bool, err error) {
	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, false, fmt.Errorf("解析K线消息失败: %w", err)
	}
	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			return "", nil, false, fmt.Errorf("%s 请求被拒绝: %s", msg.Op, msg.RetMsg)
		}
		return "", nil, false, nil
	}
	if !strings.HasPrefix(msg.Topic, topicPrefix) {
		return "", nil, false, nil
	}
	symbol = strings.TrimPrefix(msg.Topic, topicPrefix)
	for _, d := range msg.Data {
		bars = append(bars, d.bar())
	}
	return symbol, bars, true, nil
}

func subscribeRequests(symbols []string) []map[string]interface{} {
	var reqs []map[string]interface{}
	for i := 0; i < len(symbols); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		args := make([]string, 0, end-i)
		for _, s := range symbols[i:end] {
			args = append(args, topicPrefix+s)
		}
		reqs = append(reqs, map[string]interface{}{"op": "subscribe", "args": args})
	}
	return reqs
}

// WSClient streams 1-minute klines into a Feed and reconnects on any failure.
type WSClient struct {
	url        string
	feed       *Feed
	logger     *zap.Logger
	metrics    *metrics.Metrics
	dialer     *websocket.Dialer
	pongWait   time.Duration
	pingPeriod time.Duration
	retryDelay time.Duration
}

// NewWSClient subscribes to every symbol tracked by feed. pingInterval and
// pongTimeout fall back to 54s and 60s when zero.
func NewWSClient(url string, feed *Feed, pingInterval, pongTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pongTimeout <= 0 {
		pongTimeout = defaultPongWait
	}
	if pingInterval <= 0 || pingInterval >= pongTimeout {
		pingInterval = (pongTimeout * 9) / 10 // 必须小于 pongWait
	}
	return &WSClient{
		url:        url,
		feed:       feed,
		logger:     logger.Named("ws"),
		metrics:    m,
		dialer:     websocket.DefaultDialer,
		pongWait:   pongTimeout,
		pingPeriod: pingInterval,
		retryDelay: reconnectDelay,
	}
}

// Run 维持WebSocket连接直到ctx取消, 断线后等待5秒重连
func (c *WSClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("WebSocket循环已停止")
			return
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("WebSocket循环已停止")
			return
		}
		c.metrics.FeedReconnect()
		c.logger.Warn("WebSocket连接已断开, 准备重连", zap.Error(err), zap.Duration("delay", c.retryDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

// session handles one connection and blocks until it breaks or ctx ends.
func (c *WSClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	for _, req := range subscribeRequests(c.feed.Symbols()) {
		payload, _ := json.Marshal(req)
		if err := write(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("发送订阅请求失败: %w", err)
		}
	}
	c.logger.Info("WebSocket连接成功", zap.String("url", c.url), zap.Int("symbols", len(c.feed.Symbols())))

	// 设置Pong处理器来延长读取超时
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// 协议层 ping 和应用层 ping 都发, 后者是服务端要求的心跳
				if err := write(websocket.PingMessage, nil); err != nil {
					c.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
				if err := write(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
					c.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.metrics.FeedMessage()
		c.handle(raw)
	}
}

func (c *WSClient) handle(raw []byte) {
	symbol, bars, ok, err := parseMessage(raw)
	if err != nil {
		c.logger.Warn("忽略无法处理的消息", zap.Error(err))
		c.feed.Touch()
		return
	}
	if !ok {
		c.feed.Touch()
		return
	}
	for _, bar := range bars {
		if !c.feed.ApplyBar(symbol, bar) {
			c.logger.Debug("bar dropped", zap.String("symbol", symbol))
		}
	}
}
