package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ab-paper-bot-go/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const btcPush = `{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1748779260000,"data":[
{"start":1748779200000,"end":1748779259999,"interval":"1","open":"104000.5","close":"104010.1","high":"104020","low":"103990","volume":"2.081","turnover":"1","confirm":false,"timestamp":1748779260000}]}`

func TestParseMessage(t *testing.T) {
	symbol, bars, ok, err := parseMessage([]byte(btcPush))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", symbol)
	require.Len(t, bars, 1)
	assert.Equal(t, 104010.1, bars[0].Close)
	assert.Equal(t, 104020.0, bars[0].High)
	assert.Equal(t, int64(1748779200000), bars[0].Start.UnixMilli())
	assert.False(t, bars[0].Confirmed)

	_, _, ok, err = parseMessage([]byte(`{"success":true,"ret_msg":"pong","op":"ping"}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, ok, err = parseMessage([]byte(`{"success":false,"ret_msg":"bad topic","op":"subscribe"}`))
	assert.Error(t, err)
	assert.False(t, ok)

	_, _, _, err = parseMessage([]byte(`not json`))
	assert.Error(t, err)

	_, _, ok, err = parseMessage([]byte(`{"topic":"tickers.BTCUSDT","data":[]}`))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeRequestsBatches(t *testing.T) {
	symbols := make([]string, 12)
	for i := range symbols {
		symbols[i] = "S" + string(rune('A'+i))
	}
	reqs := subscribeRequests(symbols)
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0]["args"], 10)
	assert.Equal(t, []string{"kline.1.SK", "kline.1.SL"}, reqs[1]["args"])
	assert.Equal(t, "subscribe", reqs[1]["op"])
}

func TestWSClientStreamsIntoFeed(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&connections, 1)

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if json.Unmarshal(raw, &req) != nil || req.Op != "subscribe" || len(req.Args) != 2 {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(btcPush))
		if n == 1 {
			// 第一次连接主动断开, 验证重连
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewFeed([]string{"BTCUSDT", "ETHUSDT"}, 10, time.Minute, time.Minute)
	m := metrics.New(prometheus.NewRegistry())
	client := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), feed, 0, 0, zap.NewNop(), m)
	client.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&connections) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return feed.Snapshot()["BTCUSDT"] == 104010.1 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, feed.History("BTCUSDT"), 1, "same bar start merges across reconnects")
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.FeedReconnects), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.FeedMessages), 2.0)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWSClientDefaults(t *testing.T) {
	c := NewWSClient("ws://x", NewFeed(nil, 1, time.Second, time.Second), 0, 0, nil, nil)
	assert.Equal(t, 60*time.Second, c.pongWait)
	assert.Equal(t, 54*time.Second, c.pingPeriod)

	c = NewWSClient("ws://x", NewFeed(nil, 1, time.Second, time.Second), 20*time.Second, 30*time.Second, nil, nil)
	assert.Equal(t, 20*time.Second, c.pingPeriod)
}
