// Package marketdata keeps a bounded 1-minute bar history per symbol and knows
// which prices are fresh enough to trade on.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"ab-paper-bot-go/internal/models"
)

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedClock overrides time.Now.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

type series struct {
	bars    []models.Bar
	price   float64
	updated time.Time
}

// Feed is safe for one writer (the socket) and many readers (the strategy loop).
type Feed struct {
	maxHistory int
	staleAfter time.Duration
	deadAfter  time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	series      map[string]*series
	started     time.Time
	lastMessage time.Time
}

// NewFeed accepts bars only for symbols.
func NewFeed(symbols []string, maxHistory int, staleAfter, deadAfter time.Duration, opts ...FeedOption) *Feed {
	f := &Feed{
		maxHistory: maxHistory,
		staleAfter: staleAfter,
		deadAfter:  deadAfter,
		now:        time.Now,
		series:     make(map[string]*series, len(symbols)),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, s := range symbols {
		f.series[s] = &series{}
	}
	f.started = f.now()
	return f
}

// Symbols returns the tracked symbols in sorted order.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.series))
	for s := range f.series {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ApplyBar merges a live bar: the bar with the same start time is replaced,
// a newer one is appended. The bar close becomes the symbol's fresh price.
func (f *Feed) ApplyBar(symbol string, bar models.Bar) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.series[symbol]
	if !ok {
		return false
	}
	now := f.now()
	f.lastMessage = now
	if !(bar.Close > 0) {
		return false
	}
	s.bars = merge(s.bars, bar)
	s.bars = f.trim(s.bars)
	s.price = bar.Close
	s.updated = now
	return true
}

// Touch records that the connection is alive without carrying a bar.
func (f *Feed) Touch() {
	f.mu.Lock()
	f.lastMessage = f.now()
	f.mu.Unlock()
}

// Seed merges historical bars without marking the price fresh.
func (f *Feed) Seed(symbol string, bars []models.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.series[symbol]
	if !ok {
		return
	}
	for _, bar := range bars {
		if bar.Close > 0 {
			s.bars = merge(s.bars, bar)
		}
	}
	s.bars = f.trim(s.bars)
}

func merge(bars []models.Bar, bar models.Bar) []models.Bar {
	n := len(bars)
	if n == 0 || bar.Start.After(bars[n-1].Start) {
		return append(bars, bar)
	}
	i := sort.Search(n, func(i int) bool { return !bars[i].Start.Before(bar.Start) })
	if i < n && bars[i].Start.Equal(bar.Start) {
		bars[i] = bar
		return bars
	}
	bars = append(bars, models.Bar{})
	copy(bars[i+1:], bars[i:])
	bars[i] = bar
	return bars
}

func (f *Feed) trim(bars []models.Bar) []models.Bar {
	if f.maxHistory > 0 && len(bars) > f.maxHistory {
		// 拷贝一份, 避免底层数组无限增长
		return append([]models.Bar(nil), bars[len(bars)-f.maxHistory:]...)
	}
	return bars
}

// Snapshot returns the latest price of every symbol updated within the stale threshold.
func (f *Feed) Snapshot() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := f.now()
	out := make(map[string]float64, len(f.series))
	for symbol, s := range f.series {
		if s.updated.IsZero() || now.Sub(s.updated) > f.staleAfter {
			continue
		}
		out[symbol] = s.price
	}
	return out
}

// History returns a copy of the symbol's bars, oldest first.
func (f *Feed) History(symbol string) []models.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.series[symbol]
	if !ok {
		return nil
	}
	return append([]models.Bar(nil), s.bars...)
}

// HistoryLengths returns the number of bars held per symbol.
func (f *Feed) HistoryLengths() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int, len(f.series))
	for symbol, s := range f.series {
		out[symbol] = len(s.bars)
	}
	return out
}

// IsAlive reports whether any message arrived within the dead threshold.
// Before the first message the startup time counts as the last message.
func (f *Feed) IsAlive() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	last := f.lastMessage
	if last.IsZero() {
		last = f.started
	}
	return f.now().Sub(last) <= f.deadAfter
}
