// Package abtest runs the baseline and experimental engines side by side and
// decides once a day which of them survives.
package abtest

import (
	"fmt"
	"sync"
	"time"

	"ab-paper-bot-go/internal/freedom"
	"ab-paper-bot-go/internal/metrics"
	"ab-paper-bot-go/internal/models"
	"ab-paper-bot-go/internal/notifier"
	"ab-paper-bot-go/internal/reporter"
	"ab-paper-bot-go/internal/strategy"

	"go.uber.org/zap"
)

const (
	SlotBaseline   = "baseline"
	SlotExperiment = "experiment"

	dateLayout = "2006-01-02"
)

// Repository is the part of the state repository the controller needs.
type Repository interface {
	AppendHistory(entry models.ABHistoryEntry) error
	LoadHistory() ([]models.ABHistoryEntry, error)
	SaveRiskLevel(level int) error
	LoadRiskLevel() (int, bool, error)
}

// Schedule holds the local-time hours that drive reporting.
type Schedule struct {
	ReportStartHour int // 含
	ReportEndHour   int // 含
	DailyHour       int
}

// ScheduleFromConfig extracts the report hours from cfg.
func ScheduleFromConfig(cfg *models.Config) Schedule {
	return Schedule{
		ReportStartHour: cfg.ReportStartHour,
		ReportEndHour:   cfg.ReportEndHour,
		DailyHour:       cfg.DailyHour,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSink sets where report text goes. Delivery is best effort.
func WithSink(s notifier.Sink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// Controller owns the two engines, the history log and the report schedule.
type Controller struct {
	schedule   Schedule
	baseline   *strategy.Engine
	experiment *strategy.Engine
	freedom    *freedom.Manager
	repo       Repository
	sink       notifier.Sink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu            sync.Mutex
	history       []models.ABHistoryEntry
	lastHourKey   string
	lastDailyDate string
}

// NewController wires the two engines. Call Load before the first OnMarketData.
func NewController(schedule Schedule, baseline, experiment *strategy.Engine, fm *freedom.Manager, repo Repository, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		schedule:   schedule,
		baseline:   baseline,
		experiment: experiment,
		freedom:    fm,
		repo:       repo,
		sink:       notifier.Nop{},
		logger:     logger.Named("abtest"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores the history log, the risk level and the report guards.
func (c *Controller) Load() error {
	history, err := c.repo.LoadHistory()
	if err != nil {
		return fmt.Errorf("加载A/B历史失败: %w", err)
	}
	level, found, err := c.repo.LoadRiskLevel()
	if err != nil {
		return fmt.Errorf("加载风险等级失败: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if found {
		c.freedom.SetLevel(level)
	} else if err := c.repo.SaveRiskLevel(c.freedom.Level()); err != nil {
		c.logger.Error("保存初始风险等级失败", zap.Error(err))
		c.metrics.PersistError("risk_level")
	}
	c.applyRiskLocked()

	c.history = history
	loc := c.now().Location()
	for _, entry := range history {
		switch entry.Type {
		case models.ReportHourly:
			c.lastHourKey = hourKey(entry.Timestamp.In(loc))
		case models.ReportDaily:
			c.lastDailyDate = entry.Date
		}
	}
	c.logger.Info("A/B state loaded",
		zap.Int("history", len(history)),
		zap.Int("risk_level", c.freedom.Level()),
		zap.String("last_hour", c.lastHourKey),
		zap.String("last_daily", c.lastDailyDate))
	return nil
}

func hourKey(t time.Time) string {
	return t.Format("2006-01-02T15")
}

// OnMarketData steps both engines for md.Symbol and then runs the report schedule.
// A symbol without a fresh positive price is skipped but the schedule still runs.
func (c *Controller) OnMarketData(md models.MarketData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if price, ok := md.Snapshot[md.Symbol]; ok && price > 0 {
		for _, eng := range []*strategy.Engine{c.baseline, c.experiment} {
			res := eng.Step(md.Snapshot, md.Symbol, md.History)
			for _, trade := range res.Closed {
				c.logger.Info("position closed",
					zap.String("slot", eng.Ledger().Slot()),
					zap.String("symbol", trade.Symbol),
					zap.String("reason", trade.Reason),
					zap.Float64("pnl", trade.PnL))
			}
			if res.Opened {
				c.logger.Info("position opened",
					zap.String("slot", eng.Ledger().Slot()),
					zap.String("symbol", md.Symbol),
					zap.Float64("price", price))
			}
		}
	} else if md.Symbol != "" {
		c.logger.Debug("symbol skipped, no fresh price", zap.String("symbol", md.Symbol))
	}

	c.metrics.SetRealizedPnL(SlotBaseline, c.baseline.Ledger().RealizedPnL())
	c.metrics.SetRealizedPnL(SlotExperiment, c.experiment.Ledger().RealizedPnL())
	c.runScheduleLocked(now, md.Snapshot)
}

// Tick runs only the report schedule, for cycles without any fresh symbol.
func (c *Controller) Tick(snapshot map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runScheduleLocked(c.now(), snapshot)
}

func (c *Controller) runScheduleLocked(now time.Time, snapshot map[string]float64) {
	hour := now.Hour()
	if hour >= c.schedule.ReportStartHour && hour <= c.schedule.ReportEndHour {
		if key := hourKey(now); key != c.lastHourKey {
			c.lastHourKey = key
			c.hourlyLocked(now, snapshot)
		}
	}
	if hour == c.schedule.DailyHour {
		if date := now.Format(dateLayout); date != c.lastDailyDate {
			c.lastDailyDate = date
			c.dailyLocked(now, date, snapshot)
		}
	}
}

func (c *Controller) hourlyLocked(now time.Time, snapshot map[string]float64) {
	base := c.baseline.GetPnL(snapshot)
	exp := c.experiment.GetPnL(snapshot)
	entry := models.ABHistoryEntry{
		Type:                    models.ReportHourly,
		Timestamp:               now,
		BaselineRealizedPnL:     base.Realized,
		BaselineUnrealizedPnL:   base.Unrealized,
		ExperimentRealizedPnL:   exp.Realized,
		ExperimentUnrealizedPnL: exp.Unrealized,
	}
	c.appendLocked(entry)
	c.send(reporter.HourlyText(entry))
}

// dailyLocked compares realized PnL. The experiment wins only on a strict improvement.
func (c *Controller) dailyLocked(now time.Time, date string, snapshot map[string]float64) {
	base := c.baseline.GetPnL(snapshot)
	exp := c.experiment.GetPnL(snapshot)
	baseSummary := reporter.Summarize(c.baseline.Ledger().Snapshot())
	expSummary := reporter.Summarize(c.experiment.Ledger().Snapshot())

	promoted := exp.Realized > base.Realized
	if promoted {
		c.promoteLocked()
	} else {
		c.rollbackLocked()
	}
	c.metrics.Evaluated(promoted)

	level := c.freedom.Level()
	entry := models.ABHistoryEntry{
		Type:                    models.ReportDaily,
		Timestamp:               now,
		Date:                    date,
		BaselineRealizedPnL:     base.Realized,
		BaselineUnrealizedPnL:   base.Unrealized,
		ExperimentRealizedPnL:   exp.Realized,
		ExperimentUnrealizedPnL: exp.Unrealized,
		Promoted:                &promoted,
		ExperimentRisk:          &level,
	}
	c.appendLocked(entry)
	c.logger.Info("daily evaluation", zap.Stringer("entry", entry), zap.Bool("promoted", promoted))
	c.send(reporter.DailyText(entry, baseSummary, expSummary))
}

// promoteLocked copies the experimental ledger over the baseline, starts a
// fresh experiment and raises the risk level.
func (c *Controller) promoteLocked() {
	c.baseline.Ledger().Restore(c.experiment.Ledger().Snapshot())
	c.baseline.Resync()
	c.experiment.Ledger().Reset()
	c.experiment.Resync()

	level := c.freedom.Increment()
	if err := c.repo.SaveRiskLevel(level); err != nil {
		c.logger.Error("保存风险等级失败", zap.Int("level", level), zap.Error(err))
		c.metrics.PersistError("risk_level")
	}
	c.applyRiskLocked()
}

// rollbackLocked discards the experiment. The baseline and the risk level stay.
func (c *Controller) rollbackLocked() {
	c.experiment.Ledger().Reset()
	c.experiment.Resync()
}

func (c *Controller) applyRiskLocked() {
	c.baseline.SetRiskMultiplier(c.freedom.Multiplier())
	c.experiment.SetRiskMultiplier(c.freedom.ExperimentalBoost())
	c.metrics.SetRiskLevel(c.freedom.Level())
}

func (c *Controller) appendLocked(entry models.ABHistoryEntry) {
	c.history = append(c.history, entry)
	c.metrics.ReportAppended(entry.Type)
	if err := c.repo.AppendHistory(entry); err != nil {
		c.logger.Error("保存A/B历史失败", zap.Stringer("entry", entry), zap.Error(err))
		c.metrics.PersistError("history")
	}
}

func (c *Controller) send(text string) {
	if err := c.sink.Send(text); err != nil {
		c.logger.Warn("report not delivered", zap.Error(err))
		c.metrics.NotifyError()
	}
}

// History returns a copy of the A/B history log.
func (c *Controller) History() []models.ABHistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ABHistoryEntry(nil), c.history...)
}

// PnL returns the PnL of one slot against snapshot.
func (c *Controller) PnL(slot string, snapshot map[string]float64) (models.PnL, error) {
	switch slot {
	case SlotBaseline:
		return c.baseline.GetPnL(snapshot), nil
	case SlotExperiment:
		return c.experiment.GetPnL(snapshot), nil
	}
	return models.PnL{}, fmt.Errorf("unknown slot %q", slot)
}

// RiskLevel returns the current risk level.
func (c *Controller) RiskLevel() int {
	return c.freedom.Level()
}

// Slots returns report views of both engines against snapshot.
func (c *Controller) Slots(snapshot map[string]float64) []reporter.SlotView {
	c.mu.Lock()
	defer c.mu.Unlock()
	views := make([]reporter.SlotView, 0, 2)
	for _, s := range []struct {
		label string
		eng   *strategy.Engine
	}{{SlotBaseline, c.baseline}, {SlotExperiment, c.experiment}} {
		total, wins, losses := s.eng.Ledger().TradesClosedToday()
		views = append(views, reporter.SlotView{
			Label:       s.label,
			Strategy:    s.eng.Name(),
			PnL:         s.eng.GetPnL(snapshot),
			Record:      s.eng.Ledger().Snapshot(),
			TodayTrades: total,
			TodayWins:   wins,
			TodayLosses: losses,
		})
	}
	return views
}
