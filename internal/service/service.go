// Package service hosts the cycle coordinator: fetch -> store -> enrich ->
// detect, at a fixed cadence, with fired alerts handed to the dispatch queue
// so downstream work never stalls ingestion.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-monitor/internal/config"
	"quant-monitor/internal/display"
	"quant-monitor/internal/feed"
	"quant-monitor/internal/metrics"
	"quant-monitor/internal/scheduler"
	"quant-monitor/internal/signal"
	"quant-monitor/internal/storage"
)

// ErrStorageDegraded surfaces after repeated storage write failures so an
// operator can intervene instead of the monitor silently losing history.
var ErrStorageDegraded = errors.New("service: storage degraded")

// SnapshotStore is the slice of storage the coordinator writes.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap storage.Snapshot) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertLedger persists fired alerts for auditing and cooldown rehydration.
type AlertLedger interface {
	InsertAlertEvent(ctx context.Context, event storage.AlertEvent) (storage.AlertEvent, error)
	LastFiredTimes(ctx context.Context) ([]storage.LastFired, error)
}

// MetricEngine recomputes indicators for one instrument.
type MetricEngine interface {
	Compute(ctx context.Context, code string, now time.Time) (metrics.Indicators, error)
}

// AlertQueue is the non-blocking hand-off to the dispatch worker.
type AlertQueue interface {
	Enqueue(event signal.Event)
}

// Coordinator drives the poll loop over the configured instrument pool.
type Coordinator struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	feed      feed.QuoteFetcher
	dayBars   feed.DayBarFetcher
	store     SnapshotStore
	ledger    AlertLedger
	engine    MetricEngine
	detector  *signal.Detector
	queue     AlertQueue
	display   display.Sink
	logger    zerolog.Logger

	names      map[string]string
	stale      map[string]int
	dailyTrend map[string]string

	storageFailStreak int
	cycleCount        int
}

// New constructs the coordinator. dayBars, ledger, queue and display may be
// nil; the corresponding concerns degrade rather than fail.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	quoteFeed feed.QuoteFetcher,
	dayBars feed.DayBarFetcher,
	store SnapshotStore,
	ledger AlertLedger,
	engine MetricEngine,
	detector *signal.Detector,
	queue AlertQueue,
	sink display.Sink,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		scheduler:  sched,
		feed:       quoteFeed,
		dayBars:    dayBars,
		store:      store,
		ledger:     ledger,
		engine:     engine,
		detector:   detector,
		queue:      queue,
		display:    sink,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		names:      make(map[string]string),
		stale:      make(map[string]int),
		dailyTrend: make(map[string]string),
	}
}

// Bootstrap rehydrates cooldown state from the ledger and preloads daily-bar
// context for the advisor. Both steps degrade gracefully.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if c.ledger != nil {
		fired, err := c.ledger.LastFiredTimes(ctx)
		if err != nil {
			return fmt.Errorf("rehydrate cooldown ledger: %w", err)
		}
		for _, lf := range fired {
			c.detector.Seed(lf.Code, lf.Rule, lf.FiredAt)
		}
		if len(fired) > 0 {
			c.logger.Info().Int("pairs", len(fired)).Msg("cooldown state rehydrated from ledger")
		}
	}

	if c.dayBars != nil && c.cfg.Feed.DayBars.Enabled {
		for _, code := range c.cfg.Monitor.Pool {
			bars, err := c.dayBars.FetchDayBars(ctx, code, c.cfg.Feed.DayBars.Days)
			if err != nil {
				c.logger.Warn().Err(err).Str("code", code).Msg("日线预加载失败，叙述上下文降级")
				continue
			}
			c.dailyTrend[code] = feed.RenderDailyTrend(bars)
		}
	}

	return nil
}

// Run begins the polling loop.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := c.Bootstrap(ctx); err != nil {
		return err
	}
	return c.scheduler.Run(ctx, c.ProcessCycle)
}

// ProcessCycle 执行一次完整的采集/检测周期。
func (c *Coordinator) ProcessCycle(ctx context.Context, now time.Time) error {
	quotes, err := c.feed.FetchBatch(ctx, c.cfg.Monitor.Pool)
	if err != nil {
		c.logger.Warn().Err(err).Msg("feed unavailable; cycle skipped")
		c.bumpStaleness(nil)
		return nil
	}

	// An in-flight cycle must finish its store writes on shutdown so no
	// partial row survives; the write context outlives ctx cancellation.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Monitor.Interval)
	defer cancel()

	updated := make(map[string]bool, len(quotes))
	writeFailures := 0
	for _, quote := range quotes {
		snap := storage.Snapshot{
			Code:      quote.Code,
			TS:        quote.TS,
			Price:     quote.Price,
			ChangePct: quote.ChangePct,
			Volume:    quote.Volume,
			Turnover:  quote.Turnover,
		}
		if err := c.store.UpsertSnapshot(storeCtx, snap); err != nil {
			writeFailures++
			c.logger.Error().Err(err).Str("code", quote.Code).Msg("snapshot write failed; instrument skipped this cycle")
			continue
		}
		updated[quote.Code] = true
		if quote.Name != "" {
			c.names[quote.Code] = quote.Name
		}
	}

	if writeFailures > 0 {
		c.storageFailStreak++
		if c.storageFailStreak >= c.cfg.Monitor.StorageFailureLimit {
			return fmt.Errorf("%w: write failures in %d consecutive cycles", ErrStorageDegraded, c.storageFailStreak)
		}
	} else {
		c.storageFailStreak = 0
	}
	c.bumpStaleness(updated)

	pool := make([]metrics.Indicators, 0, len(c.cfg.Monitor.Pool))
	for _, code := range c.cfg.Monitor.Pool {
		ind, err := c.engine.Compute(ctx, code, now)
		if err != nil {
			// per-instrument isolation: undefined for this cycle only
			c.logger.Error().Err(err).Str("code", code).Msg("指标计算失败，本周期视为未定义")
			ind = metrics.Indicators{Code: code, At: now}
		}
		pool = append(pool, ind)
	}

	sentiment := signal.Sentiment(pool)
	sentimentPct := decimal.Zero
	if sentiment.Defined {
		sentimentPct = sentiment.Val
	}

	rows := make([]display.Row, 0, len(pool))
	for _, ind := range pool {
		status := metrics.TrendLabel(ind.Velocity)

		for _, event := range c.detector.Evaluate(ind, now) {
			event.Name = c.names[event.Code]
			event.SentimentPct = sentimentPct
			event.DailyTrend = c.dailyTrend[event.Code]
			c.recordAndDispatch(storeCtx, event)
			status = signal.RuleTitle(event.Rule)
		}

		rows = append(rows, display.Row{
			Code:        ind.Code,
			Name:        c.names[ind.Code],
			Price:       ind.Price,
			ChangePct:   ind.ChangePct,
			Velocity:    ind.Velocity,
			VolumeRatio: ind.VolumeRatio,
			Status:      status,
			StaleCycles: c.stale[ind.Code],
		})
	}

	if c.display != nil {
		c.display.Render(display.Frame{At: now, SentimentPct: sentiment, Rows: rows})
	}

	c.cycleCount++
	c.maybePrune(storeCtx, now)
	return nil
}

// recordAndDispatch persists the event into the cooldown ledger, then hands
// it to the queue. A ledger failure is logged but never blocks the hand-off.
func (c *Coordinator) recordAndDispatch(ctx context.Context, event signal.Event) {
	if c.ledger != nil {
		record := storage.AlertEvent{
			Code:         event.Code,
			Rule:         event.Rule,
			FiredAt:      event.FiredAt,
			Price:        event.Price,
			SentimentPct: event.SentimentPct,
			Reason:       event.Reason,
		}
		if event.Velocity.Defined {
			v := event.Velocity.Val
			record.VelocityPct = &v
		}
		if event.VolumeRatio.Defined {
			r := event.VolumeRatio.Val
			record.VolumeRatio = &r
		}
		if _, err := c.ledger.InsertAlertEvent(ctx, record); err != nil {
			c.logger.Error().Err(err).Str("code", event.Code).Str("rule", event.Rule).Msg("failed to persist alert event")
		}
	}

	if c.queue != nil {
		c.queue.Enqueue(event)
	}
}

func (c *Coordinator) bumpStaleness(updated map[string]bool) {
	for _, code := range c.cfg.Monitor.Pool {
		if updated != nil && updated[code] {
			c.stale[code] = 0
			continue
		}
		c.stale[code]++
	}
}

func (c *Coordinator) maybePrune(ctx context.Context, now time.Time) {
	if !c.cfg.Retention.Enabled || c.cycleCount%c.cfg.Retention.EveryCycles != 0 {
		return
	}
	horizon := c.cfg.RetentionHorizon(now)
	removed, err := c.store.Prune(ctx, horizon)
	if err != nil {
		// best effort; retention is not required for correctness
		c.logger.Warn().Err(err).Msg("retention prune failed")
		return
	}
	if removed > 0 {
		c.logger.Info().Int64("rows", removed).Time("horizon", horizon).Msg("pruned aged snapshots")
	}
}
