package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"quant-monitor/internal/advisor"
	"quant-monitor/internal/config"
	"quant-monitor/internal/dispatch"
	"quant-monitor/internal/display"
	"quant-monitor/internal/feed"
	"quant-monitor/internal/metrics"
	"quant-monitor/internal/notify"
	"quant-monitor/internal/scheduler"
	"quant-monitor/internal/service"
	sig "quant-monitor/internal/signal"
	"quant-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeed() *feed.Client {
	return feed.NewClient(feed.Options{
		BaseURL:   a.Config.Feed.BaseURL,
		Timeout:   a.Config.Feed.RequestTimeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, a.Logger)
}

func (a *App) newNarrator() dispatch.Narrator {
	if !a.Config.Advisor.Enabled {
		return nil
	}
	cfg := a.Config.Advisor
	return advisor.NewKimi(advisor.Options{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() dispatch.Notifier {
	if !a.Config.Feishu.Enabled {
		return nil
	}
	cfg := a.Config.Feishu
	return notify.NewFeishu(notify.Options{
		WebhookURL: cfg.WebhookURL,
		Secret:     cfg.Secret,
		Timeout:    cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newEngine(reader metrics.SnapshotReader) *metrics.Engine {
	return metrics.NewEngine(reader, metrics.Options{
		VelocityWindow: a.Config.Windows.Velocity,
		BaselineWindow: a.Config.Windows.VolumeBaseline,
		DigestWindow:   a.Config.Windows.Digest,
		SampleInterval: a.Config.Windows.SampleInterval,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Monitor.Pool) == 0 {
		return errors.New("monitor.pool is empty; nothing to monitor")
	}
	if a.Config.Feed.BaseURL == "" {
		return errors.New("feed.base_url is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	if key := a.Config.Monitor.AdvisoryLockKey; key != 0 {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, key)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return errors.New("another monitor instance holds the advisory lock")
		}
		defer unlock()
	}

	quoteFeed := a.newFeed()
	engine := a.newEngine(store)
	detector := sig.NewDetector(sig.RulesFromConfig(a.Config.Rules), a.Logger)

	dispatcher := dispatch.New(a.Config.Dispatch.QueueSize, a.newNarrator(), a.newNotifier(), a.Logger)
	dispatcher.Start(ctx)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Monitor.Interval,
		StartupDelay: a.Config.Monitor.StartupDelay,
	}, a.Logger)

	sink := display.NewConsole(nil, a.Logger)

	svc := service.New(a.Config, sched, quoteFeed, quoteFeed, store, store, engine, detector, dispatcher, sink, a.Logger)

	a.Logger.Info().
		Strs("pool", a.Config.Monitor.Pool).
		Dur("interval", a.Config.Monitor.Interval).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	Code      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code   string
	Limit  int
	Alerts bool
}

// PruneOptions configure the manual retention trim.
type PruneOptions struct {
	OlderThan time.Duration
}
