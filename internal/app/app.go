package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatcher/internal/alerting"
	"fxwatcher/internal/config"
	"fxwatcher/internal/engine"
	"fxwatcher/internal/rates"
	"fxwatcher/internal/scheduler"
	"fxwatcher/internal/service"
	"fxwatcher/internal/storage"
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

func (a *App) newProvider() *rates.Provider {
	primary := rates.NewPrimary(rates.PrimaryOptions{
		BaseURL:   a.Config.Provider.PrimaryBaseURL,
		Timeout:   a.Config.Provider.RequestTimeout,
		UserAgent: a.Config.Provider.UserAgent,
	}, a.Logger)

	var secondary rates.SecondaryRateSource
	if a.Config.Provider.SecondaryBaseURL != "" {
		secondary = rates.NewSecondary(rates.SecondaryOptions{
			BaseURL:   a.Config.Provider.SecondaryBaseURL,
			Timeout:   a.Config.Provider.RequestTimeout,
			UserAgent: a.Config.Provider.UserAgent,
		}, a.Logger)
	}

	volatility := make(map[rates.Currency]decimal.Decimal, len(a.Config.Currencies.DailyVolatility))
	for code, v := range a.Config.Currencies.DailyVolatility {
		volatility[rates.Currency(code)] = decimal.NewFromFloat(v)
	}

	static := make(map[string]decimal.Decimal, len(a.Config.Currencies.StaticRates))
	for pair, v := range a.Config.Currencies.StaticRates {
		static[pair] = decimal.NewFromFloat(v)
	}

	return rates.NewProvider(primary, secondary, rates.ProviderOptions{
		Universe:        rates.NewUniverse(a.Config.Currencies.PrimarySet, a.Config.Currencies.SecondarySet),
		DailyVolatility: volatility,
		StaticRates:     static,
		AllowEstimates:  a.Config.Currencies.AllowEstimates,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	var channels []alerting.Notifier

	if a.Config.Alerting.SMTP.Enabled {
		cfg := a.Config.Alerting.SMTP
		channels = append(channels, alerting.NewSMTPNotifier(alerting.SMTPOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			From:     cfg.From,
			Username: cfg.Username,
			Password: cfg.Password,
		}, a.Logger))
	}

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}

	if len(channels) == 0 {
		return nil
	}
	return alerting.NewFanout(channels...)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newEngine(store *storage.Store, notifier alerting.Notifier) *engine.Engine {
	return engine.New(store, a.newProvider(), notifier, store, store, engine.Options{
		Concurrency:  a.Config.Alerting.Concurrency,
		ExactEpsilon: decimal.NewFromFloat(a.Config.Alerting.ExactEpsilon),
	}, a.Logger)
}

// Run executes the long-running alert evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; alert rules live in postgres")
	}
	defer closeStore()

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("no alert channels configured; alerts will be evaluated but not delivered")
		notifier = alerting.NewFanout()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, a.newEngine(store, notifier), service.Options{
		Locker:     store,
		LockKey:    a.Config.Scheduler.AdvisoryLockKey,
		TickBudget: a.Config.Scheduler.TickBudget,
	}, a.Logger)

	a.Logger.Info().Msg("starting alert evaluation service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert evaluation service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical rate samples.
type ExportOptions struct {
	Base      string
	Quote     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe the synthetic rule and market for a dry-run
// alert evaluation.
type SimulateOptions struct {
	Kind         string
	Base         string
	Quote        string
	NotifyTarget string

	CurrentRate float64
	PastRate    float64

	IntervalDays int
	ThresholdPct float64
	BaselineRate float64
	TargetRate   float64
	Direction    string
}
