package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fxwatcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Currencies CurrenciesConfig `mapstructure:"currencies"`
	Trends     TrendsConfig     `mapstructure:"trends"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the alert-evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	// TickBudget bounds one sweep so a slow tick cannot overlap the
	// next scheduled one.
	TickBudget time.Duration `mapstructure:"tick_budget"`
}

// ProviderConfig covers both upstream rate sources.
type ProviderConfig struct {
	PrimaryBaseURL   string        `mapstructure:"primary_base_url"`
	SecondaryBaseURL string        `mapstructure:"secondary_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// CurrenciesConfig partitions the supported universe and parameterises
// degraded estimates.
type CurrenciesConfig struct {
	PrimarySet   []string `mapstructure:"primary_set"`
	SecondarySet []string `mapstructure:"secondary_set"`
	// DailyVolatility holds per-currency assumed daily moves (as a
	// fraction, e.g. 0.02) for historical estimates of secondary-set
	// currencies.
	DailyVolatility map[string]float64 `mapstructure:"daily_volatility"`
	// StaticRates maps "FROM/TO" pairs to best-effort constants used
	// only when estimates are allowed and the secondary source is down.
	StaticRates    map[string]float64 `mapstructure:"static_rates"`
	AllowEstimates bool               `mapstructure:"allow_estimates"`
}

// TrendsConfig tunes the market-trend cache.
type TrendsConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	Universe          []string      `mapstructure:"universe"`
	LookbackDays      int           `mapstructure:"lookback_days"`
	SignificanceFloor float64       `mapstructure:"significance_floor"`
	TopN              int           `mapstructure:"top_n"`
	Concurrency       int           `mapstructure:"concurrency"`
}

// AlertingConfig defines engine tuning and delivery channels.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Concurrency  int            `mapstructure:"concurrency"`
	ExactEpsilon float64        `mapstructure:"exact_epsilon"`
	SMTP         SMTPConfig     `mapstructure:"smtp"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// SMTPConfig describes the email delivery channel.
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TelegramConfig describes the operator mirror channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FXWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787761))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_budget", "10m")

	v.SetDefault("provider.primary_base_url", "https://api.frankfurter.dev/v1")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.user_agent", "fxwatcher/1.0")

	v.SetDefault("currencies.primary_set", []string{
		"EUR", "USD", "GBP", "JPY", "CHF", "CAD", "AUD", "NZD",
		"SEK", "NOK", "DKK", "PLN", "CZK", "HUF", "RON", "BGN",
		"TRY", "BRL", "MXN", "ZAR", "SGD", "HKD", "KRW", "INR",
		"CNY", "THB", "MYR", "IDR", "PHP", "ISK", "ILS",
	})
	v.SetDefault("currencies.secondary_set", []string{"BTC", "ETH", "LTC"})
	v.SetDefault("currencies.daily_volatility", map[string]float64{
		"BTC": 0.03,
		"ETH": 0.04,
		"LTC": 0.05,
	})
	v.SetDefault("currencies.allow_estimates", false)

	v.SetDefault("trends.ttl", "15m")
	v.SetDefault("trends.universe", []string{"EUR", "USD", "GBP", "JPY", "CHF"})
	v.SetDefault("trends.lookback_days", 7)
	v.SetDefault("trends.significance_floor", 1.0)
	v.SetDefault("trends.top_n", 3)
	v.SetDefault("trends.concurrency", 8)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.concurrency", 8)
	v.SetDefault("alerting.exact_epsilon", 0.0001)
	v.SetDefault("alerting.smtp.enabled", false)
	v.SetDefault("alerting.smtp.port", 587)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.TickBudget <= 0 {
		return fmt.Errorf("scheduler.tick_budget must be greater than zero")
	}
	if c.Scheduler.TickBudget > c.Scheduler.Interval {
		return fmt.Errorf("scheduler.tick_budget must not exceed scheduler.interval")
	}
	if c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider.request_timeout must be greater than zero")
	}
	if len(c.Currencies.PrimarySet) == 0 {
		return fmt.Errorf("currencies.primary_set must not be empty")
	}
	if c.Trends.TTL <= 0 {
		return fmt.Errorf("trends.ttl must be greater than zero")
	}
	if c.Trends.SignificanceFloor < 0 {
		return fmt.Errorf("trends.significance_floor cannot be negative")
	}
	if c.Alerting.ExactEpsilon <= 0 {
		return fmt.Errorf("alerting.exact_epsilon must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.SMTP.Enabled {
		if c.Alerting.SMTP.Host == "" {
			return fmt.Errorf("alerting.smtp.host must be configured")
		}
		if c.Alerting.SMTP.From == "" {
			return fmt.Errorf("alerting.smtp.from must be configured")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
