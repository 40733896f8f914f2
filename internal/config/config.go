// Package config defines the top-level configuration for marketlib and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mazstick/marketlib/internal/backtest"
	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/strategy"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MARKETLIB_* environment
// variables.
type Config struct {
	Data     DataConfig            `toml:"data"`
	Binance  BinanceConfig         `toml:"binance"`
	CoinEx   CoinExConfig          `toml:"coinex"`
	Strategy strategy.Config       `toml:"strategy"`
	Backtest backtest.RunnerConfig `toml:"backtest"`
	Record   RecordConfig          `toml:"record"`
	Postgres PostgresConfig        `toml:"postgres"`
	Redis    RedisConfig           `toml:"redis"`
	S3       S3Config              `toml:"s3"`
	Notify   NotifyConfig          `toml:"notify"`
	Mode     string                `toml:"mode"`
	LogLevel string                `toml:"log_level"`
}

// DataConfig selects what market data the active mode works on.
type DataConfig struct {
	// Venue is the exchange the data comes from: "binance" or "coinex".
	Venue string `toml:"venue"`

	// Symbol is the primary market, e.g. "BTCUSDT". Symbols extends it
	// for modes that watch several markets at once (scan).
	Symbol  string   `toml:"symbol"`
	Symbols []string `toml:"symbols"`

	Timeframe string `toml:"timeframe"`

	// File points backtests at a CSV/JSON dataset instead of the venue
	// REST API: a local path, or s3://<key> for an archived dataset in
	// the configured bucket.
	File string `toml:"file"`

	// From/To bound REST downloads. A zero From falls back to Lookback
	// before now; a zero To means now.
	From     time.Time `toml:"from"`
	To       time.Time `toml:"to"`
	Lookback duration  `toml:"lookback"`

	// OutputDir receives datasets written by fetch mode.
	OutputDir string `toml:"output_dir"`
}

// BinanceConfig holds Binance endpoints. Only public market data is
// used, so there are no credentials.
type BinanceConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// CoinExConfig holds CoinEx endpoints and API credentials. The key pair
// may be given directly or as an encrypted credentials file plus
// password (see internal/crypto).
type CoinExConfig struct {
	BaseURL          string `toml:"base_url"`
	AccessID         string `toml:"access_id"`
	SecretKey        string `toml:"secret_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RecordConfig shapes record mode, which appends live trade prices to a
// CSV file.
type RecordConfig struct {
	// Path is the tick CSV file. MaxRows > 0 rotates to a fresh
	// timestamped file once a file holds that many rows.
	Path       string `toml:"path"`
	FlushEvery int    `toml:"flush_every"`
	MaxRows    int    `toml:"max_rows"`
}

// PostgresConfig holds PostgreSQL connection parameters. The stores are
// optional: when Enabled is false, runs are not persisted.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the candle and
// symbol caches.
type RedisConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for dataset
// and report archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "720h", "30m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Data: DataConfig{
			Venue:     "binance",
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			Lookback:  duration{30 * 24 * time.Hour},
			OutputDir: "data",
		},
		Binance: BinanceConfig{
			BaseURL: "https://api.binance.com",
			WSURL:   "wss://stream.binance.com:9443/stream",
		},
		CoinEx: CoinExConfig{
			BaseURL: "https://api.coinex.com/v2",
		},
		Strategy: strategy.Config{
			Name: strategy.NameMACDDivergence,
		},
		Backtest: backtest.RunnerConfig{
			Size:           1,
			InitialCapital: 10_000,
			FeeRate:        0.001,
		},
		Record: RecordConfig{
			Path:       "ticks.csv",
			FlushEvery: 25,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "marketlib",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:         false,
			Addr:            "localhost:6379",
			DB:              0,
			PoolSize:        20,
			MaxRetries:      3,
			CacheTTLMinutes: 60,
			StreamMaxLen:    10_000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketlib-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"signal_detected", "backtest_finished", "feed_disconnected", "error"},
		},
		Mode:     "backtest",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"backtest": true,
	"fetch":    true,
	"scan":     true,
	"record":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validVenues enumerates the supported exchanges.
var validVenues = map[string]bool{
	"binance": true,
	"coinex":  true,
}

// AllSymbols returns Symbol plus Symbols with duplicates removed,
// preserving order.
func (d DataConfig) AllSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append([]string{d.Symbol}, d.Symbols...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Range resolves the download window: [From, To] when set, otherwise
// Lookback (default 30 days) back from now.
func (d DataConfig) Range(now time.Time) (time.Time, time.Time) {
	to := d.To
	if to.IsZero() {
		to = now
	}
	from := d.From
	if from.IsZero() {
		lookback := d.Lookback.Duration
		if lookback <= 0 {
			lookback = 30 * 24 * time.Hour
		}
		from = to.Add(-lookback)
	}
	return from, to
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: backtest, fetch, scan, record)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Data
	if !validVenues[strings.ToLower(c.Data.Venue)] {
		errs = append(errs, fmt.Sprintf("data: unknown venue %q (valid: binance, coinex)", c.Data.Venue))
	}
	if c.Data.Symbol == "" && len(c.Data.Symbols) == 0 {
		errs = append(errs, "data: symbol (or symbols) must be set")
	}
	if _, err := domain.ParseTimeframe(c.Data.Timeframe); err != nil {
		errs = append(errs, fmt.Sprintf("data: unknown timeframe %q", c.Data.Timeframe))
	}
	if !c.Data.From.IsZero() && !c.Data.To.IsZero() && c.Data.To.Before(c.Data.From) {
		errs = append(errs, "data: to must not be before from")
	}
	if strings.HasPrefix(c.Data.File, "s3://") && !c.S3.Enabled {
		errs = append(errs, "data: file uses s3:// but the s3 section is disabled")
	}

	// CoinEx credentials are optional, but an encrypted key file needs
	// its password.
	if c.CoinEx.EncryptedKeyPath != "" && c.CoinEx.KeyPassword == "" {
		errs = append(errs, "coinex: key_password is required when encrypted_key_path is set")
	}

	// Strategy section of the selected strategy.
	if err := c.Strategy.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Backtest
	if c.Backtest.Size < 0 {
		errs = append(errs, "backtest: size must not be negative")
	}
	if c.Backtest.FeeRate < 0 {
		errs = append(errs, "backtest: fee_rate must not be negative")
	}
	if c.Backtest.RiskPct < 0 || c.Backtest.RiskPct > 1 {
		errs = append(errs, "backtest: risk_pct must be within [0, 1]")
	}

	// Record
	if c.Mode == "record" && c.Record.Path == "" {
		errs = append(errs, "record: path must be set for record mode")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Notify: token and chat id go together.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
