package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETLIB_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETLIB_* environment variables
// and overwrites the corresponding Config fields when a variable is set
// (i.e. not empty). This lets operators inject secrets at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Data ──
	setStr(&cfg.Data.Venue, "MARKETLIB_DATA_VENUE")
	setStr(&cfg.Data.Symbol, "MARKETLIB_DATA_SYMBOL")
	setStringSlice(&cfg.Data.Symbols, "MARKETLIB_DATA_SYMBOLS")
	setStr(&cfg.Data.Timeframe, "MARKETLIB_DATA_TIMEFRAME")
	setStr(&cfg.Data.File, "MARKETLIB_DATA_FILE")
	setTime(&cfg.Data.From, "MARKETLIB_DATA_FROM")
	setTime(&cfg.Data.To, "MARKETLIB_DATA_TO")
	setDuration(&cfg.Data.Lookback, "MARKETLIB_DATA_LOOKBACK")
	setStr(&cfg.Data.OutputDir, "MARKETLIB_DATA_OUTPUT_DIR")

	// ── Binance ──
	setStr(&cfg.Binance.BaseURL, "MARKETLIB_BINANCE_BASE_URL")
	setStr(&cfg.Binance.WSURL, "MARKETLIB_BINANCE_WS_URL")

	// ── CoinEx ──
	setStr(&cfg.CoinEx.BaseURL, "MARKETLIB_COINEX_BASE_URL")
	setStr(&cfg.CoinEx.AccessID, "MARKETLIB_COINEX_ACCESS_ID")
	setStr(&cfg.CoinEx.SecretKey, "MARKETLIB_COINEX_SECRET_KEY")
	setStr(&cfg.CoinEx.EncryptedKeyPath, "MARKETLIB_COINEX_ENCRYPTED_KEY_PATH")
	setStr(&cfg.CoinEx.KeyPassword, "MARKETLIB_COINEX_KEY_PASSWORD")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "MARKETLIB_STRATEGY_NAME")
	setInt(&cfg.Strategy.MACDDivergence.FastPeriod, "MARKETLIB_STRATEGY_MACD_FAST_PERIOD")
	setInt(&cfg.Strategy.MACDDivergence.SlowPeriod, "MARKETLIB_STRATEGY_MACD_SLOW_PERIOD")
	setInt(&cfg.Strategy.MACDDivergence.SignalPeriod, "MARKETLIB_STRATEGY_MACD_SIGNAL_PERIOD")
	setInt(&cfg.Strategy.MACDDivergence.Interspace, "MARKETLIB_STRATEGY_MACD_INTERSPACE")
	setInt(&cfg.Strategy.MACDDivergence.MaxPairGap, "MARKETLIB_STRATEGY_MACD_MAX_PAIR_GAP")
	setFloat64(&cfg.Strategy.MACDDivergence.Tolerance, "MARKETLIB_STRATEGY_MACD_TOLERANCE")
	setStr(&cfg.Strategy.MACDDivergence.Side, "MARKETLIB_STRATEGY_MACD_SIDE")
	setInt(&cfg.Strategy.MACross.ShortPeriod, "MARKETLIB_STRATEGY_MA_CROSS_SHORT_PERIOD")
	setInt(&cfg.Strategy.MACross.LongPeriod, "MARKETLIB_STRATEGY_MA_CROSS_LONG_PERIOD")

	// ── Backtest ──
	setFloat64(&cfg.Backtest.Size, "MARKETLIB_BACKTEST_SIZE")
	setFloat64(&cfg.Backtest.RiskPct, "MARKETLIB_BACKTEST_RISK_PCT")
	setFloat64(&cfg.Backtest.InitialCapital, "MARKETLIB_BACKTEST_INITIAL_CAPITAL")
	setFloat64(&cfg.Backtest.FeeRate, "MARKETLIB_BACKTEST_FEE_RATE")
	setFloat64(&cfg.Backtest.StopATRMult, "MARKETLIB_BACKTEST_STOP_ATR_MULT")
	setFloat64(&cfg.Backtest.StopPct, "MARKETLIB_BACKTEST_STOP_PCT")
	setFloat64(&cfg.Backtest.TakeProfitRR, "MARKETLIB_BACKTEST_TAKE_PROFIT_RR")
	setInt(&cfg.Backtest.MaxOpenPositions, "MARKETLIB_BACKTEST_MAX_OPEN_POSITIONS")
	setBool(&cfg.Backtest.AllowShort, "MARKETLIB_BACKTEST_ALLOW_SHORT")
	setBool(&cfg.Backtest.KeepOpenAtEnd, "MARKETLIB_BACKTEST_KEEP_OPEN_AT_END")

	// ── Record ──
	setStr(&cfg.Record.Path, "MARKETLIB_RECORD_PATH")
	setInt(&cfg.Record.FlushEvery, "MARKETLIB_RECORD_FLUSH_EVERY")
	setInt(&cfg.Record.MaxRows, "MARKETLIB_RECORD_MAX_ROWS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MARKETLIB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARKETLIB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MARKETLIB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETLIB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETLIB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETLIB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETLIB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETLIB_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "MARKETLIB_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETLIB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETLIB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETLIB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETLIB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETLIB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETLIB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETLIB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETLIB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETLIB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETLIB_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.CacheTTLMinutes, "MARKETLIB_REDIS_CACHE_TTL_MINUTES")
	setInt(&cfg.Redis.StreamMaxLen, "MARKETLIB_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETLIB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETLIB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETLIB_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETLIB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETLIB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETLIB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETLIB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETLIB_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETLIB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETLIB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETLIB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETLIB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETLIB_MODE")
	setStr(&cfg.LogLevel, "MARKETLIB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setTime(dst *time.Time, key string) {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			*dst = t
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
