package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/mazstick/marketlib/internal/blob/s3"
	"github.com/mazstick/marketlib/internal/cache/redis"
	"github.com/mazstick/marketlib/internal/config"
	"github.com/mazstick/marketlib/internal/crypto"
	"github.com/mazstick/marketlib/internal/domain"
	"github.com/mazstick/marketlib/internal/notify"
	"github.com/mazstick/marketlib/internal/platform/binance"
	"github.com/mazstick/marketlib/internal/platform/coinex"
	"github.com/mazstick/marketlib/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function. Optional backends (stores, caches, blob
// storage) stay nil when disabled; the services tolerate that.
type Dependencies struct {
	Venue domain.Venue

	// Stores
	RunStore      domain.RunStore
	TradeStore    domain.TradeStore
	PositionStore domain.PositionStore
	SignalStore   domain.SignalStore

	// Caches
	CandleCache domain.CandleCache
	SymbolCache domain.SymbolCache
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsPostgres returns true for modes that persist results.
func needsPostgres(mode string) bool {
	switch mode {
	case "backtest", "scan":
		return true
	default:
		return false
	}
}

// needsRedis returns true for modes that read caches or publish signals.
func needsRedis(mode string) bool {
	switch mode {
	case "backtest", "fetch", "scan":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that archive datasets or reports.
func needsS3(mode string) bool {
	switch mode {
	case "backtest", "fetch":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	venue, err := newVenue(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deps.Venue = venue

	// --- PostgreSQL (only for modes that persist results) ---
	if cfg.Postgres.Enabled && needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.RunStore = postgres.NewRunStore(pool)
		deps.TradeStore = postgres.NewTradeStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.SignalStore = postgres.NewSignalStore(pool)
	}

	// --- Redis (only for modes that cache or publish) ---
	if cfg.Redis.Enabled && needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		redisTTL := time.Duration(0)
		if cfg.Redis.CacheTTLMinutes > 0 {
			redisTTL = time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute
		}
		streamMaxLen := 10_000
		if cfg.Redis.StreamMaxLen > 0 {
			streamMaxLen = cfg.Redis.StreamMaxLen
		}

		deps.CandleCache = redis.NewCandleCache(redisClient, redisTTL)
		deps.SymbolCache = redis.NewSymbolCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
	}

	// --- S3 blob storage (only for modes that archive) ---
	if cfg.S3.Enabled && needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// newVenue builds the exchange client selected by data.venue.
func newVenue(cfg *config.Config, logger *slog.Logger) (domain.Venue, error) {
	switch strings.ToLower(cfg.Data.Venue) {
	case "", "binance":
		return binance.NewClient(cfg.Binance.BaseURL, logger), nil
	case "coinex":
		auth, err := coinexAuth(cfg.CoinEx)
		if err != nil {
			return nil, err
		}
		return coinex.NewClient(cfg.CoinEx.BaseURL, auth, logger), nil
	default:
		return nil, fmt.Errorf("wire: unknown venue %q", cfg.Data.Venue)
	}
}

// coinexAuth resolves the optional CoinEx API key pair. Public market
// data needs no credentials, so an unset section returns nil auth.
func coinexAuth(cfg config.CoinExConfig) (*crypto.HMACAuth, error) {
	if cfg.AccessID == "" && cfg.EncryptedKeyPath == "" {
		return nil, nil
	}
	creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
		Key:           cfg.AccessID,
		Secret:        cfg.SecretKey,
		EncryptedPath: cfg.EncryptedKeyPath,
		Password:      cfg.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: coinex credentials: %w", err)
	}
	return &crypto.HMACAuth{Key: creds.Key, Secret: creds.Secret}, nil
}
