package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/mirrorlabs/mirrorbot/internal/blob/s3"
	"github.com/mirrorlabs/mirrorbot/internal/cache/redis"
	"github.com/mirrorlabs/mirrorbot/internal/config"
	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/notify"
	"github.com/mirrorlabs/mirrorbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Strategies  domain.StrategyStore
	Rules       domain.RiskRulesStore
	States      domain.RiskStateStore
	Orders      domain.OrderStore
	Redemptions domain.RedemptionStore
	// Events publishes every appended entry on the signal bus in addition to
	// persisting it, so the WebSocket hub streams the execution log live.
	Events domain.ExecutionLogStore

	// Caches
	Quotes      domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Bus         domain.SignalBus

	// Blob storage (nil unless archiving is enabled for this mode)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.ArchiveImpl

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that run the cold-storage archiver.
func needsS3(mode string) bool {
	switch mode {
	case "resolve", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Strategies = postgres.NewStrategyStore(pool)
	deps.Rules = postgres.NewRiskRulesStore(pool)
	deps.States = postgres.NewRiskStateStore(pool)
	orderStore := postgres.NewOrderStore(pool)
	deps.Orders = orderStore
	deps.Redemptions = postgres.NewRedemptionStore(pool)
	eventStore := postgres.NewExecutionLogStore(pool)

	// --- Redis ---
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

	deps.Quotes = redis.NewQuoteCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	deps.Events = newPublishingEventLog(eventStore, deps.Bus, logger)

	// --- S3 blob storage (only when the mode runs the archiver) ---
	if cfg.Archive.Enabled && needsS3(cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		// The archiver reads and deletes through the raw event store: the
		// publishing wrapper is for live appends, not bulk rotation.
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			reader,
			eventStore,
			orderStore,
			logger,
		)
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
