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
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MIRROR_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "MIRROR_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MIRROR_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MIRROR_WALLET_KEY_PASSWORD")

	// ── Venue ──
	setStr(&cfg.Venue.ClobHost, "MIRROR_VENUE_CLOB_HOST")
	setStr(&cfg.Venue.GammaHost, "MIRROR_VENUE_GAMMA_HOST")
	setStr(&cfg.Venue.WsHost, "MIRROR_VENUE_WS_HOST")
	setInt(&cfg.Venue.ChainID, "MIRROR_VENUE_CHAIN_ID")
	setInt(&cfg.Venue.SignatureType, "MIRROR_VENUE_SIGNATURE_TYPE")
	setFloat64(&cfg.Venue.RateLimit, "MIRROR_VENUE_RATE_LIMIT")
	setInt(&cfg.Venue.RateBurst, "MIRROR_VENUE_RATE_BURST")
	setDuration(&cfg.Venue.HTTPTimeout, "MIRROR_VENUE_HTTP_TIMEOUT")

	// ── CLOB auth ──
	setStr(&cfg.CLOBAuth.ApiKey, "MIRROR_CLOB_AUTH_API_KEY")
	setStr(&cfg.CLOBAuth.ApiSecret, "MIRROR_CLOB_AUTH_API_SECRET")
	setStr(&cfg.CLOBAuth.ApiPassphrase, "MIRROR_CLOB_AUTH_API_PASSPHRASE")

	// ── Database ──
	setStr(&cfg.Database.DSN, "MIRROR_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "MIRROR_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "MIRROR_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MIRROR_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MIRROR_DATABASE_NAME")
	setStr(&cfg.Database.User, "MIRROR_DATABASE_USER")
	setStr(&cfg.Database.Password, "MIRROR_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MIRROR_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "MIRROR_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MIRROR_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MIRROR_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "MIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MIRROR_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setStr(&cfg.Engine.SignalStream, "MIRROR_ENGINE_SIGNAL_STREAM")
	setDuration(&cfg.Engine.IntakePollInterval, "MIRROR_ENGINE_INTAKE_POLL_INTERVAL")
	setDuration(&cfg.Engine.QuoteMaxAge, "MIRROR_ENGINE_QUOTE_MAX_AGE")
	setInt(&cfg.Engine.SubmitMaxAttempts, "MIRROR_ENGINE_SUBMIT_MAX_ATTEMPTS")
	setDuration(&cfg.Engine.SubmitBackoffBase, "MIRROR_ENGINE_SUBMIT_BACKOFF_BASE")
	setDuration(&cfg.Engine.SubmitBackoffMax, "MIRROR_ENGINE_SUBMIT_BACKOFF_MAX")
	setDuration(&cfg.Engine.SubmitTimeout, "MIRROR_ENGINE_SUBMIT_TIMEOUT")
	setDuration(&cfg.Engine.FillPollInterval, "MIRROR_ENGINE_FILL_POLL_INTERVAL")
	setDuration(&cfg.Engine.ResolutionPollInterval, "MIRROR_ENGINE_RESOLUTION_POLL_INTERVAL")
	setDuration(&cfg.Engine.RedemptionBackoffBase, "MIRROR_ENGINE_REDEMPTION_BACKOFF_BASE")
	setDuration(&cfg.Engine.RedemptionBackoffMax, "MIRROR_ENGINE_REDEMPTION_BACKOFF_MAX")
	setInt(&cfg.Engine.RedemptionAlertAttempts, "MIRROR_ENGINE_REDEMPTION_ALERT_ATTEMPTS")
	setFloat64(&cfg.Engine.DefaultSlippageTolerance, "MIRROR_ENGINE_DEFAULT_SLIPPAGE_TOLERANCE")
	setFloat64(&cfg.Engine.DefaultSizingFraction, "MIRROR_ENGINE_DEFAULT_SIZING_FRACTION")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MIRROR_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "MIRROR_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "MIRROR_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MIRROR_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "MIRROR_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "MIRROR_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MIRROR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MIRROR_MODE")
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
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
