// Package config defines the top-level configuration for the mirror execution
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Venue    VenueConfig    `toml:"venue"`
	CLOBAuth CLOBAuthConfig `toml:"clob_auth"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used to sign orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// VenueConfig holds CLOB venue endpoints and chain parameters.
type VenueConfig struct {
	ClobHost      string   `toml:"clob_host"`
	GammaHost     string   `toml:"gamma_host"`
	WsHost        string   `toml:"ws_host"`
	ChainID       int      `toml:"chain_id"`
	SignatureType int      `toml:"signature_type"`
	RateLimit     float64  `toml:"rate_limit"`  // REST requests per second
	RateBurst     int      `toml:"rate_burst"`
	HTTPTimeout   duration `toml:"http_timeout"`
}

// CLOBAuthConfig holds the venue's level-2 API credentials. All three fields
// must be set together, or all empty.
type CLOBAuthConfig struct {
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the execution-engine parameters shared by all
// strategies. Per-strategy risk limits live in the database, not here.
type EngineConfig struct {
	// SignalStream is the durable stream candidate signals arrive on.
	SignalStream string `toml:"signal_stream"`
	// IntakePollInterval bounds how long intake sleeps when the stream is
	// drained.
	IntakePollInterval duration `toml:"intake_poll_interval"`
	// QuoteMaxAge is the market-data freshness bound for admission.
	QuoteMaxAge duration `toml:"quote_max_age"`
	// SubmitMaxAttempts caps order submission retries on transient failures.
	SubmitMaxAttempts int      `toml:"submit_max_attempts"`
	SubmitBackoffBase duration `toml:"submit_backoff_base"`
	SubmitBackoffMax  duration `toml:"submit_backoff_max"`
	// SubmitTimeout is the per-attempt deadline; a timed-out attempt is
	// reconciled by client order id, never blindly resubmitted.
	SubmitTimeout duration `toml:"submit_timeout"`
	// FillPollInterval drives the tracker's reconciliation sweep for orders
	// the push feed has gone quiet on.
	FillPollInterval duration `toml:"fill_poll_interval"`
	// ResolutionPollInterval drives the oracle sweep over unresolved markets.
	ResolutionPollInterval duration `toml:"resolution_poll_interval"`
	// RedemptionBackoffBase and RedemptionBackoffMax bound the retry schedule
	// for failed collateral claims; claims retry indefinitely.
	RedemptionBackoffBase duration `toml:"redemption_backoff_base"`
	RedemptionBackoffMax  duration `toml:"redemption_backoff_max"`
	// RedemptionAlertAttempts is the failure count after which operators are
	// notified about a stuck claim.
	RedemptionAlertAttempts int `toml:"redemption_alert_attempts"`
	// DefaultSlippageTolerance and DefaultSizingFraction seed new strategies
	// that do not specify their own.
	DefaultSlippageTolerance float64 `toml:"default_slippage_tolerance"`
	DefaultSizingFraction    float64 `toml:"default_sizing_fraction"`
}

// ArchiveConfig holds cold-storage rotation parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
			RateLimit:     8,
			RateBurst:     4,
			HTTPTimeout:   duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mirrorbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mirrorbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			SignalStream:             "signals:candidates",
			IntakePollInterval:       duration{2 * time.Second},
			QuoteMaxAge:              duration{5 * time.Second},
			SubmitMaxAttempts:        4,
			SubmitBackoffBase:        duration{500 * time.Millisecond},
			SubmitBackoffMax:         duration{8 * time.Second},
			SubmitTimeout:            duration{10 * time.Second},
			FillPollInterval:         duration{5 * time.Second},
			ResolutionPollInterval:   duration{1 * time.Minute},
			RedemptionBackoffBase:    duration{30 * time.Second},
			RedemptionBackoffMax:     duration{30 * time.Minute},
			RedemptionAlertAttempts:  5,
			DefaultSlippageTolerance: 0.03,
			DefaultSizingFraction:    0.05,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "order_frozen", "redemption_stuck", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true, // intake + execution + tracking
	"resolve": true, // resolution and redemption sweeps only
	"server":  true, // operator API only
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, resolve, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — order submission and collateral claims both sign through the
	// wallet, so every mode except the headless API needs a key.
	needsWallet := c.Mode == "run" || c.Mode == "resolve" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Venue endpoints
	if c.Venue.ClobHost == "" {
		errs = append(errs, "venue: clob_host must not be empty")
	}
	if c.Venue.ChainID <= 0 {
		errs = append(errs, "venue: chain_id must be positive")
	}
	if c.Venue.SignatureType != 1 && c.Venue.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("venue: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Venue.SignatureType))
	}
	if c.Venue.RateLimit <= 0 {
		errs = append(errs, "venue: rate_limit must be > 0")
	}

	// CLOB auth — all three fields together, or all empty.
	ak := c.CLOBAuth.ApiKey != ""
	as := c.CLOBAuth.ApiSecret != ""
	ap := c.CLOBAuth.ApiPassphrase != ""
	if ak || as || ap {
		if !(ak && as && ap) {
			errs = append(errs, "clob_auth: api_key, api_secret, and api_passphrase must all be set together")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — required only when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Engine
	if c.Engine.SignalStream == "" {
		errs = append(errs, "engine: signal_stream must not be empty")
	}
	if c.Engine.QuoteMaxAge.Duration <= 0 {
		errs = append(errs, "engine: quote_max_age must be > 0")
	}
	if c.Engine.SubmitMaxAttempts < 1 {
		errs = append(errs, "engine: submit_max_attempts must be >= 1")
	}
	if c.Engine.SubmitBackoffBase.Duration <= 0 {
		errs = append(errs, "engine: submit_backoff_base must be > 0")
	}
	if c.Engine.SubmitBackoffMax.Duration < c.Engine.SubmitBackoffBase.Duration {
		errs = append(errs, "engine: submit_backoff_max must be >= submit_backoff_base")
	}
	if c.Engine.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "engine: submit_timeout must be > 0")
	}
	if c.Engine.DefaultSlippageTolerance < 0 || c.Engine.DefaultSlippageTolerance >= 1 {
		errs = append(errs, fmt.Sprintf("engine: default_slippage_tolerance must be in [0, 1), got %g", c.Engine.DefaultSlippageTolerance))
	}
	if c.Engine.DefaultSizingFraction <= 0 || c.Engine.DefaultSizingFraction > 1 {
		errs = append(errs, fmt.Sprintf("engine: default_sizing_fraction must be in (0, 1], got %g", c.Engine.DefaultSizingFraction))
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
