package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0x" + "ab"
	return cfg
}

func TestValidate_DefaultsWithWalletPass(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ServerModeNeedsNoWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ExecutionModesRequireWallet(t *testing.T) {
	for _, mode := range []string{"run", "resolve", "full"} {
		cfg := Defaults()
		cfg.Mode = mode
		err := cfg.Validate()
		require.Error(t, err, mode)
		assert.Contains(t, err.Error(), "wallet", mode)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	cfg.LogLevel = "loud"
	cfg.Venue.ChainID = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "turbo"`)
	assert.Contains(t, err.Error(), `unknown log_level "loud"`)
	assert.Contains(t, err.Error(), "chain_id")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidate_PartialCLOBAuthRejected(t *testing.T) {
	cfg := validConfig()
	cfg.CLOBAuth.ApiKey = "key-only"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clob_auth")

	cfg.CLOBAuth.ApiSecret = "secret"
	cfg.CLOBAuth.ApiPassphrase = "phrase"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_EncryptedKeyNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.EncryptedKeyPath = "/secrets/key.json"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")

	cfg.Wallet.KeyPassword = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_S3OnlyRequiredWhenArchiving(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Bucket = ""
	require.Error(t, cfg.Validate())

	cfg.Archive.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BackoffOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.SubmitBackoffBase = duration{10 * time.Second}
	cfg.Engine.SubmitBackoffMax = duration{time.Second}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit_backoff_max")
}

func TestLoad_FileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "run"
log_level = "debug"

[engine]
signal_stream = "signals:test"
quote_max_age = "2s"

[server]
rate_limit = 10
rate_window = "30s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "signals:test", cfg.Engine.SignalStream)
	assert.Equal(t, 2*time.Second, cfg.Engine.QuoteMaxAge.Duration)
	assert.Equal(t, 10, cfg.Server.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Server.RateWindow.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Engine.SubmitMaxAttempts)
	assert.Equal(t, 137, cfg.Venue.ChainID)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[redis]
addr = "file-redis:6379"
`), 0o600))

	t.Setenv("MIRROR_MODE", "run")
	t.Setenv("MIRROR_REDIS_ADDR", "env-redis:6379")
	t.Setenv("MIRROR_WALLET_PRIVATE_KEY", "0xsecret")
	t.Setenv("MIRROR_ENGINE_QUOTE_MAX_AGE", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run", cfg.Mode)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "0xsecret", cfg.Wallet.PrivateKey)
	assert.Equal(t, 3*time.Second, cfg.Engine.QuoteMaxAge.Duration)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDuration_TextRoundTrip(t *testing.T) {
	d := duration{90 * time.Second}
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var parsed duration
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, d.Duration, parsed.Duration)
}
