package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	eng := cfg.EngineConfig()
	assert.Equal(t, 10*time.Second, eng.EntryTimeout)
	assert.Equal(t, 300*time.Millisecond, eng.PollInterval)
	assert.Equal(t, 0.998, eng.FeeBuffer)
	require.Len(t, eng.PanicLegs, 2)
	assert.Equal(t, 3*time.Second, eng.PanicLegs[0].Timeout)
	assert.True(t, eng.PanicFinalLeg.IOC)

	m := cfg.MachineConfig()
	assert.Equal(t, 15*time.Minute, m.PostExitCooldown)
	assert.Equal(t, time.Hour, m.PanicHaltCooldown)
	assert.Equal(t, cfg.ExecutionConfig.ExitTicks, m.ExitTicks)

	r := cfg.RunnerSettings()
	assert.Equal(t, "PAPER", r.Mode)
	assert.Equal(t, time.Second, r.TickInterval)
	assert.Equal(t, -0.05, r.HardLossCap)
	assert.True(t, r.RequireSafeGate)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, int64(1000), cfg.Seed)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"mode": "LIVE",
		"exchange": "BINANCE",
		"seed": 5000,
		"execution": {"entry_timeout_ms": 2500},
		"risk": {"max_daily_loss_pct": 0.03, "timezone": "UTC"},
		"paths": {"base_dir": "/var/lib/spotbot"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, int64(5000), cfg.Seed)
	assert.Equal(t, 2500*time.Millisecond, cfg.EngineConfig().EntryTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, 3*time.Second, cfg.EngineConfig().ExitTimeout)
	assert.Equal(t, "/var/lib/spotbot/runtime_status.json", cfg.RunnerSettings().StatusPath)

	guard, err := cfg.RiskConfig.ToGuardConfig("risk.json")
	require.NoError(t, err)
	assert.Equal(t, 0.03, guard.MaxDailyLossPct)
	assert.Equal(t, time.UTC, guard.Location)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("EXCHANGE", "binance")
	t.Setenv("SEED", "2500")
	t.Setenv("LOG_JSON", "false")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("AUTH_TOKEN_DURATION", "30m")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "http://a, http://b")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, ExchangeBinance, cfg.Exchange)
	assert.Equal(t, int64(2500), cfg.Seed)
	assert.False(t, cfg.LoggingConfig.JSONFormat)
	assert.Equal(t, 30*time.Minute, cfg.AuthConfig.TokenDuration)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.ServerConfig.Origins())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "DEMO" }},
		{"bad exchange", func(c *Config) { c.Exchange = "KRAKEN" }},
		{"live on simulator", func(c *Config) { c.Mode = ModeLive }},
		{"zero seed", func(c *Config) { c.Seed = 0 }},
		{"zero entry timeout", func(c *Config) { c.ExecutionConfig.EntryTimeoutMs = 0 }},
		{"zero tick", func(c *Config) { c.RunnerConfig.TickIntervalMs = 0 }},
		{"fee buffer above one", func(c *Config) { c.ExecutionConfig.FeeBuffer = 1.2 }},
		{"loss pct out of range", func(c *Config) { c.RiskConfig.MaxDailyLossPct = 5 }},
		{"unknown journal", func(c *Config) { c.JournalConfig.Backend = "mongo" }},
		{"auth without secret", func(c *Config) { c.AuthConfig.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestGenerateSampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, GenerateSampleConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "your_api_key_here", cfg.BinanceConfig.APIKey)
	assert.True(t, cfg.BinanceConfig.Testnet)
	assert.Equal(t, Default().ExecutionConfig, cfg.ExecutionConfig)
}
