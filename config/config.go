package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"spot-execution-bot/internal/auth"
	"spot-execution-bot/internal/binance"
	"spot-execution-bot/internal/circuit"
	"spot-execution-bot/internal/database"
	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/logging"
	"spot-execution-bot/internal/notification"
	"spot-execution-bot/internal/position"
	"spot-execution-bot/internal/risk"
	"spot-execution-bot/internal/runner"
	"spot-execution-bot/internal/vault"
)

// DefaultPath is read when no --config flag is given
const DefaultPath = "config.json"

// Trading modes and exchanges
const (
	ModeLive  = "LIVE"
	ModePaper = "PAPER"

	ExchangeBinance = "BINANCE"
	ExchangeSim     = "SIM"
)

// Journal backends
const (
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
	JournalNone     = "none"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Mode     string `json:"mode"`     // LIVE or PAPER
	Exchange string `json:"exchange"` // BINANCE or SIM
	Seed     int64  `json:"seed"`     // starting capital in quote currency
	Quote    string `json:"quote"`

	PathsConfig          PathsConfig              `json:"paths"`
	RunnerConfig         RunnerConfig             `json:"runner"`
	ExecutionConfig      ExecutionConfig          `json:"execution"`
	PositionConfig       PositionConfig           `json:"position"`
	RiskConfig           RiskConfig               `json:"risk"`
	BinanceConfig        binance.Config           `json:"exchange_binance"`
	SimulatorConfig      exchange.SimulatorConfig `json:"simulator"`
	CircuitBreakerConfig circuit.BreakerConfig    `json:"circuit_breaker"`
	LoggingConfig        logging.Config           `json:"logging"`
	RedisConfig          database.RedisConfig     `json:"redis"`
	DatabaseConfig       database.Config          `json:"database"`
	JournalConfig        JournalConfig            `json:"journal"`
	NotificationConfig   NotificationConfig       `json:"notification"`
	ServerConfig         ServerConfig             `json:"server"`
	AuthConfig           auth.Config              `json:"auth"`
	VaultConfig          vault.Config             `json:"vault"`
	MetricsConfig        MetricsConfig            `json:"metrics"`
	ParamsConfig         ParamsConfig             `json:"params"`
}

// PathsConfig locates the persisted records. Relative names resolve under BaseDir.
type PathsConfig struct {
	BaseDir        string `json:"base_dir"`
	LockFile       string `json:"lock_file"`
	RuntimeState   string `json:"runtime_state"`
	RuntimeStatus  string `json:"runtime_status"`
	SafeStartState string `json:"safe_start_state"`
	DailyRisk      string `json:"daily_risk_state"`
}

// Resolve joins name onto BaseDir unless it is absolute
func (p PathsConfig) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || p.BaseDir == "" {
		return name
	}
	return filepath.Join(p.BaseDir, name)
}

// RunnerConfig times the control loop
type RunnerConfig struct {
	TickIntervalMs   int  `json:"tick_interval_ms"`
	CycleTimeoutSec  int  `json:"cycle_timeout_sec"`
	QueueSize        int  `json:"queue_size"`
	RequireSafeStart bool `json:"require_safe_start"` // block orders until an operator confirms
}

// PanicLegConfig is one escalation step of the panic exit
type PanicLegConfig struct {
	Ticks     int  `json:"ticks"`
	TimeoutMs int  `json:"timeout_ms"`
	IOC       bool `json:"ioc"`
}

func (l PanicLegConfig) toLeg() execution.PanicLeg {
	return execution.PanicLeg{Ticks: l.Ticks, Timeout: millis(l.TimeoutMs), IOC: l.IOC}
}

// ExecutionConfig holds the engine gates and order timings
type ExecutionConfig struct {
	MaxSpreadBP          float64          `json:"max_spread_bp"`
	MinDepthRatio        float64          `json:"min_depth_ratio"`
	MaxChasePct          float64          `json:"max_chase_pct"`
	MaxEntrySlippage     float64          `json:"max_entry_slippage"`
	FeeBuffer            float64          `json:"fee_buffer"` // fraction of notional actually spent
	EntryTicks           int              `json:"entry_ticks"`
	ExitTicks            int              `json:"exit_ticks"`
	EntryTimeoutMs       int              `json:"entry_timeout_ms"`
	ExitTimeoutMs        int              `json:"exit_timeout_ms"`
	PollIntervalMs       int              `json:"poll_interval_ms"`
	BackoffFactor        float64          `json:"backoff_factor"`
	MaxBackoffMs         int              `json:"max_backoff_ms"`
	EntryCancelWaitMs    int              `json:"entry_cancel_wait_ms"`
	ExitCancelWaitMs     int              `json:"exit_cancel_wait_ms"`
	CancelPollIntervalMs int              `json:"cancel_poll_interval_ms"`
	SafeCooldownSec      int              `json:"safe_cooldown_sec"`
	MarketStatusTTLSec   int              `json:"market_status_ttl_sec"`
	BookDepth            int              `json:"book_depth"`
	PanicLossCap         float64          `json:"panic_loss_cap"`
	PanicLegs            []PanicLegConfig `json:"panic_legs"`
	PanicFinalLeg        PanicLegConfig   `json:"panic_final_leg"`
}

// ToEngineConfig converts to the execution package format
func (c ExecutionConfig) ToEngineConfig() execution.Config {
	legs := make([]execution.PanicLeg, 0, len(c.PanicLegs))
	for _, l := range c.PanicLegs {
		legs = append(legs, l.toLeg())
	}
	return execution.Config{
		MaxSpreadBP:        c.MaxSpreadBP,
		MinDepthRatio:      c.MinDepthRatio,
		MaxChasePct:        c.MaxChasePct,
		MaxEntrySlippage:   c.MaxEntrySlippage,
		FeeBuffer:          c.FeeBuffer,
		EntryTicks:         c.EntryTicks,
		ExitTicks:          c.ExitTicks,
		EntryTimeout:       millis(c.EntryTimeoutMs),
		ExitTimeout:        millis(c.ExitTimeoutMs),
		PollInterval:       millis(c.PollIntervalMs),
		BackoffFactor:      c.BackoffFactor,
		MaxBackoff:         millis(c.MaxBackoffMs),
		EntryCancelWait:    millis(c.EntryCancelWaitMs),
		ExitCancelWait:     millis(c.ExitCancelWaitMs),
		CancelPollInterval: millis(c.CancelPollIntervalMs),
		SafeCooldown:       seconds(c.SafeCooldownSec),
		MarketStatusTTL:    seconds(c.MarketStatusTTLSec),
		BookDepth:          c.BookDepth,
		PanicLossCap:       c.PanicLossCap,
		PanicLegs:          legs,
		PanicFinalLeg:      c.PanicFinalLeg.toLeg(),
	}
}

// PositionConfig holds the state machine cooldowns
type PositionConfig struct {
	PostExitCooldownSec  int `json:"post_exit_cooldown_sec"`
	SafeCooldownSec      int `json:"safe_cooldown_sec"`
	PanicHaltCooldownSec int `json:"panic_halt_cooldown_sec"`
	ClaimTTLCandles      int `json:"claim_ttl_candles"`
	HistorySize          int `json:"history_size"`
	ReconcileTimeoutSec  int `json:"reconcile_timeout_sec"`
}

// ToMachineConfig converts to the position package format
func (c PositionConfig) ToMachineConfig(exitTicks int) position.Config {
	return position.Config{
		PostExitCooldown:  seconds(c.PostExitCooldownSec),
		SafeCooldown:      seconds(c.SafeCooldownSec),
		PanicHaltCooldown: seconds(c.PanicHaltCooldownSec),
		ClaimTTLCandles:   c.ClaimTTLCandles,
		HistorySize:       c.HistorySize,
		ExitTicks:         exitTicks,
		ReconcileTimeout:  seconds(c.ReconcileTimeoutSec),
	}
}

// RiskConfig holds the daily drawdown breaker settings
type RiskConfig struct {
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"` // fraction, 0.05 = 5%
	Timezone        string  `json:"timezone"`           // IANA name for the day boundary; empty = local
}

// ToGuardConfig converts to the risk package format
func (c RiskConfig) ToGuardConfig(statePath string) (risk.Config, error) {
	cfg := risk.Config{MaxDailyLossPct: c.MaxDailyLossPct, StatePath: statePath}
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return cfg, fmt.Errorf("risk timezone: %w", err)
		}
		cfg.Location = loc
	}
	return cfg, nil
}

// JournalConfig selects the execution journal backend
type JournalConfig struct {
	Backend    string `json:"backend"` // sqlite, postgres or none
	SQLitePath string `json:"sqlite_path"`
}

type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // comma separated CORS origins
	ProductionMode  bool   `json:"production_mode"`
	RateLimit       int    `json:"rate_limit"`       // control requests per minute per route
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// Origins splits AllowedOrigins
func (c ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"` // expose /metrics on the API server
}

// ParamsConfig locates the model registry and holds the fallback strategy
// parameters used when no model is active.
type ParamsConfig struct {
	ModelsDir            string  `json:"models_dir"`
	TargetNotional       float64 `json:"target_notional"`
	TPRatio              float64 `json:"tp_ratio"`
	TPSellRatio          float64 `json:"tp_sell_ratio"`
	MaxHoldBars          int     `json:"max_hold_bars"` // 0 disables the time stop
	TimeStopTargetProfit float64 `json:"time_stop_target_profit"`
	HardLossCap          float64 `json:"hard_loss_cap"`
}

// Default returns the production defaults
func Default() *Config {
	eng := execution.DefaultConfig()
	pos := position.DefaultConfig()
	run := runner.DefaultConfig()

	legs := make([]PanicLegConfig, 0, len(eng.PanicLegs))
	for _, l := range eng.PanicLegs {
		legs = append(legs, PanicLegConfig{Ticks: l.Ticks, TimeoutMs: int(l.Timeout / time.Millisecond), IOC: l.IOC})
	}

	return &Config{
		Mode:     ModePaper,
		Exchange: ExchangeSim,
		Seed:     1000,
		Quote:    "USDT",
		PathsConfig: PathsConfig{
			BaseDir:        ".",
			LockFile:       "bot.lock",
			RuntimeState:   "runtime_state.json",
			RuntimeStatus:  "runtime_status.json",
			SafeStartState: "safe_start_state.json",
			DailyRisk:      risk.DefaultConfig().StatePath,
		},
		RunnerConfig: RunnerConfig{
			TickIntervalMs:   int(run.TickInterval / time.Millisecond),
			CycleTimeoutSec:  int(run.CycleTimeout / time.Second),
			QueueSize:        run.QueueSize,
			RequireSafeStart: true,
		},
		ExecutionConfig: ExecutionConfig{
			MaxSpreadBP:          eng.MaxSpreadBP,
			MinDepthRatio:        eng.MinDepthRatio,
			MaxChasePct:          eng.MaxChasePct,
			MaxEntrySlippage:     eng.MaxEntrySlippage,
			FeeBuffer:            eng.FeeBuffer,
			EntryTicks:           eng.EntryTicks,
			ExitTicks:            eng.ExitTicks,
			EntryTimeoutMs:       int(eng.EntryTimeout / time.Millisecond),
			ExitTimeoutMs:        int(eng.ExitTimeout / time.Millisecond),
			PollIntervalMs:       int(eng.PollInterval / time.Millisecond),
			BackoffFactor:        eng.BackoffFactor,
			MaxBackoffMs:         int(eng.MaxBackoff / time.Millisecond),
			EntryCancelWaitMs:    int(eng.EntryCancelWait / time.Millisecond),
			ExitCancelWaitMs:     int(eng.ExitCancelWait / time.Millisecond),
			CancelPollIntervalMs: int(eng.CancelPollInterval / time.Millisecond),
			SafeCooldownSec:      int(eng.SafeCooldown / time.Second),
			MarketStatusTTLSec:   int(eng.MarketStatusTTL / time.Second),
			BookDepth:            eng.BookDepth,
			PanicLossCap:         eng.PanicLossCap,
			PanicLegs:            legs,
			PanicFinalLeg: PanicLegConfig{
				Ticks:     eng.PanicFinalLeg.Ticks,
				TimeoutMs: int(eng.PanicFinalLeg.Timeout / time.Millisecond),
				IOC:       eng.PanicFinalLeg.IOC,
			},
		},
		PositionConfig: PositionConfig{
			PostExitCooldownSec:  int(pos.PostExitCooldown / time.Second),
			SafeCooldownSec:      int(pos.SafeCooldown / time.Second),
			PanicHaltCooldownSec: int(pos.PanicHaltCooldown / time.Second),
			ClaimTTLCandles:      pos.ClaimTTLCandles,
			HistorySize:          pos.HistorySize,
			ReconcileTimeoutSec:  int(pos.ReconcileTimeout / time.Second),
		},
		RiskConfig: RiskConfig{
			MaxDailyLossPct: risk.DefaultConfig().MaxDailyLossPct,
		},
		BinanceConfig: binance.Config{
			BookDepth:   eng.BookDepth,
			RateLimiter: binance.DefaultRateLimiterConfig(),
		},
		SimulatorConfig:      exchange.DefaultSimulatorConfig(),
		CircuitBreakerConfig: *circuit.DefaultBreakerConfig(),
		LoggingConfig: logging.Config{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		RedisConfig: database.RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DatabaseConfig: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "spotbot",
			Database: "spotbot",
			SSLMode:  "disable",
			MaxConns: 5,
		},
		JournalConfig: JournalConfig{
			Backend:    JournalSQLite,
			SQLitePath: "journal.db",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8090,
			Host:            "127.0.0.1",
			AllowedOrigins:  "http://localhost:5173",
			RateLimit:       120,
			ShutdownTimeout: 10,
		},
		AuthConfig:    auth.DefaultConfig(),
		VaultConfig:   vault.DefaultConfig(),
		MetricsConfig: MetricsConfig{Enabled: true},
		ParamsConfig: ParamsConfig{
			ModelsDir:      "models",
			TargetNotional: run.TargetNotional,
			TPRatio:        run.TPRatio,
			TPSellRatio:    run.TPSellRatio,
			MaxHoldBars:    run.MaxHoldBars,
			HardLossCap:    run.HardLossCap,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := loadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// File values act as the defaults.
func applyEnvOverrides(cfg *Config) {
	cfg.Mode = strings.ToUpper(getEnvOrDefault("TRADING_MODE", cfg.Mode))
	cfg.Exchange = strings.ToUpper(getEnvOrDefault("EXCHANGE", cfg.Exchange))
	cfg.Seed = int64(getEnvIntOrDefault("SEED", int(cfg.Seed)))
	cfg.Quote = getEnvOrDefault("QUOTE_CURRENCY", cfg.Quote)

	cfg.PathsConfig.BaseDir = getEnvOrDefault("DATA_DIR", cfg.PathsConfig.BaseDir)

	// Binance credentials may come from the environment when Vault is disabled
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.Testnet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.Testnet)

	cfg.RiskConfig.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", cfg.RiskConfig.MaxDailyLossPct)
	cfg.RiskConfig.Timezone = getEnvOrDefault("RISK_TIMEZONE", cfg.RiskConfig.Timezone)

	cfg.RunnerConfig.TickIntervalMs = getEnvIntOrDefault("RUNNER_TICK_MS", cfg.RunnerConfig.TickIntervalMs)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Storage
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	cfg.JournalConfig.Backend = strings.ToLower(getEnvOrDefault("JOURNAL_BACKEND", cfg.JournalConfig.Backend))

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", cfg.AuthConfig.TokenDuration)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
	cfg.ParamsConfig.ModelsDir = getEnvOrDefault("MODELS_DIR", cfg.ParamsConfig.ModelsDir)
}

// Validate checks enums and that every timing is positive
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Mode != ModeLive && c.Mode != ModePaper {
		add("mode must be LIVE or PAPER, got %q", c.Mode)
	}
	if c.Exchange != ExchangeBinance && c.Exchange != ExchangeSim {
		add("exchange must be BINANCE or SIM, got %q", c.Exchange)
	}
	if c.Mode == ModeLive && c.Exchange == ExchangeSim {
		add("LIVE mode needs a real exchange")
	}
	if c.Seed <= 0 {
		add("seed must be positive")
	}
	if c.Quote == "" {
		add("quote currency is required")
	}

	e := c.ExecutionConfig
	for name, v := range map[string]int{
		"execution.entry_timeout_ms":        e.EntryTimeoutMs,
		"execution.exit_timeout_ms":         e.ExitTimeoutMs,
		"execution.poll_interval_ms":        e.PollIntervalMs,
		"execution.max_backoff_ms":          e.MaxBackoffMs,
		"execution.entry_cancel_wait_ms":    e.EntryCancelWaitMs,
		"execution.exit_cancel_wait_ms":     e.ExitCancelWaitMs,
		"execution.cancel_poll_interval_ms": e.CancelPollIntervalMs,
		"execution.safe_cooldown_sec":       e.SafeCooldownSec,
		"execution.market_status_ttl_sec":   e.MarketStatusTTLSec,
		"execution.book_depth":              e.BookDepth,
		"execution.panic_final_leg.ticks":   e.PanicFinalLeg.Ticks,
		"position.safe_cooldown_sec":        c.PositionConfig.SafeCooldownSec,
		"position.panic_halt_cooldown_sec":  c.PositionConfig.PanicHaltCooldownSec,
		"position.reconcile_timeout_sec":    c.PositionConfig.ReconcileTimeoutSec,
		"runner.tick_interval_ms":           c.RunnerConfig.TickIntervalMs,
		"runner.cycle_timeout_sec":          c.RunnerConfig.CycleTimeoutSec,
	} {
		if v <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.PositionConfig.PostExitCooldownSec < 0 {
		add("position.post_exit_cooldown_sec must not be negative")
	}
	if !(e.FeeBuffer > 0 && e.FeeBuffer <= 1) {
		add("execution.fee_buffer must be in (0, 1]")
	}
	if e.BackoffFactor < 1 {
		add("execution.backoff_factor must be >= 1")
	}
	if !(c.RiskConfig.MaxDailyLossPct > 0 && c.RiskConfig.MaxDailyLossPct < 1) {
		add("risk.max_daily_loss_pct must be in (0, 1)")
	}

	switch c.JournalConfig.Backend {
	case JournalSQLite:
		if c.JournalConfig.SQLitePath == "" {
			add("journal.sqlite_path is required for the sqlite backend")
		}
	case JournalPostgres, JournalNone:
	default:
		add("journal.backend must be sqlite, postgres or none, got %q", c.JournalConfig.Backend)
	}

	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		add("auth.jwt_secret is required when auth is enabled")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig returns the execution engine settings
func (c *Config) EngineConfig() execution.Config {
	return c.ExecutionConfig.ToEngineConfig()
}

// MachineConfig returns the position machine settings
func (c *Config) MachineConfig() position.Config {
	return c.PositionConfig.ToMachineConfig(c.ExecutionConfig.ExitTicks)
}

// RunnerSettings returns the control loop settings
func (c *Config) RunnerSettings() runner.Config {
	return runner.Config{
		Mode:            c.Mode,
		Exchange:        c.Exchange,
		Seed:            c.Seed,
		TickInterval:    millis(c.RunnerConfig.TickIntervalMs),
		CycleTimeout:    seconds(c.RunnerConfig.CycleTimeoutSec),
		StatusPath:      c.PathsConfig.Resolve(c.PathsConfig.RuntimeStatus),
		QueueSize:       c.RunnerConfig.QueueSize,
		TargetNotional:  c.ParamsConfig.TargetNotional,
		TPRatio:         c.ParamsConfig.TPRatio,
		TPSellRatio:     c.ParamsConfig.TPSellRatio,
		MaxHoldBars:     c.ParamsConfig.MaxHoldBars,
		TimeStopTarget:  c.ParamsConfig.TimeStopTargetProfit,
		HardLossCap:     c.ParamsConfig.HardLossCap,
		RequireSafeGate: c.RunnerConfig.RequireSafeStart,
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func millis(ms int) time.Duration   { return time.Duration(ms) * time.Millisecond }
func seconds(sec int) time.Duration { return time.Duration(sec) * time.Second }

// GenerateSampleConfig writes the defaults with placeholder credentials
func GenerateSampleConfig(filename string) error {
	config := Default()
	config.BinanceConfig.APIKey = "your_api_key_here"
	config.BinanceConfig.SecretKey = "your_secret_key_here"
	config.BinanceConfig.Testnet = true
	config.NotificationConfig.Telegram.BotToken = ""
	config.NotificationConfig.Telegram.ChatID = ""

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}
