package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spot-execution-bot/config"
	"spot-execution-bot/internal/api"
	"spot-execution-bot/internal/auth"
	"spot-execution-bot/internal/binance"
	"spot-execution-bot/internal/circuit"
	"spot-execution-bot/internal/database"
	"spot-execution-bot/internal/events"
	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/idempotency"
	"spot-execution-bot/internal/journal"
	"spot-execution-bot/internal/ledger"
	"spot-execution-bot/internal/lock"
	"spot-execution-bot/internal/logging"
	"spot-execution-bot/internal/metrics"
	"spot-execution-bot/internal/notification"
	"spot-execution-bot/internal/params"
	"spot-execution-bot/internal/position"
	"spot-execution-bot/internal/risk"
	"spot-execution-bot/internal/runner"
	"spot-execution-bot/internal/safestart"
	"spot-execution-bot/internal/vault"
)

var (
	configPath string
	cfg        *config.Config

	forceLock    bool
	confirmStart string
)

var rootCmd = &cobra.Command{
	Use:           "spotbot",
	Short:         "Spot execution bot: position state machine, order engine and safe-start gate",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "gen-config" {
			return nil
		}
		// .env is optional
		_ = godotenv.Load()

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop and the operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to config.json")

	runCmd.Flags().BoolVar(&forceLock, "force", false, "take over the process lock even if its holder looks alive")
	runCmd.Flags().StringVar(&confirmStart, "confirm", "", "confirmation phrase; skips waiting for the operator API")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newLockCmd())
	rootCmd.AddCommand(newStateCmd())
	rootCmd.AddCommand(newJournalCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newGenConfigCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// clients holds the order backend and, for LIVE runs, the paper account the
// runner falls back to after a hard stop.
type clients struct {
	trading exchange.Client
	paper   exchange.Client
}

func buildClients(ctx context.Context, cfg *config.Config, breaker *circuit.ErrorBreaker, logger zerolog.Logger) (clients, error) {
	if cfg.Exchange == config.ExchangeSim {
		sim := exchange.NewSimulator(cfg.SimulatorConfig)
		return clients{trading: exchange.NewGuarded(sim, breaker, logger)}, nil
	}

	bcfg := cfg.BinanceConfig
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig, logger)
		if err != nil {
			return clients{}, fmt.Errorf("vault: %w", err)
		}
		creds, err := vc.GetCredentials(ctx, "binance", bcfg.Testnet)
		if err != nil {
			return clients{}, fmt.Errorf("vault credentials: %w", err)
		}
		bcfg.APIKey, bcfg.SecretKey = creds.APIKey, creds.SecretKey
		logger.Info().Bool("testnet", bcfg.Testnet).Msg("Exchange credentials loaded from Vault")
	}

	live := exchange.NewGuarded(binance.NewSpotClient(bcfg, logger), breaker, logger)
	paper := exchange.NewPaper(live, exchange.NewSimulator(cfg.SimulatorConfig), bcfg.BookDepth)
	if cfg.Mode == config.ModeLive {
		if bcfg.APIKey == "" || bcfg.SecretKey == "" {
			return clients{}, errors.New("LIVE mode requires Binance API credentials")
		}
		return clients{trading: live, paper: paper}, nil
	}
	return clients{trading: paper}, nil
}

func openJournal(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (journal.Journal, func(), error) {
	switch cfg.JournalConfig.Backend {
	case config.JournalSQLite:
		j, err := journal.NewSQLite(cfg.PathsConfig.Resolve(cfg.JournalConfig.SQLitePath), logger)
		if err != nil {
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	case config.JournalPostgres:
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		j, err := journal.NewPostgres(ctx, db, logger)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return j, func() { j.Close(); db.Close() }, nil
	default:
		return journal.Nop{}, func() {}, nil
	}
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	manager := notification.NewManager(logger)
	nc := cfg.NotificationConfig
	manager.SetEnabled(nc.Enabled)
	if nc.Telegram.Enabled {
		manager.AddNotifier(notification.NewTelegramNotifier(nc.Telegram))
	}
	if nc.Discord.Enabled {
		manager.AddNotifier(notification.NewDiscordNotifier(nc.Discord))
	}
	return manager
}

// deferredHalt lets the machine consult the daily guard, which is built after it
type deferredHalt struct {
	guard *risk.DailyGuard
}

func (d *deferredHalt) HardStopActive() bool {
	return d.guard != nil && d.guard.HardStopActive()
}

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func runBot(cfg *config.Config) error {
	logger := logging.New(&cfg.LoggingConfig)
	logging.SetDefault(logger)

	logger.Info().
		Str("mode", cfg.Mode).
		Str("exchange", cfg.Exchange).
		Int64("seed", cfg.Seed).
		Msg("Starting spot execution bot")

	procLock := lock.New(cfg.PathsConfig.Resolve(cfg.PathsConfig.LockFile), logger)
	if ok, msg := procLock.Acquire(cfg.Mode, cfg.Exchange, forceLock); !ok {
		return fmt.Errorf("%w: %s", lock.ErrAlreadyRunning, msg)
	}
	defer func() {
		if err := procLock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release process lock")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	manager := newNotifier(cfg, logger)

	breaker := circuit.NewErrorBreaker(&cfg.CircuitBreakerConfig)
	breaker.OnTrip(func(reason string) {
		metrics.SetAdapterStatus("DEGRADED")
		bus.PublishError("exchange", errors.New(reason))
		manager.Alert(context.Background(), "CRITICAL", "Exchange adapter degraded", reason)
	})
	breaker.OnReset(func() {
		metrics.SetAdapterStatus("OK")
		logger.Info().Msg("Exchange adapter recovered")
	})
	metrics.SetAdapterStatus("OK")

	backends, err := buildClients(ctx, cfg, breaker, logger)
	if err != nil {
		return err
	}

	jr, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer closeJournal()

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, mirrors degrade to memory")
		}
	}
	instance := instanceID()
	mirror := position.NewRedisMirror(redisClient, instance, logger)

	engine := execution.NewEngine(backends.trading, cfg.EngineConfig(), logger,
		execution.WithRecorder(runner.NewRecorder(jr, bus)))

	halt := &deferredHalt{}
	var machine *position.Machine
	machineOpts := []position.Option{
		position.WithAlerter(manager),
		position.WithRiskHalt(halt),
		position.WithTransitionHook(runner.TransitionHook(jr, mirror, bus, func() position.RuntimeState {
			return machine.Snapshot()
		})),
	}
	if redisClient != nil {
		machineOpts = append(machineOpts, position.WithGuard(idempotency.NewRedisGuard(redisClient, instance, logger)))
	}
	store := position.NewStore(cfg.PathsConfig.Resolve(cfg.PathsConfig.RuntimeState), logger)
	machine, err = position.NewMachine(store, engine, cfg.MachineConfig(), logger, machineOpts...)
	if err != nil {
		return fmt.Errorf("runtime state: %w", err)
	}

	book, err := ledger.NewExchangeLedger(cfg.Exchange, cfg.Quote, float64(cfg.Seed), engine,
		func() string { return machine.Snapshot().Symbol }, logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	var bot *runner.Runner
	guardCfg, err := cfg.RiskConfig.ToGuardConfig(cfg.PathsConfig.Resolve(cfg.PathsConfig.DailyRisk))
	if err != nil {
		return err
	}
	guard := risk.NewDailyGuard(guardCfg, book, engine, logger,
		risk.WithPositionCloser(machine),
		risk.WithAlerter(manager),
		risk.WithHaltHook(func(ev risk.HaltEvent) {
			if bot != nil {
				bot.OnRiskHalt(ev)
			}
		}),
	)
	halt.guard = guard

	registry, err := params.NewRegistry(cfg.ParamsConfig.ModelsDir, logger)
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}
	if err := registry.RecoverIfNeeded(); err != nil {
		logger.Warn().Err(err).Msg("Model registry recovery failed, using fallback parameters")
	}

	gate := safestart.NewGate(safestart.Config{
		StatePath:         cfg.PathsConfig.Resolve(cfg.PathsConfig.SafeStartState),
		RuntimeStatePath:  store.Path(),
		RuntimeStatusPath: cfg.PathsConfig.Resolve(cfg.PathsConfig.RuntimeStatus),
	}, logger)

	bot, err = runner.New(cfg.RunnerSettings(), runner.Deps{
		Machine:  machine,
		Engine:   engine,
		Risk:     guard,
		Gate:     gate,
		Params:   registry,
		Ledger:   book,
		Bus:      bus,
		Notifier: manager,
		Breaker:  breaker,
		Paper:    backends.paper,
	}, logger)
	if err != nil {
		return err
	}

	if err := bot.Start(ctx); err != nil {
		return err
	}
	armGate(cfg.RunnerConfig.RequireSafeStart, gate, bot, bus, logger)

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwt *auth.JWTManager
		if cfg.AuthConfig.Enabled {
			if jwt, err = auth.NewJWTManager(cfg.AuthConfig); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: cfg.ServerConfig.ProductionMode,
			AllowOrigins:   cfg.ServerConfig.Origins(),
			RateLimit:      cfg.ServerConfig.RateLimit,
			MetricsEnabled: cfg.MetricsConfig.Enabled,
		}, api.Deps{
			Bot:     bot,
			Gate:    gate,
			Bus:     bus,
			JWT:     jwt,
			History: jr,
		}, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	cancel()
	bot.Stop()
	gate.Stop("shutdown:" + strings.ToLower(sig.String()))

	logger.Info().Msg("Bot stopped")
	return nil
}

// armGate opens the safe-start handshake for this process. The operator
// confirms over the API unless --confirm carried the phrase.
func armGate(required bool, gate *safestart.Gate, bot *runner.Runner, bus *events.EventBus, logger zerolog.Logger) {
	if !required {
		return
	}
	if _, err := gate.Begin(bot.SafeStartRequest()); err != nil {
		logger.Warn().Err(err).Msg("Safe start already pending")
		return
	}
	rec := gate.SyncCheck()
	bus.PublishSafeStartPhase(string(rec.Phase), rec.Details.Message)

	_, phrase, _ := gate.Pending()
	if confirmStart == "" {
		logger.Warn().Str("phase", string(rec.Phase)).Str("expected_phrase", phrase).Msg("Trading blocked until operator confirms")
		return
	}
	if _, err := gate.Confirm(confirmStart); err != nil {
		logger.Error().Err(err).Str("expected_phrase", phrase).Msg("Startup confirmation rejected")
		return
	}
	bus.PublishSafeStartPhase(string(safestart.PhaseRunning), "confirmed from command line")
	logger.Info().Msg("Safe start confirmed, RUNNING")
}
