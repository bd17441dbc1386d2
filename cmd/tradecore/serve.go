package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradecore/internal/api"
	"tradecore/internal/bot"
	"tradecore/internal/config"
	"tradecore/internal/dedup"
	"tradecore/internal/dlq"
	"tradecore/internal/exchange"
	"tradecore/internal/limits"
	"tradecore/internal/lock"
	"tradecore/internal/repository"
	"tradecore/internal/risk"
	"tradecore/internal/websocket"
	"tradecore/pkg/ratelimit"
	"tradecore/pkg/retry"
	"tradecore/pkg/utils"
)

// ErrNoVenueAdapter - в сборке нет адаптера реальной биржи
var ErrNoVenueAdapter = errors.New("live trading needs a venue adapter; none is built in, run with DRY_RUN=true")

const (
	shutdownTimeout   = 30 * time.Second
	signalQueueSize   = 256
	recoveryTimeout   = 30 * time.Second
	dependencyTimeout = 5 * time.Second
)

func newServeCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, position monitor, DLQ loop and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServe(cmd.Context(), app.cfg, app.log, migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply the database schema before starting")
	return cmd
}

// runtime - собранные компоненты процесса
type runtime struct {
	db       *sql.DB
	redis    *lock.RedisBackend
	paper    *exchange.PaperGateway
	settings *config.SettingsStore
	watcher  *config.SettingsWatcher
	hub      *websocket.Hub
	monitor  *bot.PositionMonitor
	engine   *bot.Engine
	dlq      *dlq.Queue
	signals  *bot.SignalQueue
	trades   *bot.TransactionManager
	users    []string
	handler  http.Handler
}

func (rt *runtime) close() {
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

// buildRuntime создает и связывает все компоненты.
// При ошибке уже открытые соединения закрываются.
func buildRuntime(ctx context.Context, cfg *config.Config, log *utils.Logger, migrate bool) (_ *runtime, err error) {
	if !cfg.Bot.DryRun {
		return nil, ErrNoVenueAdapter
	}

	rt := &runtime{users: []string{cfg.Bot.UserID}}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.db, err = openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if migrate {
		if err = repository.Migrate(ctx, rt.db); err != nil {
			return nil, err
		}
		log.Info("database schema applied")
	}

	var lockBackend lock.Backend
	if cfg.Redis.Addr != "" {
		rt.redis = lock.NewRedisBackend(lock.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		pingCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
		err = rt.redis.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		lockBackend = rt.redis
		log.Info("distributed position locks enabled", utils.String("redis", cfg.Redis.Addr))
	}

	dirs, err := newStateDirs(cfg.Bot.StateDir)
	if err != nil {
		return nil, err
	}

	// Биржа: бумажная биржа за лимитером запросов и повтором временных ошибок
	rt.paper = exchange.NewPaperGateway()
	if cfg.Bot.PaperBalance > 0 {
		rt.paper.SetBalance(cfg.Bot.QuoteCurrencies[0], cfg.Bot.PaperBalance)
	}
	retryCfg := retry.ExchangeConfig()
	retryCfg.MaxRetries = cfg.Bot.MaxRetries
	retryCfg.InitialDelay = cfg.Bot.RetryBackoff
	gw := exchange.NewGuardedGateway(rt.paper,
		ratelimit.NewExchangeLimiter(cfg.Bot.OrdersPerSec, cfg.Bot.MarketDataPerSec, cfg.Bot.AccountPerSec),
		log,
		exchange.WithRetryConfig(retryCfg),
		exchange.WithCloseRetryConfig(retry.CloseConfig()),
		exchange.WithObserver(bot.ObserveExchangeCall))

	var capital exchange.CapitalResolver = exchange.NewBalanceCapitalResolver(gw, cfg.Bot.QuoteCurrencies)
	if cfg.Bot.StaticCapital > 0 {
		capital = exchange.StaticCapitalResolver{Amount: cfg.Bot.StaticCapital}
	}

	// Настройки пользователей с перечитыванием файла
	rt.settings = config.NewSettingsStore(cfg.Bot.SettingsFile)
	if err = rt.settings.Load(); err != nil {
		return nil, fmt.Errorf("load risk settings: %w", err)
	}

	dedupStore, err := dedup.NewFileStore(dirs.Dedup)
	if err != nil {
		return nil, err
	}
	lossStore, err := limits.NewFileLossStore(dirs.DailyLoss)
	if err != nil {
		return nil, fmt.Errorf("open daily loss store: %w", err)
	}
	dlqStore, err := dlq.NewFileStore(dirs.DLQFile)
	if err != nil {
		return nil, fmt.Errorf("open dlq file: %w", err)
	}

	lockCfg := lock.DefaultConfig()
	lockCfg.TTL = cfg.Redis.LockTTL
	locks := lock.NewManager(lockCfg, lockBackend, log)

	losses := limits.NewDailyLossTracker(limits.DefaultLossConfig(), rt.settings, lossStore, log)
	rateLimiter := limits.NewRateLimiter(limits.DefaultRateConfig(), log)
	riskMgr := risk.NewManager(risk.DefaultConfig(), repository.NewTradeStatsRepository(rt.db), gw, log)

	rt.trades = bot.NewTransactionManager(rt.db, gw, &bot.MemoryReconciliationSink{}, log)
	rt.hub = websocket.NewHub(log)

	monCfg := bot.DefaultMonitorConfig()
	monCfg.Interval = cfg.Bot.MonitorInterval
	monCfg.SyncUserID = cfg.Bot.UserID
	exposure := bot.NewExposureLedger()
	rt.monitor = bot.NewPositionMonitor(monCfg, bot.MonitorDeps{
		Store:    rt.trades,
		Gateway:  gw,
		Risk:     riskMgr,
		Locks:    locks,
		Settings: rt.settings,
		Losses:   losses,
		Exposure: exposure,
		Events:   rt.hub,
	}, log)

	dlqCfg := dlq.DefaultConfig()
	dlqCfg.PollInterval = cfg.Bot.DLQPollInterval
	dlqCfg.MaxRetries = cfg.Bot.MaxRetries
	rt.dlq = dlq.New(dlqCfg, dlqStore, nil, dlq.Callbacks{
		OnSuccess: rt.hub.PublishDLQ,
		OnFailure: rt.hub.PublishDLQ,
	}, log)

	rt.signals = bot.NewSignalQueue(signalQueueSize)
	rt.engine = bot.NewEngine(bot.EngineConfig{
		Users:         rt.users,
		CycleInterval: cfg.Bot.CycleInterval,
		OpTimeout:     cfg.Bot.OrderTimeout,
	}, bot.EngineDeps{
		Source:   rt.signals,
		Dedup:    dedup.New(dedup.DefaultConfig(), dedupStore, log),
		Rate:     rateLimiter,
		Losses:   losses,
		Risk:     riskMgr,
		Locks:    locks,
		Trades:   rt.trades,
		Monitor:  rt.monitor,
		DLQ:      rt.dlq,
		Capital:  capital,
		Gateway:  gw,
		Settings: rt.settings,
	}, log)
	rt.dlq.SetRetryFunc(rt.engine.RetrySignal)

	checks := map[string]api.HealthChecker{"postgres": rt.db.PingContext}
	if rt.redis != nil {
		checks["redis"] = rt.redis.Ping
	}
	rt.handler = api.SetupRoutes(&api.Dependencies{
		Monitor:        rt.monitor,
		DLQ:            rt.dlq,
		Signals:        &pricedSignals{next: rt.signals, paper: rt.paper},
		Users:          rt.users,
		Rate:           rateLimiter,
		Losses:         losses,
		Halts:          rt.engine,
		Exposure:       exposure,
		Settings:       rt.settings,
		Hub:            rt.hub,
		TokenHash:      cfg.Security.APITokenHash,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Checks:         checks,
	}, log)

	if w, werr := config.NewSettingsWatcher(rt.settings, log); werr != nil {
		log.Warn("risk settings hot reload disabled", utils.Err(werr))
	} else {
		rt.watcher = w
	}

	return rt, nil
}

// runServe запускает процесс и ждет SIGINT/SIGTERM.
//
// Порядок остановки: HTTP сервер перестает принимать сигналы, затем
// отменяется контекст фоновых циклов и ожидается их завершение.
// Открытие позиции идет в контексте без отмены, поэтому начатая
// транзакция доходит до конца.
func runServe(parent context.Context, cfg *config.Config, log *utils.Logger, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}

	rt, err := buildRuntime(parent, cfg, log, migrate)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	recoverCtx, recoverCancel := context.WithTimeout(ctx, recoveryTimeout)
	seeded, err := seedPaperBook(recoverCtx, rt.paper, rt.trades, rt.users)
	recoverCancel()
	if err != nil {
		return err
	}
	if seeded > 0 {
		log.Info("paper book restored from database", utils.Int("positions", seeded))
	}

	recovery := bot.NewRecoveryManager(bot.RecoveryConfig{Users: rt.users, Timeout: recoveryTimeout}, rt.engine, rt.monitor, log)
	if _, err := recovery.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debug("background loop stopped", utils.Component(name))
		}()
	}

	spawn("hub", rt.hub.Run)
	spawn("monitor", rt.monitor.Run)
	spawn("dlq", rt.dlq.Run)
	spawn("engine", func(ctx context.Context) {
		if err := rt.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", utils.Err(err))
		}
	})
	if rt.watcher != nil {
		spawn("settings_watcher", rt.watcher.Run)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      rt.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("status API listening", utils.String("addr", addr), utils.Bool("dry_run", cfg.Bot.DryRun))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("shutting down", utils.String("signal", sig.String()))
	case err = <-serverErr:
		log.Error("status API failed", utils.Err(err))
	case <-parent.Done():
		log.Info("shutting down", utils.Reason("context canceled"))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error("status API forced to shutdown", utils.Err(serr))
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out waiting for background loops")
	}

	return err
}
