package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/config"
	"polycopy/internal/adapters/exchange"
	"polycopy/internal/adapters/httpapi"
	"polycopy/internal/adapters/notify"
	"polycopy/internal/adapters/storage"
	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
	"polycopy/internal/engine/execution"
	"polycopy/internal/engine/executor"
	"polycopy/internal/engine/exits"
	"polycopy/internal/engine/position"
	"polycopy/internal/engine/resolution"
	"polycopy/internal/engine/resolver"
	"polycopy/internal/engine/scheduler"
	"polycopy/internal/execlog"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	report := flag.Bool("report", false, "print balances/positions report and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	console := notify.NewConsole(store)

	if *report {
		if err := console.Report(ctx); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := seedStrategies(ctx, store, cfg.Strategies); err != nil {
		slog.Error("failed to seed strategies", "err", err)
		os.Exit(1)
	}

	slog.Info("polycopy starting",
		"config", *configPath,
		"strategies", len(cfg.Strategies),
		"copy_interval", cfg.CopyInterval(),
		"dsn", cfg.Storage.DSN,
	)

	client := exchange.NewClient(cfg.API.CLOBBase, cfg.API.DataBase, cfg.API.GammaBase, cfg.API.APIKey)

	bus := execlog.NewBus()
	defer bus.Close()
	go console.Stream(ctx, bus.Subscribe(128))

	cap := capital.NewLedger(store, bus)
	pos := position.NewLedger(store)
	res := resolver.New(client, store, cfg.ResolverTTL())

	execCfg := executionConfig(cfg)
	execClient := execution.NewClient(client, execCfg)

	exe := executor.New(store, client, res, cap, pos, execClient, bus, executor.Config{
		RecencyWindow:         cfg.RecencyWindow(),
		MaxParallelStrategies: cfg.Engine.MaxParallelStrategies,
	})
	syncer := execution.NewSyncer(store, client, cap, bus, exe.ApplyFill, execCfg.LostAfterMisses)
	detector := exits.New(store, client, res, pos, execClient, exe, exits.Config{
		MinExitFraction: cfg.Engine.MinExitFraction,
	})
	applier := resolution.New(store, client, cap, pos, bus)

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(cfg.HTTP.Addr, store)
		go func() {
			if err := api.Start(ctx); err != nil {
				slog.Error("http api failed", "err", err)
				cancel()
			}
		}()
	}

	sched := scheduler.New()
	mustRegister(sched, scheduler.Task{Name: "copy", Interval: cfg.CopyInterval(), Tick: exe.Tick})
	mustRegister(sched, scheduler.Task{Name: "order-sync", Interval: cfg.SyncInterval(), Tick: syncer.SyncPending})
	mustRegister(sched, scheduler.Task{Name: "exits", Interval: cfg.ExitInterval(), Tick: detector.Tick})
	mustRegister(sched, scheduler.Task{Name: "resolution", Interval: cfg.ResolutionInterval(), Tick: applier.Tick})
	mustRegister(sched, scheduler.Task{Name: "report", Interval: cfg.ReportInterval(), Tick: console.Report})

	sched.Run(ctx)

	slog.Info("polycopy stopped cleanly")
}

// seedStrategies upserts the configured strategies. Existing strategies
// keep their runtime state; only the declarative fields are refreshed.
func seedStrategies(ctx context.Context, store *storage.SQLiteStorage, configs []config.StrategyConfig) error {
	now := time.Now().UTC()
	for _, sc := range configs {
		existing, err := store.GetStrategy(ctx, sc.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			st := sc.ToStrategy(now)
			if err := store.SaveStrategy(ctx, st); err != nil {
				return err
			}
			slog.Info("strategy created", "id", st.ID, "trader", st.TraderAddress,
				"capital", st.Capital.Initial)
		case err != nil:
			return err
		default:
			st := sc.ApplyTo(existing, now)
			if err := store.SaveStrategy(ctx, st); err != nil {
				return err
			}
			slog.Debug("strategy updated from config", "id", st.ID)
		}
	}
	return nil
}

func executionConfig(cfg *config.Config) execution.Config {
	ec := execution.DefaultConfig()
	if cfg.Execution.TickSize > 0 {
		ec.TickSize = decimal.NewFromFloat(cfg.Execution.TickSize)
	}
	if cfg.Execution.LotSize > 0 {
		ec.LotSize = decimal.NewFromFloat(cfg.Execution.LotSize)
	}
	if cfg.Execution.MinBookFraction > 0 {
		ec.MinBookFraction = cfg.Execution.MinBookFraction
	}
	if cfg.Execution.PartialFillThreshold > 0 {
		ec.PartialFillThreshold = cfg.Execution.PartialFillThreshold
	}
	if cfg.Execution.PollIntervalSeconds > 0 {
		ec.PollInterval = cfg.PollInterval()
	}
	if cfg.Execution.PollTimeoutSeconds > 0 {
		ec.PollTimeout = cfg.PollTimeout()
	}
	if cfg.Execution.LostAfterMisses > 0 {
		ec.LostAfterMisses = cfg.Execution.LostAfterMisses
	}
	return ec
}

func mustRegister(s *scheduler.Scheduler, t scheduler.Task) {
	if err := s.Register(t); err != nil {
		slog.Error("failed to register task", "task", t.Name, "err", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
