package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/ingest"
	"github.com/rookery-io/rookery/internal/lichess"
	"github.com/rookery-io/rookery/internal/ops"
	"github.com/rookery-io/rookery/internal/repositories"
	"github.com/rookery-io/rookery/internal/scheduler"
	"github.com/rookery-io/rookery/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()

	root := &cobra.Command{
		Use:   "rookery",
		Short: "Rookery — durable chess platform ingestion pipeline",
		Long: `Rookery keeps a local mirror of chess platform data (players, stats,
monthly game archives, games) fresh via a persistent job queue. Workers
claim jobs from the database, fetch from the upstream APIs, and apply
idempotent upserts; any number of workers may share one database.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.DatabaseDriver, "db-driver", cfg.DatabaseDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DatabaseDSN, "db-dsn", cfg.DatabaseDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(&cfg))
	root.AddCommand(newEnqueueCmd(&cfg))
	root.AddCommand(newRunCmd(&cfg))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rookery %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// New applies pending migrations as part of opening.
			_, err = openDB(cfg, logger)
			return err
		},
	}
}

func newEnqueueCmd(cfg *config.Config) *cobra.Command {
	var usernames []string
	var platform string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue seed jobs for one or more usernames",
		Long: `Enqueue bootstraps ingestion for the given players. For chess.com each
username queues a profile job plus staggered stats and archives jobs; for
lichess a single profile job. Repeat --username to seed several players in
one call. Repeating the command is a no-op thanks to job dedup keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			app, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			for _, username := range usernames {
				switch platform {
				case "chesscom":
					err = app.processor.EnqueueSeedJobs(ctx, username)
				case "lichess":
					err = app.processor.EnqueueLichessSeed(ctx, username)
				default:
					return fmt.Errorf("unknown platform %q, use chesscom or lichess", platform)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&usernames, "username", nil, "Username to ingest (repeatable, required)")
	cmd.Flags().StringVar(&platform, "platform", "chesscom", "Platform (chesscom or lichess)")
	cmd.MarkFlagRequired("username") //nolint:errcheck

	return cmd
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	var once, loop bool

	cmd := &cobra.Command{
		Use:   "run [--once|--loop]",
		Short: "Run the ingestion worker",
		Long: `Run starts a worker that claims and processes jobs. By default (or with
--once) it processes at most one job and exits. With --loop it polls until
interrupted and additionally runs the cadence scheduler, the stale-lock
sweeper, and the operational HTTP server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), cfg, !loop)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process at most one job and exit (the default)")
	cmd.Flags().BoolVar(&loop, "loop", false, "Poll until interrupted, with scheduler and ops server")
	cmd.MarkFlagsMutuallyExclusive("once", "loop")
	return cmd
}

// app bundles the wired components shared by the enqueue and run commands.
type app struct {
	db        *gorm.DB
	jobs      repositories.JobRepository
	players   repositories.PlayerRepository
	processor *ingest.Processor
}

func openDB(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	gormLevel := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DatabaseDriver,
		DSN:      cfg.DatabaseDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	database, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	fetchLog := repositories.NewFetchLogRepository(database, logger)
	players := repositories.NewPlayerRepository(database)
	archives := repositories.NewArchiveRepository(database)
	jobs := repositories.NewJobRepository(database)
	lichessRepo := repositories.NewLichessRepository(database)

	chessAPI := chesscom.NewClient(cfg.ChessAPIBaseURL, cfg.ChessAPIUserAgent, cfg.ChessAPITimeout, fetchLog, logger)
	lichessAPI := lichess.NewClient(cfg.LichessAPIBaseURL, cfg.LichessAPIUserAgent, cfg.LichessAPITimeout, fetchLog, logger)

	processor := ingest.NewProcessor(players, archives, jobs, lichessRepo, chessAPI, lichessAPI, *cfg, logger)

	return &app{
		db:        database,
		jobs:      jobs,
		players:   players,
		processor: processor,
	}, nil
}

func runWorker(ctx context.Context, cfg *config.Config, once bool) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting rookery",
		zap.String("version", version),
		zap.String("db_driver", cfg.DatabaseDriver),
		zap.Bool("once", once),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	w := worker.New(a.jobs, a.processor, *cfg, logger)

	if once {
		return w.Run(ctx, true)
	}

	sched, err := scheduler.New(a.players, a.jobs, *cfg, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop() //nolint:errcheck

	var opsServer *http.Server
	if cfg.OpsAddr != "" {
		opsServer = &http.Server{
			Addr: cfg.OpsAddr,
			Handler: ops.NewRouter(ops.RouterConfig{
				DB:        a.db,
				Jobs:      a.jobs,
				Processor: a.processor,
				Logger:    logger.Named("ops"),
			}),
		}
		go func() {
			logger.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server error", zap.Error(err))
			}
		}()
	}

	err = w.Run(ctx, false)

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		opsServer.Shutdown(shutdownCtx) //nolint:errcheck
	}
	logger.Info("shutting down rookery")
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
