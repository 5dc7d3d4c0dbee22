package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/taskrelay/backend/internal/clog"
	"github.com/taskrelay/backend/internal/config"
	"github.com/taskrelay/backend/internal/execution"
	"github.com/taskrelay/backend/internal/repository"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(env *config.Env) *slog.Logger {
	opts := &slog.HandlerOptions{Level: env.SlogLevel()}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if env.Env == "local" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(clog.NewHandler(h))
}

func run(ctx context.Context, env *config.Env, logger *slog.Logger) error {
	var (
		st          stores
		pool        *pgxpool.Pool
		riverClient *river.Client[pgx.Tx]
	)

	switch env.StoreEnv.Type {
	case "postgres":
		var err error
		pool, err = pgxpool.New(ctx, env.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("Cannot reach PostgreSQL. Ensure Postgres is running or set TASKRELAY_STORE_TYPE=yaml", "error", err)
			return err
		}
		logger.Info("Connected to PostgreSQL database successfully!")

		if err := repository.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			return err
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			return err
		}
		logger.Info("Schema and River migrations applied")
		st = stores{Tasks: repository.NewTaskRepo(pool), Candidates: repository.NewCandidateRepo(pool)}
	case "yaml":
		ys, err := repository.OpenYAMLStore(env.YAMLPath)
		if err != nil {
			return err
		}
		logger.Info("Using YAML store", "path", env.YAMLPath)
		st = stores{Tasks: ys, Candidates: ys}
	default:
		ms := repository.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on exit")
		st = stores{Tasks: ms, Candidates: ms}
	}

	a, err := buildApp(env, st, logger)
	if err != nil {
		return err
	}

	// Reminder and archival sweeps: a River periodic job when Postgres is
	// available, otherwise an in-process ticker.
	if pool != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, execution.NewSweepWorker(a.Sweeper))
		riverClient, err = river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: 2},
			},
			Workers:      workers,
			PeriodicJobs: []*river.PeriodicJob{execution.PeriodicSweep(env.SweepInterval)},
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := riverClient.Start(ctx); err != nil {
			return err
		}
	} else {
		go a.Sweeper.Run(ctx, env.SweepInterval)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   env.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(a.Handler)

	srv := &http.Server{
		Addr:              env.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr, "store", env.StoreEnv.Type, "match_strategy", env.Strategy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if riverClient != nil {
		if err := riverClient.Stop(shutdownCtx); err != nil {
			logger.Error("River client stop", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}
