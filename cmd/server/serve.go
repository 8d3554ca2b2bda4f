package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/profilesvc/internal/auth"
	"github.com/rpattn/profilesvc/internal/config"
	"github.com/rpattn/profilesvc/internal/db"
	"github.com/rpattn/profilesvc/internal/ingestion"
	"github.com/rpattn/profilesvc/internal/profile"
	"github.com/rpattn/profilesvc/internal/repository"
	"github.com/rpattn/profilesvc/internal/repository/memory"
	"github.com/rpattn/profilesvc/internal/server"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	if cfg.Storage == "memory" {
		logger.Warn("using in-memory storage; history is lost on restart")
		return memory.New(), func() {}, nil
	}

	if !cfg.Database.QueuesWriters() {
		logger.Warn("concurrent writers for one user will fail with conflicts at this isolation level",
			slog.String("isolation", cfg.Database.Isolation),
			slog.Int("conflict_retries", cfg.Engine.ConflictRetries),
		)
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if !skipMigrations {
		if err := db.RunMigrations(conn.Pool, db.Up, logger); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return repository.NewPostgresStore(conn, cfg.Database.TxIsoLevel()), conn.Close, nil
}

func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	authenticator, err := auth.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		logger.Warn("authentication disabled; actors are taken from the X-Actor header")
	}

	handler := server.NewRouter(server.Deps{
		Store:          store,
		Authenticator:  authenticator,
		Logger:         logger,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CoordinatorOpt: []profile.CoordinatorOption{profile.WithConflictRetries(cfg.Engine.ConflictRetries)},
		IngestionOpt:   []ingestion.Option{ingestion.WithConcurrency(cfg.Ingestion.Concurrency)},
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting HTTP server", slog.String("addr", cfg.Server.Addr), slog.String("storage", cfg.Storage))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
