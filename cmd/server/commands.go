package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/configs"
	"github.com/GiorgiUbiria/notary_ledger/internal/handlers"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	appmw "github.com/GiorgiUbiria/notary_ledger/internal/middleware"
	"github.com/GiorgiUbiria/notary_ledger/internal/notary"
	"github.com/GiorgiUbiria/notary_ledger/internal/routes"
	"github.com/GiorgiUbiria/notary_ledger/internal/seed"
	"github.com/GiorgiUbiria/notary_ledger/internal/store"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configDir string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "notary",
		Short:         "Notary ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "./configs", "directory holding config.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSeedCommand(opts))
	return cmd
}

// setup loads the config and switches the global logger to its mode.
func setup(opts *rootOptions) (*configs.Config, error) {
	cfg, err := configs.Load(opts.configDir)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Dev)
	return cfg, nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Log.Sync()

			db, err := store.Open(cfg.DB.Driver, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer store.Close(db)
			if err := store.Migrate(db); err != nil {
				return err
			}
			logger.Log.Info("schema migrated", zap.String("driver", cfg.DB.Driver))
			return nil
		},
	}
}

func newSeedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create demo nyms, contracts and opening balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Log.Sync()

			svc, err := notary.Open(cfg)
			if err != nil {
				return err
			}
			_, err = seed.Run(cmd.Context(), svc, cfg.Seed.Contracts)
			return errors.Join(err, svc.Close())
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the market engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Log.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *configs.Config) error {
	svc, err := notary.Open(cfg)
	if err != nil {
		return err
	}
	if cfg.Seed.Enabled {
		if _, err := seed.Run(ctx, svc, cfg.Seed.Contracts); err != nil {
			return errors.Join(err, svc.Close())
		}
	}
	svc.Start(ctx)

	limiter := appmw.NewRateLimiter(map[string]appmw.RateLimit{
		routes.RateGroup: {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
	})
	janitorStop := make(chan struct{})
	go limiter.Janitor(time.Minute, janitorStop)

	secret := []byte(cfg.JWT.SECRET)
	router := routes.NewRoutes(handlers.New(svc, secret, cfg.JWT.TTL), secret, limiter)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case <-stop:
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Log.Error("server error", zap.Error(runErr))
	}
	logger.Log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("graceful shutdown failed", zap.Error(err))
	}
	close(janitorStop)

	if err := svc.Close(); err != nil {
		logger.Log.Error("notary close failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	logger.Log.Info("server stopped")
	return runErr
}
