package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskstream/internal/agent"
	authapp "taskstream/internal/auth/app"
	"taskstream/internal/config"
	"taskstream/internal/logging"
	"taskstream/internal/observability"
	serverapp "taskstream/internal/server/app"
	serverhttp "taskstream/internal/server/http"
)

func newServeCommand() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logging.SetLevel(logging.LevelDebug)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("Server")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	registry := serverapp.NewTaskRegistry(serverapp.RegistryOptions{
		HistoryLimit:     cfg.Stream.HistoryLimit,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		Metrics:          metrics,
	})
	registry.StartJanitor(ctx, cfg.Stream.JanitorInterval, cfg.Stream.IdleTimeout)

	executor := serverapp.NewTaskExecutor(
		registry,
		agent.NewEchoAgent(200*time.Millisecond),
		cfg.Agent.MaxSteps,
		logging.NewComponentLogger("TaskExecutor"),
		metrics,
	)

	authService := authapp.NewService(authapp.Config{
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
		Users:    cfg.Auth.Users,
	})

	router := serverhttp.NewRouter(serverhttp.RouterOptions{
		Registry:       registry,
		Executor:       executor,
		AuthService:    authService,
		Metrics:        metrics,
		PingInterval:   cfg.Stream.PingInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// SSE connections stay open indefinitely; the write timeout must be
		// disabled or streams would be cut mid-task.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
