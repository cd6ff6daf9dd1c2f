package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quiz-arena-service/internal/config"
	"quiz-arena-service/internal/cron"
	"quiz-arena-service/internal/logger"
	transport "quiz-arena-service/internal/transport/http"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the match server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.Auth.JWTSecret == "" && !cfg.Server.DevHeaders {
		log.Warn("no jwt secret and dev headers disabled: every request will be rejected")
	}
	if cfg.Server.DevHeaders {
		log.Warn("dev headers enabled: X-User-ID is trusted without a token")
	}
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := transport.NewRouter(transport.RouterDeps{
		Coordinator: svc.coordinator,
		Auth: transport.Authenticator{
			Secret:     []byte(cfg.Auth.JWTSecret),
			Issuer:     cfg.Auth.Issuer,
			DevHeaders: cfg.Server.DevHeaders,
		},
		Logger: log.Named("http"),
	})

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: status streams are long lived
		IdleTimeout: 60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var runner *cron.Runner
	if cfg.SweeperEnabled() {
		runner = cron.New(log.Named("cron"), runCtx)
		schedule := cfg.Sweeper.Schedule
		if schedule == "" {
			schedule = "*/30 * * * * *"
		}
		if _, err := runner.Add(schedule, func(ctx context.Context) {
			if _, err := svc.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error("sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		runner.Start()
	}

	go func() {
		log.Info("starting quiz arena", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", zap.Error(err))
			cancelRun()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-runCtx.Done():
		log.Info("context canceled, shutting down server")
	}

	cancelRun()
	if runner != nil {
		runner.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
