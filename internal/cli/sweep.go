package cli

import (
	"quiz-arena-service/internal/config"
	"quiz-arena-service/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSweepCmd runs a single sweep pass, for operators or an external scheduler.
func NewSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale lobbies, resume interrupted settlements and time out overdue matches once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			svc, err := buildServices(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("sweep done",
				zap.Int("expired", report.Expired),
				zap.Int("resumed", report.Resumed),
				zap.Int("timed_out", report.TimedOut),
				zap.Int("failed", report.Failed),
			)
			return nil
		},
	}
}
