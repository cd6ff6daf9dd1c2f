package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Expired  int `json:"expired"`
	Resumed  int `json:"resumed"`
	TimedOut int `json:"timedOut"`
	Failed   int `json:"failed"`
}

// Sweeper reaps lobbies that never filled, finishes interrupted settlements and closes answer
// windows nobody finished in time. It is safe to run from several instances at once because
// every action goes through the per-match lock and is idempotent.
type Sweeper struct {
	coordinator *Coordinator
	registry    *Registry
	concurrency int
	batch       int
	logger      *zap.Logger
}

func NewSweeper(coordinator *Coordinator, registry *Registry, concurrency, batch int, logger *zap.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 4
	}
	if batch <= 0 {
		batch = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{coordinator: coordinator, registry: registry, concurrency: concurrency, batch: batch, logger: logger}
}

type sweepAction struct {
	name string
	run  func(ctx context.Context, matchID string) (*domain.Match, error)
	done func(r *SweepReport)
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer metrics.ObserveSweep(start)

	now := s.registry.now()
	var report SweepReport

	resumable, err := s.registry.List(ctx, MatchFilter{PendingOnly: true, ExcludeFlagged: true, Limit: s.batch})
	if err != nil {
		return report, err
	}
	expired, err := s.registry.List(ctx, MatchFilter{
		Statuses:      []domain.Status{domain.StatusWaiting},
		ExpiresBefore: now,
		Limit:         s.batch,
	})
	if err != nil {
		return report, err
	}
	overdue, err := s.registry.List(ctx, MatchFilter{
		Statuses:             []domain.Status{domain.StatusInProgress},
		AnswerDeadlineBefore: now,
		ExcludeFlagged:       true,
		Limit:                s.batch,
	})
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	seen := make(map[string]struct{})
	schedule := func(matches []*domain.Match, action sweepAction, want func(m *domain.Match) bool) {
		for _, m := range matches {
			if _, dup := seen[m.ID]; dup || !want(m) {
				continue
			}
			seen[m.ID] = struct{}{}
			matchID := m.ID
			g.Go(func() error {
				_, err := action.run(gctx, matchID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					action.done(&report)
					metrics.SweepActions.WithLabelValues(action.name, "ok").Inc()
				case errors.Is(err, domain.ErrTerminalConflict), errors.Is(err, domain.ErrInvalidTransition):
					metrics.SweepActions.WithLabelValues(action.name, "skipped").Inc()
				default:
					report.Failed++
					metrics.SweepActions.WithLabelValues(action.name, "error").Inc()
					s.logger.Warn("sweep action failed", zap.String("action", action.name), zap.String("match_id", matchID), zap.Error(err))
				}
				return nil
			})
		}
	}

	schedule(resumable, sweepAction{
		name: "resume",
		run:  s.coordinator.Resume,
		done: func(r *SweepReport) { r.Resumed++ },
	}, func(m *domain.Match) bool { return true })
	schedule(expired, sweepAction{
		name: "expire",
		run:  s.coordinator.Expire,
		done: func(r *SweepReport) { r.Expired++ },
	}, func(m *domain.Match) bool { return m.Mode != domain.ModeSolo && m.PendingOutcome == "" })
	schedule(overdue, sweepAction{
		name: "timeout",
		run:  s.coordinator.TimeoutMatch,
		done: func(r *SweepReport) { r.TimedOut++ },
	}, func(m *domain.Match) bool { return m.Settlement == nil })

	_ = g.Wait()
	if report != (SweepReport{}) {
		s.logger.Info("sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("resumed", report.Resumed),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("failed", report.Failed),
		)
	}
	return report, ctx.Err()
}
