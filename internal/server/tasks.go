package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	reapInterval    = 30 * time.Second
	cleanupInterval = time.Hour
	jobTimeout      = 30 * time.Second
)

func (s *Server) startScheduler() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"reconcile", s.cfg.ReconcileInterval, s.reconcileTask},
		{"save_live", s.cfg.SaveInterval, s.periodicSaveTask},
		{"reap_finished", reapInterval, s.reapTask},
		{"cleanup_history", cleanupInterval, s.cleanupTask},
		{"rate_limit_cleanup", time.Minute, func(context.Context) { s.rateLimiter.Cleanup() }},
	}

	for _, j := range jobs {
		run := j.run
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
				defer cancel()
				run(ctx)
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	sched.Start()
	s.scheduler = sched
	return nil
}

func (s *Server) reconcileTask(ctx context.Context) {
	report, err := s.reconciler.Run(ctx)
	if err != nil {
		s.log.Error("reconcile_failed", zap.Error(err))
		return
	}
	if report.Retried > 0 || report.StillFailed > 0 || report.Aborted > 0 {
		s.log.Info("reconcile_completed",
			zap.Int("retried", report.Retried),
			zap.Int("still_failed", report.StillFailed),
			zap.Int("aborted", report.Aborted),
		)
	}
}

func (s *Server) periodicSaveTask(ctx context.Context) {
	saved, err := s.persistence.SaveLive(ctx)
	if err != nil {
		s.log.Warn("periodic_save_failed", zap.Int("saved", saved), zap.Error(err))
		return
	}
	s.log.Debug("periodic_save_completed", zap.Int("saved", saved))
}

func (s *Server) reapTask(ctx context.Context) {
	s.persistence.ReapFinished(ctx, s.cfg.FinishedRetention)
}

func (s *Server) cleanupTask(ctx context.Context) {
	deleted, err := s.persistence.CleanupOld(ctx, s.cfg.HistoryRetention)
	if err != nil {
		s.log.Error("cleanup_failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.log.Info("cleanup_completed", zap.Int("deleted", deleted))
	}
}
