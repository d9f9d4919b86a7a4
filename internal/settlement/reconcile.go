package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"match-server/internal/engine"
	"match-server/internal/match"
)

// Reconciler retries failed settlements and closes out matches that no live
// session owns any more, such as those left behind by a crash.
type Reconciler struct {
	store      match.Store
	svc        *Service
	engines    *engine.Factory
	isLive     func(matchID string) bool
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

type Report struct {
	Retried     int
	StillFailed int
	Aborted     int
}

func NewReconciler(store match.Store, svc *Service, engines *engine.Factory, isLive func(string) bool, staleAfter time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		svc:        svc,
		engines:    engines,
		isLive:     isLive,
		staleAfter: staleAfter,
		log:        log.Named("reconciler"),
		now:        time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report

	failed, err := r.store.ListSettlementFailed(ctx)
	if err != nil {
		return rep, err
	}
	for _, m := range failed {
		if r.isLive(m.ID) {
			continue
		}
		rep.Retried++
		settled, err := r.svc.Retry(ctx, m.ID)
		if err != nil || settled.SettlementFailed {
			rep.StillFailed++
		}
	}

	unfinished, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return rep, err
	}
	cutoff := r.now().Add(-r.staleAfter)
	var errs []error
	for _, m := range unfinished {
		if r.isLive(m.ID) || m.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.abortStale(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Aborted++
	}

	if rep.Retried > 0 || rep.Aborted > 0 {
		r.log.Info("reconcile_completed",
			zap.Int("retried", rep.Retried),
			zap.Int("still_failed", rep.StillFailed),
			zap.Int("aborted", rep.Aborted),
		)
	}
	return rep, errors.Join(errs...)
}

func (r *Reconciler) abortStale(ctx context.Context, m match.Match) error {
	eng, err := r.engines.Resolve(m.GameType)
	if err != nil {
		r.log.Warn("stale_match_unknown_game", zap.String("match_id", m.ID), zap.String("game_type", m.GameType))
		return err
	}
	sess, err := match.Restore(m, eng)
	if err != nil {
		return err
	}
	if err := sess.Abort(match.ReasonStale, ""); err != nil {
		return err
	}

	r.log.Info("stale_match_aborted", zap.String("match_id", m.ID), zap.String("status", string(m.Status)))
	_, err = r.svc.Settle(ctx, sess.Snapshot())
	return err
}
