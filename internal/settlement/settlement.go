// Package settlement pays out a match once it reaches a terminal status and
// reconciles payouts that could not be applied.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"match-server/internal/events"
	"match-server/internal/ledger"
	"match-server/internal/match"
)

type Service struct {
	repo          match.Repository
	ledger        ledger.Ledger
	pub           events.Publisher
	fee           FeePolicy
	ledgerTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
}

func NewService(repo match.Repository, l ledger.Ledger, pub events.Publisher, fee FeePolicy, ledgerTimeout time.Duration, log *zap.Logger) *Service {
	return &Service{
		repo:          repo,
		ledger:        l,
		pub:           pub,
		fee:           fee,
		ledgerTimeout: ledgerTimeout,
		log:           log.Named("settlement"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Settle pays out a terminal match and persists the result. It is a no-op
// for a match the repository already holds as settled. Ledger failures do not
// make Settle fail: they are recorded as SettlementFailed on the returned and
// persisted match. Only a failure to persist is returned.
//
// The terminal match and its Result are stored, flagged SettlementFailed,
// before the first ledger call, and the flag is cleared once every call
// succeeds. A crash between the two writes leaves a pending row whose stored
// Result the reconciler replays under the same references.
func (s *Service) Settle(ctx context.Context, m match.Match) (match.Match, error) {
	if !m.Status.Terminal() {
		return m, fmt.Errorf("%w: %s is %s", ErrNotTerminal, m.ID, m.Status)
	}

	stored, err := s.repo.GetByID(ctx, m.ID)
	switch {
	case err == nil && stored.Status.Terminal() && !stored.SettlementFailed:
		s.log.Debug("settlement_skipped", zap.String("match_id", m.ID))
		return stored, nil
	case err == nil && stored.Status.Terminal():
		// Retry: the stored outcome is authoritative.
		m = stored
	case err != nil && !errors.Is(err, match.ErrNotFound):
		s.log.Warn("settlement_lookup_failed", zap.String("match_id", m.ID), zap.Error(err))
	}

	m = m.Clone()
	if m.Result == nil {
		res, err := ComputePayouts(m, s.fee)
		if err != nil {
			return m, err
		}
		res.SettledAt = s.now()
		m.Result = &res
	}
	res := *m.Result

	m.SettlementFailed = true
	m.UpdatedAt = res.SettledAt
	if err := s.repo.Update(ctx, m); err != nil {
		s.log.Error("settlement_persist_failed", zap.String("match_id", m.ID), zap.Bool("pending", true), zap.Error(err))
		return m, fmt.Errorf("persist pending settlement %s: %w", m.ID, err)
	}

	failed := s.apply(ctx, m, res)

	m.SettlementFailed = failed
	if err := s.repo.Update(ctx, m); err != nil {
		s.log.Error("settlement_persist_failed", zap.String("match_id", m.ID), zap.Error(err))
		m.SettlementFailed = true
		return m, fmt.Errorf("persist settlement %s: %w", m.ID, err)
	}

	s.publish(ctx, events.Terminal(m))
	if failed {
		s.publish(ctx, events.New(events.TypeSettlementFailed, m))
	} else {
		s.log.Info("match_settled",
			zap.String("match_id", m.ID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("winner_id", res.WinnerID),
			zap.Any("settled_amounts", res.SettledAmounts),
		)
	}
	return m, nil
}

// Retry settles a match previously flagged SettlementFailed.
func (s *Service) Retry(ctx context.Context, matchID string) (match.Match, error) {
	stored, err := s.repo.GetByID(ctx, matchID)
	if err != nil {
		return match.Match{}, err
	}
	if !stored.SettlementFailed {
		return stored, nil
	}
	return s.Settle(ctx, stored)
}

// apply issues one ledger call per participant plus the house fee. Every
// call is attempted even after a failure; the references make re-applying
// the successful ones a no-op on retry.
func (s *Service) apply(ctx context.Context, m match.Match, res match.Result) (failed bool) {
	credit := func(account string, amount int64, ref string) {
		cctx := ctx
		if s.ledgerTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, s.ledgerTimeout)
			defer cancel()
		}

		if err := s.ledger.ApplyDelta(cctx, account, amount, ref); err != nil {
			failed = true
			s.log.Error("settlement_failed",
				zap.String("match_id", m.ID),
				zap.String("account", account),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
		}
	}

	for _, p := range m.Participants {
		credit(p.UserID, res.Payouts[p.UserID], ledger.SettleRef(m.ID, p.UserID))
	}
	if fee, ok := res.Payouts[s.fee.HouseAccount]; ok && s.fee.HouseAccount != "" && fee > 0 {
		credit(s.fee.HouseAccount, fee, ledger.FeeRef(m.ID))
	}
	return failed
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("event_publish_failed", zap.String("match_id", ev.MatchID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
