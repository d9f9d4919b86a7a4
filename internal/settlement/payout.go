package settlement

import (
	"errors"
	"fmt"

	"match-server/internal/match"
)

var ErrNotTerminal = errors.New("NOT_TERMINAL: match has not ended")

// FeePolicy is the house cut taken from a won pot, in basis points.
// Refunds are never charged.
type FeePolicy struct {
	BasisPoints  int64
	HouseAccount string
}

func (p FeePolicy) Fee(pot int64) int64 {
	if p.BasisPoints <= 0 || p.HouseAccount == "" || pot <= 0 {
		return 0
	}
	bps := min(p.BasisPoints, 10_000)
	return pot * bps / 10_000
}

// ComputePayouts works out what each account is credited. Stakes were
// escrowed at join, so a win pays the pot (less fee) to the winner, and a
// draw or a plain abort hands every participant back their own stake.
// SettledAmounts holds payout minus stake per account and sums to zero.
func ComputePayouts(m match.Match, policy FeePolicy) (match.Result, error) {
	if !m.Status.Terminal() {
		return match.Result{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, m.ID, m.Status)
	}

	res := match.Result{
		MatchID:        m.ID,
		Outcome:        m.Outcome,
		WinnerID:       m.WinnerID,
		Payouts:        make(map[string]int64, len(m.Participants)+1),
		SettledAmounts: make(map[string]int64, len(m.Participants)+1),
	}
	if res.Outcome == "" {
		res.Outcome = match.OutcomeAbort
	}

	if m.WinnerID != "" {
		if _, ok := m.Participant(m.WinnerID); !ok {
			return match.Result{}, fmt.Errorf("%w: winner %s", match.ErrNotParticipant, m.WinnerID)
		}

		fee := policy.Fee(m.Pot)
		for _, p := range m.Participants {
			res.Payouts[p.UserID] = 0
		}
		res.Payouts[m.WinnerID] = m.Pot - fee
		if fee > 0 {
			res.Payouts[policy.HouseAccount] = fee
			res.SettledAmounts[policy.HouseAccount] = fee
		}
	} else {
		for _, p := range m.Participants {
			res.Payouts[p.UserID] = p.Stake
		}
	}

	for _, p := range m.Participants {
		res.SettledAmounts[p.UserID] = res.Payouts[p.UserID] - p.Stake
	}
	return res, nil
}
