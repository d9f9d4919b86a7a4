// Package match models a single match between two participants and the
// state machine that drives it from WAITING to a terminal status.
package match

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"match-server/internal/engine"
)

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
	StatusAborted    Status = "ABORTED"
)

func (s Status) Terminal() bool { return s == StatusFinished || s == StatusAborted }

// Active reports whether the match still accepts commands.
func (s Status) Active() bool { return s == StatusWaiting || s == StatusInProgress }

type Outcome string

const (
	OutcomeWin   Outcome = "WIN"
	OutcomeDraw  Outcome = "DRAW"
	OutcomeAbort Outcome = "ABORT"
)

// Abort reasons recorded on the match.
const (
	ReasonForfeit   = "forfeit"
	ReasonWithdrawn = "withdrawn"
	ReasonAbandoned = "abandoned"
	ReasonStale     = "stale"
)

// MaxParticipants is fixed: every supported game is two-player.
const MaxParticipants = 2

type Participant struct {
	UserID    string        `json:"user_id"`
	Symbol    engine.Symbol `json:"symbol"`
	Stake     int64         `json:"stake"`
	Connected bool          `json:"connected"`
}

type Match struct {
	ID           string        `json:"id"`
	GameType     string        `json:"game_type"`
	Status       Status        `json:"status"`
	Participants []Participant `json:"participants"`
	Board        engine.Board  `json:"board"`
	CurrentTurn  int           `json:"current_turn"`
	// Stake is what each participant escrows on join.
	Stake       int64   `json:"stake"`
	Pot         int64   `json:"pot"`
	WinnerID    string  `json:"winner_id,omitempty"`
	Outcome     Outcome `json:"outcome,omitempty"`
	AbortReason string  `json:"abort_reason,omitempty"`

	Result           *Result `json:"result,omitempty"`
	SettlementFailed bool    `json:"settlement_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (m Match) Clone() Match {
	out := m
	out.Participants = append([]Participant(nil), m.Participants...)
	out.Board = m.Board.Clone()
	if m.Result != nil {
		r := m.Result.Clone()
		out.Result = &r
	}
	return out
}

func (m Match) Participant(userID string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (m Match) UserIDs() []string {
	ids := make([]string, len(m.Participants))
	for i, p := range m.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// CurrentUserID is empty unless the match is in progress.
func (m Match) CurrentUserID() string {
	if m.Status != StatusInProgress || m.CurrentTurn >= len(m.Participants) {
		return ""
	}
	return m.Participants[m.CurrentTurn].UserID
}

// Result is written once, at settlement.
type Result struct {
	MatchID  string  `json:"match_id"`
	Outcome  Outcome `json:"outcome"`
	WinnerID string  `json:"winner_id,omitempty"`
	// Payouts are the credits applied at settlement, per account.
	Payouts map[string]int64 `json:"payouts"`
	// SettledAmounts are net deltas (payout minus escrowed stake). They sum to zero.
	SettledAmounts map[string]int64 `json:"settled_amounts"`
	SettledAt      time.Time        `json:"settled_at"`
}

func (r Result) Clone() Result {
	out := r
	out.Payouts = maps.Clone(r.Payouts)
	out.SettledAmounts = maps.Clone(r.SettledAmounts)
	return out
}

type MoveCommand struct {
	MatchID string
	UserID  string
	Payload json.RawMessage
}

// Repository persists match records.
type Repository interface {
	Create(ctx context.Context, m Match) error
	GetByID(ctx context.Context, id string) (Match, error)
	// Update upserts m. A stored terminal row is never replaced by a
	// non-terminal snapshot; such an update is silently ignored.
	Update(ctx context.Context, m Match) error
	Delete(ctx context.Context, id string) error
}

// Store adds the scans needed by reconciliation and startup restore.
type Store interface {
	Repository
	ListSettlementFailed(ctx context.Context) ([]Match, error)
	ListUnfinished(ctx context.Context) ([]Match, error)
	// DeleteFinishedBefore removes settled terminal matches last updated
	// before cutoff and returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
