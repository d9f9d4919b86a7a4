package match

import (
	"fmt"
	"time"

	"match-server/internal/engine"
)

var joinSymbols = [MaxParticipants]engine.Symbol{engine.X, engine.O}

// Session is the live state machine for one match. It is not safe for
// concurrent use: callers serialize every command for a match.
type Session struct {
	m   Match
	eng engine.Engine
	now func() time.Time
}

func NewSession(id string, eng engine.Engine, stake int64) (*Session, error) {
	if stake < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStake, stake)
	}
	now := time.Now().UTC()
	return &Session{
		m: Match{
			ID:        id,
			GameType:  eng.Name(),
			Status:    StatusWaiting,
			Board:     eng.NewBoard(),
			Stake:     stake,
			CreatedAt: now,
			UpdatedAt: now,
		},
		eng: eng,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Restore rebuilds a session from a persisted record. Every participant
// starts out disconnected.
func Restore(m Match, eng engine.Engine) (*Session, error) {
	if m.GameType != eng.Name() {
		return nil, fmt.Errorf("restore %s: record is %s, engine is %s", m.ID, m.GameType, eng.Name())
	}
	if len(m.Participants) > MaxParticipants {
		return nil, fmt.Errorf("restore %s: %d participants", m.ID, len(m.Participants))
	}
	if m.Status == StatusInProgress && len(m.Participants) != MaxParticipants {
		return nil, fmt.Errorf("restore %s: in progress with %d participants", m.ID, len(m.Participants))
	}
	if m.Status == StatusInProgress && (m.CurrentTurn < 0 || m.CurrentTurn >= len(m.Participants)) {
		return nil, fmt.Errorf("restore %s: turn index %d out of range", m.ID, m.CurrentTurn)
	}

	m = m.Clone()
	if len(m.Board.Cells) == 0 {
		m.Board = eng.NewBoard()
	}
	for i := range m.Participants {
		m.Participants[i].Connected = false
	}
	return &Session{m: m, eng: eng, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Session) ID() string { return s.m.ID }
func (s *Session) Status() Status { return s.m.Status }
func (s *Session) Stake() int64 { return s.m.Stake }
func (s *Session) GameType() string { return s.m.GameType }

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Match { return s.m.Clone() }

func (s *Session) IsParticipant(userID string) bool {
	_, ok := s.m.Participant(userID)
	return ok
}

func (s *Session) Participant(userID string) (Participant, bool) {
	return s.m.Participant(userID)
}

// Opponent returns the other participant of userID.
func (s *Session) Opponent(userID string) (Participant, bool) {
	if !s.IsParticipant(userID) {
		return Participant{}, false
	}
	for _, p := range s.m.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

// CanJoin reports whether Join(userID) would succeed without changing state.
func (s *Session) CanJoin(userID string) error {
	switch {
	case s.m.Status.Terminal():
		return fmt.Errorf("%w: match is %s", ErrMatchNotActive, s.m.Status)
	case s.IsParticipant(userID):
		return ErrAlreadyJoined
	case s.m.Status != StatusWaiting || len(s.m.Participants) >= MaxParticipants:
		return ErrMatchFull
	}
	return nil
}

// Join appends userID in turn order. The second join starts the match and
// fixes the pot.
func (s *Session) Join(userID string) (started bool, err error) {
	if err := s.CanJoin(userID); err != nil {
		return false, err
	}

	s.m.Participants = append(s.m.Participants, Participant{
		UserID:    userID,
		Symbol:    joinSymbols[len(s.m.Participants)],
		Stake:     s.m.Stake,
		Connected: true,
	})
	s.touch()

	if len(s.m.Participants) < MaxParticipants {
		return false, nil
	}

	var pot int64
	for _, p := range s.m.Participants {
		pot += p.Stake
	}
	s.m.Pot = pot
	s.m.Status = StatusInProgress
	s.m.Board = s.eng.NewBoard()
	s.m.CurrentTurn = 0
	return true, nil
}

// SubmitMove applies one move for the participant whose turn it is. A
// rejected move leaves the session untouched.
func (s *Session) SubmitMove(cmd MoveCommand) (engine.Terminal, error) {
	none := engine.Terminal{Kind: engine.None}

	if s.m.Status != StatusInProgress {
		return none, fmt.Errorf("%w: match is %s", ErrMatchNotActive, s.m.Status)
	}
	p, ok := s.m.Participant(cmd.UserID)
	if !ok {
		return none, ErrNotParticipant
	}
	if s.m.Participants[s.m.CurrentTurn].UserID != cmd.UserID {
		return none, fmt.Errorf("%w: waiting for %s", ErrTurnViolation, s.m.Participants[s.m.CurrentTurn].UserID)
	}

	board, term, err := s.eng.ApplyMove(s.m.Board, cmd.Payload, p.Symbol)
	if err != nil {
		return none, err
	}

	s.m.Board = board
	s.touch()

	switch term.Kind {
	case engine.Win:
		s.m.Status = StatusFinished
		s.m.Outcome = OutcomeWin
		s.m.WinnerID = s.userBySymbol(term.Winner)
	case engine.Draw:
		s.m.Status = StatusFinished
		s.m.Outcome = OutcomeDraw
	default:
		s.m.CurrentTurn = (s.m.CurrentTurn + 1) % len(s.m.Participants)
	}
	return term, nil
}

// Abort ends the match early. A non-empty winnerID turns the abort into a
// forfeiture win and is only valid while the match is in progress.
func (s *Session) Abort(reason, winnerID string) error {
	if s.m.Status.Terminal() {
		return fmt.Errorf("%w: match is %s", ErrMatchNotActive, s.m.Status)
	}
	if winnerID != "" {
		if s.m.Status != StatusInProgress {
			return fmt.Errorf("%w: no winner before the match starts", ErrMatchNotActive)
		}
		if !s.IsParticipant(winnerID) {
			return ErrNotParticipant
		}
	}

	s.m.Status = StatusAborted
	s.m.Outcome = OutcomeAbort
	s.m.AbortReason = reason
	s.m.WinnerID = winnerID
	s.touch()
	return nil
}

// Forfeit aborts an in-progress match with the opponent of loserID as winner.
func (s *Session) Forfeit(loserID string) error {
	if s.m.Status != StatusInProgress {
		return fmt.Errorf("%w: match is %s", ErrMatchNotActive, s.m.Status)
	}
	opp, ok := s.Opponent(loserID)
	if !ok {
		return ErrNotParticipant
	}
	return s.Abort(ReasonForfeit, opp.UserID)
}

// SetConnected updates the presence flag and reports whether it changed.
func (s *Session) SetConnected(userID string, connected bool) bool {
	for i := range s.m.Participants {
		if s.m.Participants[i].UserID == userID {
			if s.m.Participants[i].Connected == connected {
				return false
			}
			s.m.Participants[i].Connected = connected
			return true
		}
	}
	return false
}

// RecordSettlement attaches the settlement outcome to a terminal session.
func (s *Session) RecordSettlement(res *Result, failed bool) {
	if res != nil {
		r := res.Clone()
		s.m.Result = &r
	}
	s.m.SettlementFailed = failed
}

func (s *Session) userBySymbol(sym engine.Symbol) string {
	for _, p := range s.m.Participants {
		if p.Symbol == sym {
			return p.UserID
		}
	}
	return ""
}

func (s *Session) touch() { s.m.UpdatedAt = s.now() }
