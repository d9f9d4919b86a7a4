package match

import "errors"

var (
	ErrTurnViolation  = errors.New("TURN_VIOLATION: not your turn")
	ErrMatchNotActive = errors.New("MATCH_NOT_ACTIVE: match does not accept this action")
	ErrMatchFull      = errors.New("MATCH_FULL: match already has two participants")
	ErrNotParticipant = errors.New("NOT_PARTICIPANT: user is not part of this match")
	ErrAlreadyJoined  = errors.New("ALREADY_JOINED: user already joined this match")
	ErrInvalidStake   = errors.New("INVALID_STAKE: stake must not be negative")

	ErrNotFound    = errors.New("MATCH_NOT_FOUND: no such match")
	ErrMatchExists = errors.New("MATCH_EXISTS: match id already in use")
)
