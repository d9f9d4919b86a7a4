package server

import (
	"encoding/json"
	"errors"
	"strings"

	"match-server/internal/match"
)

var (
	ErrBadRequest       = errors.New("BAD_REQUEST: malformed message")
	ErrRateLimited      = errors.New("RATE_LIMIT_EXCEEDED: too many messages, slow down")
	ErrNotJoined        = errors.New("NOT_JOINED: join the match on this connection first")
	ErrNoCodesAvailable = errors.New("NO_CODES_AVAILABLE: could not allocate a match code")
	ErrAlreadyInMatch   = errors.New("ALREADY_IN_MATCH: connection is playing another match")
)

// CreatePayload is the payload of a "create" message.
type CreatePayload struct {
	GameType string `json:"game_type"`
	Stake    int64  `json:"stake"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ParticipantView struct {
	UserID    string `json:"user_id"`
	Symbol    string `json:"symbol"`
	Stake     int64  `json:"stake"`
	Connected bool   `json:"connected"`
}

// errorPayload splits a "CODE: message" error. Errors without a code prefix
// are reported as INTERNAL with a generic message.
func errorPayload(err error) *ErrorPayload {
	msg := err.Error()
	code, rest, ok := strings.Cut(msg, ":")
	if !ok || !isCode(code) {
		return &ErrorPayload{Code: "INTERNAL", Message: "internal error"}
	}
	return &ErrorPayload{Code: code, Message: strings.TrimSpace(rest)}
}

func isCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}

func stateMessage(msgType string, m match.Match) ServerMessage {
	board := m.Board.Clone()
	views := make([]ParticipantView, len(m.Participants))
	for i, p := range m.Participants {
		views[i] = ParticipantView{
			UserID:    p.UserID,
			Symbol:    string(p.Symbol),
			Stake:     p.Stake,
			Connected: p.Connected,
		}
	}
	return ServerMessage{
		Type:         msgType,
		MatchID:      m.ID,
		GameType:     m.GameType,
		Board:        &board,
		CurrentTurn:  m.CurrentUserID(),
		Status:       m.Status,
		Participants: views,
		Pot:          m.Pot,
		Result:       m.Result,
	}
}

func rejectedMessage(matchID string, err error) ServerMessage {
	return ServerMessage{Type: MsgRejected, MatchID: matchID, Error: errorPayload(err)}
}

func encodeMessage(msg ServerMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"type":"rejected","error":{"code":"INTERNAL","message":"internal error"}}`)
	}
	return data
}
