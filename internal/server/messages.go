package server

import (
	"encoding/json"

	"match-server/internal/engine"
	"match-server/internal/match"
)

// Inbound message types.
const (
	MsgPing   = "ping"
	MsgCreate = "create"
	MsgJoin   = "join"
	MsgMove   = "move"
	MsgLeave  = "leave"
)

// Outbound message types.
const (
	MsgState    = "state"
	MsgRejected = "rejected"
	MsgFinished = "finished"
	MsgPong     = "pong"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerMessage struct {
	Type         string            `json:"type"`
	MatchID      string            `json:"match_id,omitempty"`
	GameType     string            `json:"game_type,omitempty"`
	Board        *engine.Board     `json:"board,omitempty"`
	CurrentTurn  string            `json:"current_turn,omitempty"`
	Status       match.Status      `json:"status,omitempty"`
	Participants []ParticipantView `json:"participants,omitempty"`
	Pot          int64             `json:"pot,omitempty"`
	Result       *match.Result     `json:"result,omitempty"`
	Error        *ErrorPayload     `json:"error,omitempty"`
}
