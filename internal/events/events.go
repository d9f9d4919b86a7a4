// Package events publishes match lifecycle notifications to external
// listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"match-server/internal/match"
)

type Type string

const (
	TypeCreated          Type = "match.created"
	TypeFinished         Type = "match.finished"
	TypeAborted          Type = "match.aborted"
	TypeSettlementFailed Type = "match.settlement_failed"
)

type Event struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	MatchID    string        `json:"match_id"`
	GameType   string        `json:"game_type"`
	Status     match.Status  `json:"status"`
	UserIDs    []string      `json:"user_ids"`
	Result     *match.Result `json:"result,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// New builds an event from a match snapshot.
func New(t Type, m match.Match) Event {
	var res *match.Result
	if m.Result != nil {
		r := m.Result.Clone()
		res = &r
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		MatchID:    m.ID,
		GameType:   m.GameType,
		Status:     m.Status,
		UserIDs:    m.UserIDs(),
		Result:     res,
		OccurredAt: time.Now().UTC(),
	}
}

// Terminal picks finished or aborted from the match status.
func Terminal(m match.Match) Event {
	if m.Status == match.StatusAborted {
		return New(TypeAborted, m)
	}
	return New(TypeFinished, m)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to a zap logger. It is always part of the fan-out.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("match_event",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("match_id", ev.MatchID),
		zap.String("status", string(ev.Status)),
		zap.Strings("user_ids", ev.UserIDs),
	)
	return nil
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
