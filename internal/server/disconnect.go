package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"match-server/internal/match"
)

// DisconnectHandler reacts to lost connections. A participant who drops out
// of a running match has the grace period to come back before forfeiting.
type DisconnectHandler struct {
	d     *Dispatcher
	grace time.Duration
	log   *zap.Logger
}

func NewDisconnectHandler(d *Dispatcher, grace time.Duration, log *zap.Logger) *DisconnectHandler {
	return &DisconnectHandler{d: d, grace: grace, log: log.Named("disconnect")}
}

// HandleDisconnect unregisters c and closes it. If c was the participant's
// last connection, a waiting match is abandoned and a running match starts
// the forfeiture timer.
func (h *DisconnectHandler) HandleDisconnect(c *Client) {
	matchID, userID := c.MatchID(), c.UserID()
	if matchID != "" {
		h.d.registry.Disconnect(matchID, c)
	}
	c.Close()

	if matchID == "" || userID == "" {
		return
	}
	room, ok := h.d.hub.Get(matchID)
	if !ok {
		return
	}

	err := room.Do(context.Background(), func(r *Room) error {
		h.participantLeft(r, userID)
		return nil
	})
	if err != nil {
		h.log.Debug("disconnect_ignored", zap.String("match_id", matchID), zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *DisconnectHandler) participantLeft(r *Room, userID string) {
	s := r.session
	if !s.IsParticipant(userID) || !s.Status().Active() {
		return
	}
	if h.d.registry.HasUser(r.id, userID) {
		return
	}
	s.SetConnected(userID, false)

	switch s.Status() {
	case match.StatusWaiting:
		if err := s.Abort(match.ReasonAbandoned, ""); err == nil {
			h.d.finish(context.Background(), r)
		}
	case match.StatusInProgress:
		h.d.broadcastState(r)
		h.startGrace(r, userID)
		h.log.Info("forfeit_timer_started",
			zap.String("match_id", r.id),
			zap.String("user_id", userID),
			zap.Duration("grace", h.grace),
		)
	}
}

// Adopt arms forfeiture timers for every participant of a restored room.
// Participants that reconnect in time cancel their timer by joining.
func (h *DisconnectHandler) Adopt(ctx context.Context, room *Room) error {
	return room.Do(ctx, func(r *Room) error {
		if !r.session.Status().Active() {
			return nil
		}
		for _, p := range r.session.Snapshot().Participants {
			if !h.d.registry.HasUser(r.id, p.UserID) {
				h.startGrace(r, p.UserID)
			}
		}
		return nil
	})
}

// startGrace must run inside the room.
func (h *DisconnectHandler) startGrace(r *Room, userID string) {
	r.startGrace(userID, h.grace, func() { h.expire(r, userID) })
}

func (h *DisconnectHandler) expire(room *Room, userID string) {
	err := room.Do(context.Background(), func(r *Room) error {
		s := r.session
		if !s.Status().Active() || !s.IsParticipant(userID) {
			return nil
		}
		if h.d.registry.HasUser(r.id, userID) {
			return nil
		}
		r.cancelGrace(userID)

		opp, ok := s.Opponent(userID)
		switch {
		case s.Status() == match.StatusInProgress && ok && h.d.registry.HasUser(r.id, opp.UserID):
			if err := s.Forfeit(userID); err != nil {
				return err
			}
			h.log.Info("participant_forfeited", zap.String("match_id", r.id), zap.String("user_id", userID))
		default:
			if err := s.Abort(match.ReasonAbandoned, ""); err != nil {
				return err
			}
			h.log.Info("match_abandoned", zap.String("match_id", r.id))
		}
		h.d.finish(context.Background(), r)
		return nil
	})
	if err != nil {
		h.log.Debug("forfeit_timer_ignored", zap.String("match_id", room.id), zap.String("user_id", userID), zap.Error(err))
	}
}
