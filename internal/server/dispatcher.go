package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"match-server/internal/engine"
	"match-server/internal/events"
	"match-server/internal/ledger"
	"match-server/internal/match"
	"match-server/internal/settlement"
)

// Dispatcher routes inbound commands to the owning room and pushes the
// resulting state through the registry. Rule violations are answered with a
// private rejection to the sender only.
type Dispatcher struct {
	hub           *Hub
	registry      *ConnectionRegistry
	engines       *engine.Factory
	repo          match.Repository
	ledger        ledger.Ledger
	settler       *settlement.Service
	pub           events.Publisher
	ledgerTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
}

type DispatcherDeps struct {
	Hub           *Hub
	Registry      *ConnectionRegistry
	Engines       *engine.Factory
	Repo          match.Repository
	Ledger        ledger.Ledger
	Settler       *settlement.Service
	Publisher     events.Publisher
	LedgerTimeout time.Duration
}

func NewDispatcher(deps DispatcherDeps, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		hub:           deps.Hub,
		registry:      deps.Registry,
		engines:       deps.Engines,
		repo:          deps.Repo,
		ledger:        deps.Ledger,
		settler:       deps.Settler,
		pub:           deps.Publisher,
		ledgerTimeout: deps.LedgerTimeout,
		log:           log.Named("dispatcher"),
		now:           time.Now,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg ClientMessage) {
	matchID := NormalizeMatchCode(msg.MatchID)

	var err error
	switch msg.Type {
	case MsgPing:
		d.registry.Send(c, encodeMessage(ServerMessage{Type: MsgPong}))
		return
	case MsgCreate:
		matchID, err = d.Create(ctx, c, msg.UserID, msg.Payload)
	case MsgJoin:
		err = d.Join(ctx, c, matchID, msg.UserID)
	case MsgMove:
		err = d.Move(ctx, c, match.MoveCommand{MatchID: matchID, UserID: msg.UserID, Payload: msg.Payload})
	case MsgLeave:
		err = d.Leave(ctx, c, matchID, msg.UserID)
	default:
		err = fmt.Errorf("%w: unknown message type %q", ErrBadRequest, msg.Type)
	}

	if err != nil {
		d.log.Debug("command_rejected",
			zap.String("type", msg.Type),
			zap.String("match_id", matchID),
			zap.String("user_id", msg.UserID),
			zap.Error(err),
		)
		d.registry.Send(c, encodeMessage(rejectedMessage(matchID, err)))
	}
}

// Create opens a new match and joins the creator as its first participant.
func (d *Dispatcher) Create(ctx context.Context, c *Client, userID string, payload json.RawMessage) (string, error) {
	if err := d.authorize(c, userID); err != nil {
		return "", err
	}
	if err := d.checkSwitch(ctx, c, ""); err != nil {
		return "", err
	}

	var p CreatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("%w: payload must be {\"game_type\": string, \"stake\": int}", ErrBadRequest)
	}
	eng, err := d.engines.Resolve(p.GameType)
	if err != nil {
		return "", err
	}

	var sess *match.Session
	for range 3 {
		code := GenerateMatchCode(d.hub.IsLive)
		if code == "" {
			return "", ErrNoCodesAvailable
		}
		if sess, err = match.NewSession(code, eng, p.Stake); err != nil {
			return "", err
		}
		if err = d.repo.Create(ctx, sess.Snapshot()); !errors.Is(err, match.ErrMatchExists) {
			break
		}
	}
	if err != nil {
		return "", err
	}

	room := NewRoom(sess)
	if !d.hub.Add(room) {
		return "", fmt.Errorf("%w: %s", match.ErrMatchExists, sess.ID())
	}
	d.publish(ctx, events.New(events.TypeCreated, sess.Snapshot()))
	d.log.Info("match_created",
		zap.String("match_id", sess.ID()),
		zap.String("game_type", sess.GameType()),
		zap.Int64("stake", p.Stake),
		zap.String("user_id", userID),
	)

	if err := d.join(ctx, c, room, userID); err != nil {
		// Nobody holds a stake in the match yet; close it.
		_ = room.Do(ctx, func(r *Room) error {
			if r.session.Status().Active() && r.session.Abort(match.ReasonWithdrawn, "") == nil {
				d.finish(ctx, r)
			}
			return nil
		})
		return sess.ID(), err
	}
	return sess.ID(), nil
}

// Join adds userID to the match, or reconnects a participant.
func (d *Dispatcher) Join(ctx context.Context, c *Client, matchID, userID string) error {
	if err := d.authorize(c, userID); err != nil {
		return err
	}
	room, err := d.room(matchID)
	if err != nil {
		return err
	}
	if err := d.checkSwitch(ctx, c, matchID); err != nil {
		return err
	}
	return d.join(ctx, c, room, userID)
}

// checkSwitch rejects moving c to target while it still plays an active
// match elsewhere. The registry would silently drop it from that match, which
// nothing would then forfeit or time out.
func (d *Dispatcher) checkSwitch(ctx context.Context, c *Client, target string) error {
	prev := c.MatchID()
	if prev == "" || prev == target || !d.registry.Contains(prev, c) {
		return nil
	}
	room, ok := d.hub.Get(prev)
	if !ok {
		return nil
	}
	userID := c.UserID()
	return room.Do(ctx, func(r *Room) error {
		if r.session.IsParticipant(userID) && r.session.Status().Active() {
			return fmt.Errorf("%w: %s", ErrAlreadyInMatch, prev)
		}
		return nil
	})
}

func (d *Dispatcher) join(ctx context.Context, c *Client, room *Room, userID string) error {
	return room.Do(ctx, func(r *Room) error {
		s := r.session

		if s.IsParticipant(userID) && s.Status().Active() {
			d.registry.Connect(r.id, c)
			r.cancelGrace(userID)
			if s.SetConnected(userID, true) {
				d.broadcastState(r)
			} else {
				d.registry.Send(c, encodeMessage(stateMessage(MsgState, s.Snapshot())))
			}
			d.log.Info("participant_reconnected", zap.String("match_id", r.id), zap.String("user_id", userID))
			return nil
		}

		if err := s.CanJoin(userID); err != nil {
			return err
		}

		stake := s.Stake()
		if stake > 0 {
			if err := d.applyLedger(ctx, userID, -stake, ledger.EscrowRef(r.id, userID)); err != nil {
				return err
			}
		}

		started, err := s.Join(userID)
		if err != nil {
			if stake > 0 {
				if rerr := d.applyLedger(ctx, userID, stake, ledger.RefundRef(r.id, userID)); rerr != nil {
					d.log.Error("escrow_refund_failed", zap.String("match_id", r.id), zap.String("user_id", userID), zap.Error(rerr))
				}
			}
			return err
		}

		d.registry.Connect(r.id, c)
		d.save(ctx, s.Snapshot())
		d.broadcastState(r)

		d.log.Info("participant_joined",
			zap.String("match_id", r.id),
			zap.String("user_id", userID),
			zap.Bool("started", started),
		)
		return nil
	})
}

// Move applies one move. On success every connection of the match, the
// mover included, receives the new state.
func (d *Dispatcher) Move(ctx context.Context, c *Client, cmd match.MoveCommand) error {
	if err := d.authorize(c, cmd.UserID); err != nil {
		return err
	}
	room, err := d.room(cmd.MatchID)
	if err != nil {
		return err
	}

	return room.Do(ctx, func(r *Room) error {
		if !d.registry.Contains(r.id, c) {
			return ErrNotJoined
		}
		term, err := r.session.SubmitMove(cmd)
		if err != nil {
			return err
		}
		if term.Over() {
			d.finish(ctx, r)
			return nil
		}
		d.broadcastState(r)
		return nil
	})
}

// Leave withdraws userID. A waiting match is aborted with refunds; a running
// match is forfeited to the opponent.
func (d *Dispatcher) Leave(ctx context.Context, c *Client, matchID, userID string) error {
	if err := d.authorize(c, userID); err != nil {
		return err
	}
	room, err := d.room(matchID)
	if err != nil {
		return err
	}

	return room.Do(ctx, func(r *Room) error {
		s := r.session
		if !s.IsParticipant(userID) {
			return match.ErrNotParticipant
		}

		switch s.Status() {
		case match.StatusWaiting:
			if err := s.Abort(match.ReasonWithdrawn, ""); err != nil {
				return err
			}
			d.finish(ctx, r)
		case match.StatusInProgress:
			if err := s.Forfeit(userID); err != nil {
				return err
			}
			d.finish(ctx, r)
		}

		r.cancelGrace(userID)
		d.registry.Disconnect(r.id, c)
		d.log.Info("participant_left", zap.String("match_id", r.id), zap.String("user_id", userID))
		return nil
	})
}

// finish settles a session that just became terminal and announces the
// result. It runs inside the room.
func (d *Dispatcher) finish(ctx context.Context, r *Room) {
	ctx = context.WithoutCancel(ctx)

	r.cancelAllGrace()
	r.finishedAt = d.now()

	settled, err := d.settler.Settle(ctx, r.session.Snapshot())
	r.session.RecordSettlement(settled.Result, settled.SettlementFailed || err != nil)
	if err != nil {
		r.unsaved = true
		d.log.Error("settlement_not_persisted", zap.String("match_id", r.id), zap.Error(err))
	}

	final := r.session.Snapshot()
	d.registry.Broadcast(r.id, encodeMessage(stateMessage(MsgFinished, final)), nil)
	d.log.Info("match_finished",
		zap.String("match_id", r.id),
		zap.String("status", string(final.Status)),
		zap.String("outcome", string(final.Outcome)),
		zap.String("winner_id", final.WinnerID),
		zap.String("reason", final.AbortReason),
		zap.Bool("settlement_failed", final.SettlementFailed),
	)
}

func (d *Dispatcher) broadcastState(r *Room) {
	d.registry.Broadcast(r.id, encodeMessage(stateMessage(MsgState, r.session.Snapshot())), nil)
}

func (d *Dispatcher) authorize(c *Client, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	return c.Bind(userID)
}

func (d *Dispatcher) room(matchID string) (*Room, error) {
	if err := ValidateMatchCode(matchID); err != nil {
		return nil, err
	}
	room, ok := d.hub.Get(matchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", match.ErrNotFound, matchID)
	}
	return room, nil
}

func (d *Dispatcher) applyLedger(ctx context.Context, userID string, amount int64, ref string) error {
	if d.ledgerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ledgerTimeout)
		defer cancel()
	}
	return d.ledger.ApplyDelta(ctx, userID, amount, ref)
}

// save persists a lifecycle transition. Failures are logged; the periodic
// save catches up.
func (d *Dispatcher) save(ctx context.Context, m match.Match) {
	if err := d.repo.Update(ctx, m); err != nil {
		d.log.Warn("match_save_failed", zap.String("match_id", m.ID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.Warn("event_publish_failed", zap.String("match_id", ev.MatchID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
