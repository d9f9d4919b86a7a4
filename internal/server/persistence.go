package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"match-server/internal/engine"
	"match-server/internal/match"
)

// PersistenceManager moves live room state to and from the match store.
type PersistenceManager struct {
	store    match.Store
	hub      *Hub
	registry *ConnectionRegistry
	engines  *engine.Factory
	log      *zap.Logger
	now      func() time.Time
}

func NewPersistenceManager(store match.Store, hub *Hub, registry *ConnectionRegistry, engines *engine.Factory, log *zap.Logger) *PersistenceManager {
	return &PersistenceManager{
		store:    store,
		hub:      hub,
		registry: registry,
		engines:  engines,
		log:      log.Named("persistence"),
		now:      time.Now,
	}
}

// SaveLive writes a snapshot of every running room, plus terminal rooms whose
// final record failed to persist.
func (pm *PersistenceManager) SaveLive(ctx context.Context) (int, error) {
	saved := 0
	var errs []error

	for _, room := range pm.hub.Rooms() {
		err := room.Do(ctx, func(r *Room) error {
			// Why unsaved terminal rooms are written too: their settlement
			// row never reached the store, and the reconciler only sees
			// stored rows.
			if !r.session.Status().Active() && !r.unsaved {
				return nil
			}
			if err := pm.store.Update(ctx, r.session.Snapshot()); err != nil {
				return fmt.Errorf("save match %s: %w", r.id, err)
			}
			r.unsaved = false
			saved++
			return nil
		})
		if err != nil && !errors.Is(err, ErrRoomClosed) {
			errs = append(errs, err)
		}
	}
	return saved, errors.Join(errs...)
}

// RestoreAll loads every unfinished match into a live room. Restored
// participants start disconnected; adopt arms their forfeiture timers.
func (pm *PersistenceManager) RestoreAll(ctx context.Context, adopt func(context.Context, *Room) error) (int, error) {
	stored, err := pm.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished matches: %w", err)
	}

	restored := 0
	for _, m := range stored {
		if pm.hub.IsLive(m.ID) {
			continue
		}
		eng, err := pm.engines.Resolve(m.GameType)
		if err != nil {
			pm.log.Warn("restore_skipped", zap.String("match_id", m.ID), zap.Error(err))
			continue
		}
		sess, err := match.Restore(m, eng)
		if err != nil {
			pm.log.Warn("restore_skipped", zap.String("match_id", m.ID), zap.Error(err))
			continue
		}

		room := NewRoom(sess)
		if !pm.hub.Add(room) {
			continue
		}
		if adopt != nil {
			if err := adopt(ctx, room); err != nil {
				pm.log.Warn("restore_adopt_failed", zap.String("match_id", m.ID), zap.Error(err))
			}
		}
		restored++
	}

	pm.log.Info("matches_restored", zap.Int("count", restored), zap.Int("stored", len(stored)))
	return restored, nil
}

// ReapFinished removes terminal rooms that finished more than retention ago
// and whose final record is persisted.
func (pm *PersistenceManager) ReapFinished(ctx context.Context, retention time.Duration) int {
	cutoff := pm.now().Add(-retention)

	var expired []string
	for _, room := range pm.hub.Rooms() {
		_ = room.Do(ctx, func(r *Room) error {
			if r.session.Status().Terminal() && !r.unsaved && !r.finishedAt.After(cutoff) {
				expired = append(expired, r.id)
			}
			return nil
		})
	}

	// Why removal happens outside Do: Remove stops the room's actor, which
	// would wait on itself from inside its own queue.
	for _, id := range expired {
		pm.registry.DisconnectAll(id)
		pm.hub.Remove(id)
	}
	if len(expired) > 0 {
		pm.log.Debug("rooms_reaped", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// CleanupOld deletes settled terminal matches last updated before olderThan.
func (pm *PersistenceManager) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := pm.store.DeleteFinishedBefore(ctx, pm.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup old matches: %w", err)
	}
	return n, nil
}
