package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-server/internal/engine"
	"match-server/internal/match"
)

func persistedSession(t *testing.T, h *harness, id string, users ...string) {
	t.Helper()
	eng, err := engine.NewFactory().Resolve("TICTACTOE")
	require.NoError(t, err)
	s, err := match.NewSession(id, eng, 0)
	require.NoError(t, err)
	for _, u := range users {
		_, err := s.Join(u)
		require.NoError(t, err)
	}
	require.NoError(t, h.store.Create(context.Background(), s.Snapshot()))
}

func TestPersistence_SaveLive(t *testing.T) {
	h := newHarness(t)
	id, alice, _ := h.startMatch(t, "TICTACTOE", 0)

	h.move(alice, id, "alice", cell(4))
	alice.nextOf(t, MsgState)

	saved, err := h.srv.persistence.SaveLive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	stored, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, marks(stored.Board, engine.X))
	assert.Equal(t, 1, stored.CurrentTurn)
}

func TestPersistence_SaveLiveRetriesUnsavedResult(t *testing.T) {
	h := newHarness(t)
	id, _, bob := h.startMatch(t, "TICTACTOE", 0)
	h.send(bob, ClientMessage{Type: MsgLeave, MatchID: id, UserID: "bob"})
	h.stored(t, id, match.StatusAborted)

	room, _ := h.srv.hub.Get(id)
	require.NoError(t, room.Do(context.Background(), func(r *Room) error {
		r.unsaved = true
		return nil
	}))

	saved, err := h.srv.persistence.SaveLive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	saved, err = h.srv.persistence.SaveLive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, saved, "terminal rooms are written once")
}

// Restored participants start disconnected with forfeiture timers; a
// returning player resumes the match.
func TestPersistence_RestoreAll(t *testing.T) {
	h := newHarness(t)
	persistedSession(t, h, "RESTOR", "alice", "bob")
	persistedSession(t, h, "WAITNG", "carol")

	n, err := h.srv.persistence.RestoreAll(context.Background(), h.srv.disconnects.Adopt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pendingGrace(t, h, "RESTOR"))
	assert.Equal(t, 1, pendingGrace(t, h, "WAITNG"))

	for _, p := range snapshot(t, h, "RESTOR").Participants {
		assert.False(t, p.Connected)
	}

	alice := h.connect(t)
	h.send(alice, ClientMessage{Type: MsgJoin, MatchID: "RESTOR", UserID: "alice"})
	state := alice.nextOf(t, MsgState)
	assert.Equal(t, match.StatusInProgress, state.Status)
	assert.Equal(t, 1, pendingGrace(t, h, "RESTOR"))

	again, err := h.srv.persistence.RestoreAll(context.Background(), h.srv.disconnects.Adopt)
	require.NoError(t, err)
	assert.Zero(t, again, "live matches are not restored twice")
}

func TestPersistence_RestoredMatchAbandonedWithoutPlayers(t *testing.T) {
	h := newHarness(t, shortGrace(30*time.Millisecond))
	persistedSession(t, h, "RESTOR", "alice", "bob")

	_, err := h.srv.persistence.RestoreAll(context.Background(), h.srv.disconnects.Adopt)
	require.NoError(t, err)

	stored := h.stored(t, "RESTOR", match.StatusAborted)
	assert.Equal(t, match.ReasonAbandoned, stored.AbortReason)
}

func TestPersistence_ReapFinished(t *testing.T) {
	h := newHarness(t)
	done, _, bob := h.startMatch(t, "TICTACTOE", 0)
	live, _, _ := h.startMatch(t, "TICTACTOE", 0)

	h.send(bob, ClientMessage{Type: MsgLeave, MatchID: done, UserID: "bob"})
	h.stored(t, done, match.StatusAborted)

	assert.Zero(t, h.srv.persistence.ReapFinished(context.Background(), time.Hour), "retention not reached")
	assert.Equal(t, 1, h.srv.persistence.ReapFinished(context.Background(), 0))

	assert.False(t, h.srv.hub.IsLive(done))
	assert.True(t, h.srv.hub.IsLive(live))
	assert.Zero(t, h.srv.registry.Count(done))
}

func TestPersistence_CleanupOld(t *testing.T) {
	h := newHarness(t)
	id, _, bob := h.startMatch(t, "TICTACTOE", 0)
	h.send(bob, ClientMessage{Type: MsgLeave, MatchID: id, UserID: "bob"})
	h.stored(t, id, match.StatusAborted)

	n, err := h.srv.persistence.CleanupOld(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.srv.persistence.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = h.srv.persistence.CleanupOld(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.store.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, match.ErrNotFound)
}
