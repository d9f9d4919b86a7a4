package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"match-server/internal/config"
	"match-server/internal/match"
)

func shortGrace(d time.Duration) func(*config.AppConfig) {
	return func(c *config.AppConfig) { c.ForfeitGrace = d }
}

func pendingGrace(t *testing.T, h *harness, id string) int {
	t.Helper()
	room, ok := h.srv.hub.Get(id)
	require.True(t, ok)
	n := 0
	require.NoError(t, room.Do(context.Background(), func(r *Room) error {
		n = r.pendingGrace()
		return nil
	}))
	return n
}

// Bob's connection drops and he does not come back: alice is declared the
// winner when the grace period runs out and receives the pot.
func TestDisconnect_GraceExpiryForfeits(t *testing.T) {
	h := newHarness(t, shortGrace(50*time.Millisecond))
	id, alice, bob := h.startMatch(t, "CONNECT4", 100)

	h.srv.disconnects.HandleDisconnect(bob.Client)
	assert.True(t, bob.ft.closed.Load())

	paused := alice.nextOf(t, MsgState)
	for _, p := range paused.Participants {
		assert.Equal(t, p.UserID == "alice", p.Connected, p.UserID)
	}

	msg := alice.nextOf(t, MsgFinished)
	assert.Equal(t, match.StatusAborted, msg.Status)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "alice", msg.Result.WinnerID)

	assert.Equal(t, int64(1100), h.balance(t, "alice"))
	assert.Equal(t, int64(900), h.balance(t, "bob"))
	assert.Equal(t, match.ReasonForfeit, h.stored(t, id, match.StatusAborted).AbortReason)
}

// Rejoining within the grace period cancels the timer and play continues.
func TestDisconnect_ReconnectCancelsForfeit(t *testing.T) {
	h := newHarness(t, shortGrace(200*time.Millisecond))
	id, alice, bob := h.startMatch(t, "TICTACTOE", 100)

	h.srv.disconnects.HandleDisconnect(bob.Client)
	alice.nextOf(t, MsgState)
	assert.Equal(t, 1, pendingGrace(t, h, id))

	again := h.connect(t)
	h.send(again, ClientMessage{Type: MsgJoin, MatchID: id, UserID: "bob"})

	state := again.nextOf(t, MsgState)
	assert.Equal(t, match.StatusInProgress, state.Status)
	assert.Equal(t, "alice", state.CurrentTurn)
	assert.Zero(t, pendingGrace(t, h, id))

	time.Sleep(300 * time.Millisecond)
	m := snapshot(t, h, id)
	assert.Equal(t, match.StatusInProgress, m.Status)
	p, _ := m.Participant("bob")
	assert.True(t, p.Connected)

	h.move(alice, id, "alice", cell(0))
	assert.Equal(t, MsgState, again.nextOf(t, MsgState).Type)
}

// A second connection of the same user keeps the participant present.
func TestDisconnect_OtherConnectionStillOpen(t *testing.T) {
	h := newHarness(t, shortGrace(50*time.Millisecond))
	id, _, bob := h.startMatch(t, "TICTACTOE", 0)

	second := h.connect(t)
	h.send(second, ClientMessage{Type: MsgJoin, MatchID: id, UserID: "bob"})
	second.nextOf(t, MsgState)

	h.srv.disconnects.HandleDisconnect(bob.Client)

	assert.Zero(t, pendingGrace(t, h, id))
	assert.Equal(t, match.StatusInProgress, snapshot(t, h, id).Status)
}

// Both players gone when the timer fires: nobody wins and stakes go back.
func TestDisconnect_BothGoneAbandons(t *testing.T) {
	h := newHarness(t, shortGrace(50*time.Millisecond))
	id, alice, bob := h.startMatch(t, "CONNECT4", 100)

	h.srv.disconnects.HandleDisconnect(bob.Client)
	h.srv.disconnects.HandleDisconnect(alice.Client)

	stored := h.stored(t, id, match.StatusAborted)
	assert.Equal(t, match.ReasonAbandoned, stored.AbortReason)
	assert.Empty(t, stored.WinnerID)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
	assert.Equal(t, int64(1000), h.balance(t, "bob"))
}

func TestDisconnect_WaitingMatchAbandoned(t *testing.T) {
	h := newHarness(t)
	alice := h.connect(t)
	id := h.create(t, alice, "alice", "TICTACTOE", 100)

	h.srv.disconnects.HandleDisconnect(alice.Client)

	assert.Equal(t, match.ReasonAbandoned, h.stored(t, id, match.StatusAborted).AbortReason)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
}

func TestDisconnect_UnjoinedConnectionIsIgnored(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.srv.disconnects.HandleDisconnect(conn.Client)

	assert.True(t, conn.Closed())
	assert.Zero(t, h.srv.hub.Len())
}
