package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"match-server/internal/config"
	"match-server/internal/events"
	"match-server/internal/ledger"
	"match-server/internal/match"
)

const waitFor = 2 * time.Second

var errTransportDown = errors.New("transport down")

// fakeTransport hands every written frame to the test.
type fakeTransport struct {
	frames chan []byte
	block  chan struct{}
	fail   atomic.Bool
	closed atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 256)}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	if f.fail.Load() {
		return errTransportDown
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.frames <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type testConn struct {
	*Client
	ft *fakeTransport
}

func (tc *testConn) next(t *testing.T) ServerMessage {
	t.Helper()
	select {
	case data := <-tc.ft.frames:
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(waitFor):
		t.Fatalf("connection %s: no message within %s", tc.ID(), waitFor)
		return ServerMessage{}
	}
}

// nextOf skips messages until one of type msgType arrives.
func (tc *testConn) nextOf(t *testing.T, msgType string) ServerMessage {
	t.Helper()
	for {
		if msg := tc.next(t); msg.Type == msgType {
			return msg
		}
	}
}

func (tc *testConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-tc.ft.frames:
		t.Fatalf("connection %s: unexpected message %s", tc.ID(), data)
	case <-time.After(d):
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	srv    *Server
	cfg    config.AppConfig
	store  match.Store
	ledger *ledger.Memory
	pub    *recordingPublisher
}

func newHarness(t *testing.T, tweak ...func(*config.AppConfig)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.ForfeitGrace = time.Minute
	cfg.SendTimeout = time.Second
	cfg.LedgerTimeout = time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		cfg:    cfg,
		store:  match.NewMemoryStore(),
		ledger: ledger.NewMemory(1000),
		pub:    &recordingPublisher{},
	}
	h.srv = New(&h.cfg, Backends{Store: h.store, Ledger: h.ledger, Publisher: h.pub}, zaptest.NewLogger(t))

	t.Cleanup(func() {
		for _, r := range h.srv.hub.Rooms() {
			h.srv.hub.Remove(r.ID())
		}
		h.srv.registry.CloseAll()
	})
	return h
}

func (h *harness) connect(t *testing.T) *testConn {
	t.Helper()
	ft := newFakeTransport()
	c := NewClient(uuid.NewString(), ft, h.cfg.SendBuffer, h.cfg.SendTimeout)
	h.srv.registry.Start(c)
	t.Cleanup(c.Close)
	return &testConn{Client: c, ft: ft}
}

func (h *harness) send(tc *testConn, msg ClientMessage) {
	h.srv.dispatcher.Dispatch(context.Background(), tc.Client, msg)
}

// create opens a match for userID and returns its id after the creator's
// state message.
func (h *harness) create(t *testing.T, tc *testConn, userID, gameType string, stake int64) string {
	t.Helper()
	h.send(tc, ClientMessage{
		Type:    MsgCreate,
		UserID:  userID,
		Payload: json.RawMessage(fmt.Sprintf(`{"game_type":%q,"stake":%d}`, gameType, stake)),
	})
	msg := tc.next(t)
	require.Equal(t, MsgState, msg.Type, "error: %+v", msg.Error)
	require.Equal(t, match.StatusWaiting, msg.Status)
	return msg.MatchID
}

// startMatch has alice create and bob join a match; both connections have
// consumed the IN_PROGRESS state.
func (h *harness) startMatch(t *testing.T, gameType string, stake int64) (id string, alice, bob *testConn) {
	t.Helper()
	alice, bob = h.connect(t), h.connect(t)
	id = h.create(t, alice, "alice", gameType, stake)

	h.send(bob, ClientMessage{Type: MsgJoin, MatchID: id, UserID: "bob"})
	require.Equal(t, match.StatusInProgress, alice.nextOf(t, MsgState).Status)
	require.Equal(t, match.StatusInProgress, bob.nextOf(t, MsgState).Status)
	return id, alice, bob
}

func (h *harness) move(tc *testConn, id, userID string, payload string) {
	h.send(tc, ClientMessage{Type: MsgMove, MatchID: id, UserID: userID, Payload: json.RawMessage(payload)})
}

func cell(i int) string { return fmt.Sprintf(`{"cell":%d}`, i) }

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// stored waits until the repository holds id with the wanted status.
func (h *harness) stored(t *testing.T, id string, want match.Status) match.Match {
	t.Helper()
	var m match.Match
	require.Eventually(t, func() bool {
		var err error
		m, err = h.store.GetByID(context.Background(), id)
		return err == nil && m.Status == want
	}, waitFor, 5*time.Millisecond)
	return m
}
