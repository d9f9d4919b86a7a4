package database

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"match-server/internal/engine"
	"match-server/internal/ledger"
	"match-server/internal/match"
)

var dsn string

func mustStartPostgresContainer() (teardown func(context.Context, ...testcontainers.TerminateOption) error, err error) {
	defer func() {
		// testcontainers panics when no Docker host can be found
		if r := recover(); r != nil {
			err = fmt.Errorf("start postgres container: %v", r)
		}
	}()

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("matches"),
		postgres.WithUsername("match"),
		postgres.WithPassword("match"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container.Terminate, err
	}
	return container.Terminate, nil
}

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		log.Printf("postgres unavailable, database tests will skip: %v", err)
	}

	code := m.Run()

	if teardown != nil {
		if err := teardown(context.Background()); err != nil {
			log.Printf("could not teardown postgres container: %v", err)
		}
	}
	os.Exit(code)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	if dsn == "" {
		t.Skip("postgres container not running")
	}

	ctx := context.Background()
	srv, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	require.NoError(t, srv.Migrate(ctx))
	// Migrations must be re-runnable
	require.NoError(t, srv.Migrate(ctx))

	_, err = srv.Pool().Exec(ctx, `TRUNCATE matches, wallets, ledger_entries`)
	require.NoError(t, err)
	return srv
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), "postgres://match@localhost:5432/matches?pool_max_conns=lots")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestService(t)

	stats := srv.Health(context.Background())
	assert.Equal(t, "up", stats["status"])
	assert.Equal(t, "It's healthy", stats["message"])
	assert.Contains(t, stats, "total_connections")
}

func runningMatch(t *testing.T, id string) *match.Session {
	t.Helper()
	s, err := match.NewSession(id, engine.Connect4{}, 20)
	require.NoError(t, err)
	_, err = s.Join("alice")
	require.NoError(t, err)
	_, err = s.Join("bob")
	require.NoError(t, err)
	_, err = s.SubmitMove(match.MoveCommand{UserID: "alice", Payload: []byte(`{"column":3}`)})
	require.NoError(t, err)
	return s
}

func TestMatchStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestService(t).Pool())
	s := runningMatch(t, "ROUNDT")

	require.NoError(t, store.Create(ctx, s.Snapshot()))
	assert.ErrorIs(t, store.Create(ctx, s.Snapshot()), match.ErrMatchExists)

	got, err := store.GetByID(ctx, "ROUNDT")
	require.NoError(t, err)
	want := s.Snapshot()
	assert.Equal(t, want.Board, got.Board)
	assert.Equal(t, want.Participants, got.Participants)
	assert.Equal(t, "bob", got.CurrentUserID())
	assert.Equal(t, int64(40), got.Pot)

	require.NoError(t, store.Delete(ctx, "ROUNDT"))
	_, err = store.GetByID(ctx, "ROUNDT")
	assert.ErrorIs(t, err, match.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "ROUNDT"), match.ErrNotFound)
}

func TestMatchStore_TerminalRowIsSticky(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestService(t).Pool())
	s := runningMatch(t, "STICKY")
	stale := s.Snapshot()

	require.NoError(t, store.Create(ctx, stale))
	require.NoError(t, s.Forfeit("alice"))
	s.RecordSettlement(&match.Result{MatchID: "STICKY", Outcome: match.OutcomeAbort, WinnerID: "bob"}, true)
	require.NoError(t, store.Update(ctx, s.Snapshot()))

	// Late periodic save of the in-progress state
	require.NoError(t, store.Update(ctx, stale))

	got, err := store.GetByID(ctx, "STICKY")
	require.NoError(t, err)
	assert.Equal(t, match.StatusAborted, got.Status)
	assert.Equal(t, "bob", got.WinnerID)

	failed, err := store.ListSettlementFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// A successful retry clears the flag
	s.RecordSettlement(got.Result, false)
	require.NoError(t, store.Update(ctx, s.Snapshot()))
	failed, err = store.ListSettlementFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMatchStore_ListAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore(newTestService(t).Pool())

	live := runningMatch(t, "LIVEAA")
	require.NoError(t, store.Create(ctx, live.Snapshot()))

	done := runningMatch(t, "DONEAA")
	require.NoError(t, done.Abort(match.ReasonWithdrawn, ""))
	require.NoError(t, store.Update(ctx, done.Snapshot()))

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "LIVEAA", unfinished[0].ID)

	n, err := store.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetByID(ctx, "DONEAA")
	assert.ErrorIs(t, err, match.ErrNotFound)
	_, err = store.GetByID(ctx, "LIVEAA")
	assert.NoError(t, err)
}

func TestLedgerStore_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	l := NewLedgerStore(newTestService(t).Pool(), 100)

	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "unknown users start with the opening balance")

	require.NoError(t, l.ApplyDelta(ctx, "alice", -60, ledger.EscrowRef("M", "alice")))
	// Same reference again is a no-op
	require.NoError(t, l.ApplyDelta(ctx, "alice", -60, ledger.EscrowRef("M", "alice")))

	bal, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal)

	err = l.ApplyDelta(ctx, "alice", -50, ledger.EscrowRef("N", "alice"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal, "rejected debit is rolled back")

	// The rolled back reference can still be applied later
	require.NoError(t, l.ApplyDelta(ctx, "alice", 30, ledger.SettleRef("M", "alice")))
	require.NoError(t, l.ApplyDelta(ctx, "alice", -50, ledger.EscrowRef("N", "alice")))
	bal, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)

	assert.ErrorIs(t, l.ApplyDelta(ctx, "alice", 1, ""), ledger.ErrEmptyReference)
}

func TestLedgerStore_ReferenceConflict(t *testing.T) {
	ctx := context.Background()
	l := NewLedgerStore(newTestService(t).Pool(), 100)
	ref := ledger.SettleRef("CONFLC", "carol")

	require.NoError(t, l.ApplyDelta(ctx, "carol", 50, ref))
	require.NoError(t, l.ApplyDelta(ctx, "carol", 50, ref))

	assert.ErrorIs(t, l.ApplyDelta(ctx, "carol", 20, ref), ledger.ErrReferenceConflict)
	assert.ErrorIs(t, l.ApplyDelta(ctx, "dave", 50, ref), ledger.ErrReferenceConflict)

	bal, err := l.Balance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)
}
