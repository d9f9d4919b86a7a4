package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"match-server/internal/ledger"
)

// LedgerStore implements ledger.Ledger on the wallets and ledger_entries
// tables. The entry insert and the balance change share one transaction, so
// a reference is either fully applied or not at all.
type LedgerStore struct {
	pool    *pgxpool.Pool
	opening int64
}

func NewLedgerStore(pool *pgxpool.Pool, opening int64) *LedgerStore {
	return &LedgerStore{pool: pool, opening: opening}
}

var _ ledger.Ledger = (*LedgerStore)(nil)

func (l *LedgerStore) ApplyDelta(ctx context.Context, userID string, amount int64, ref string) error {
	if ref == "" {
		return ledger.ErrEmptyReference
	}

	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (ref, user_id, amount) VALUES ($1, $2, $3) ON CONFLICT (ref) DO NOTHING`,
			ref, userID, amount)
		if err != nil {
			return fmt.Errorf("record ledger entry %s: %w", ref, err)
		}
		if tag.RowsAffected() == 0 {
			return checkReplay(ctx, tx, userID, amount, ref)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO wallets (user_id, balance) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
			userID, l.opening); err != nil {
			return fmt.Errorf("open wallet %s: %w", userID, err)
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`UPDATE wallets SET balance = balance + $2, updated_at = now() WHERE user_id = $1 RETURNING balance`,
			userID, amount).Scan(&balance)
		if err != nil {
			return fmt.Errorf("update wallet %s: %w", userID, err)
		}
		if amount < 0 && balance < 0 {
			return fmt.Errorf("%w: %s is short by %d", ledger.ErrInsufficientFunds, userID, -balance)
		}
		return nil
	})
}

// checkReplay accepts a repeated reference only when it carries the delta
// already recorded under it.
func checkReplay(ctx context.Context, tx pgx.Tx, userID string, amount int64, ref string) error {
	var prevUser string
	var prevAmount int64
	err := tx.QueryRow(ctx, `SELECT user_id, amount FROM ledger_entries WHERE ref = $1`, ref).Scan(&prevUser, &prevAmount)
	if err != nil {
		return fmt.Errorf("load ledger entry %s: %w", ref, err)
	}
	if prevUser != userID || prevAmount != amount {
		return fmt.Errorf("%w: %s holds %d for %s", ledger.ErrReferenceConflict, ref, prevAmount, prevUser)
	}
	return nil
}

func (l *LedgerStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.opening, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load wallet %s: %w", userID, err)
	}
	return balance, nil
}
