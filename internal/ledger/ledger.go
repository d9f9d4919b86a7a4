// Package ledger is the currency collaborator: signed balance deltas keyed by
// an idempotency reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("INSUFFICIENT_FUNDS: balance too low")
	ErrEmptyReference    = errors.New("ledger: reference is required")
	ErrReferenceConflict = errors.New("LEDGER_CONFLICT: reference reused with a different delta")
)

// Ledger applies signed deltas to user balances. A reference is applied at
// most once; repeating it is a no-op that returns nil.
type Ledger interface {
	ApplyDelta(ctx context.Context, userID string, amount int64, ref string) error
	Balance(ctx context.Context, userID string) (int64, error)
}

// Memory is an in-process Ledger for development and tests. Unknown users
// start with the configured opening balance.
type Memory struct {
	mu       sync.Mutex
	opening  int64
	balances map[string]int64
	applied  map[string]entry
}

type entry struct {
	userID string
	amount int64
}

func NewMemory(opening int64) *Memory {
	return &Memory{
		opening:  opening,
		balances: make(map[string]int64),
		applied:  make(map[string]entry),
	}
}

func (l *Memory) ApplyDelta(ctx context.Context, userID string, amount int64, ref string) error {
	if ref == "" {
		return ErrEmptyReference
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, done := l.applied[ref]; done {
		if prev != (entry{userID, amount}) {
			return fmt.Errorf("%w: %s holds %d for %s", ErrReferenceConflict, ref, prev.amount, prev.userID)
		}
		return nil
	}
	bal := l.balanceLocked(userID)
	if amount < 0 && bal+amount < 0 {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, userID, bal, -amount)
	}
	l.balances[userID] = bal + amount
	l.applied[ref] = entry{userID, amount}
	return nil
}

func (l *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(userID), nil
}

// SetBalance overwrites a balance.
func (l *Memory) SetBalance(userID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = amount
}

func (l *Memory) balanceLocked(userID string) int64 {
	if bal, ok := l.balances[userID]; ok {
		return bal
	}
	return l.opening
}

// Reference helpers shared by escrow and settlement.

func EscrowRef(matchID, userID string) string { return "escrow:" + matchID + ":" + userID }

func RefundRef(matchID, userID string) string { return "refund:" + matchID + ":" + userID }

func SettleRef(matchID, userID string) string { return "settle:" + matchID + ":" + userID }

func FeeRef(matchID string) string { return "fee:" + matchID }
