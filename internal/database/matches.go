package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"match-server/internal/match"
)

// MatchStore implements match.Store. The full record is kept as JSONB;
// status and the settlement flag are mirrored into columns for scans.
type MatchStore struct {
	pool *pgxpool.Pool
}

func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

var _ match.Store = (*MatchStore)(nil)

func (s *MatchStore) Create(ctx context.Context, m match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize match %s: %w", m.ID, err)
	}

	const query = `
		INSERT INTO matches (id, game_type, status, settlement_failed, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, m.ID, m.GameType, string(m.Status), m.SettlementFailed, data, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", match.ErrMatchExists, m.ID)
	}
	return nil
}

func (s *MatchStore) GetByID(ctx context.Context, id string) (match.Match, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM matches WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return match.Match{}, fmt.Errorf("%w: %s", match.ErrNotFound, id)
	}
	if err != nil {
		return match.Match{}, fmt.Errorf("load match %s: %w", id, err)
	}

	var m match.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return match.Match{}, fmt.Errorf("deserialize match %s: %w", id, err)
	}
	return m, nil
}

// Update upserts the record. The WHERE clause keeps a terminal row from being
// replaced by a non-terminal snapshot.
func (s *MatchStore) Update(ctx context.Context, m match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize match %s: %w", m.ID, err)
	}

	const query = `
		INSERT INTO matches (id, game_type, status, settlement_failed, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status            = EXCLUDED.status,
			settlement_failed = EXCLUDED.settlement_failed,
			data              = EXCLUDED.data,
			updated_at        = EXCLUDED.updated_at
		WHERE matches.status NOT IN ('FINISHED', 'ABORTED')
		   OR EXCLUDED.status IN ('FINISHED', 'ABORTED')`

	if _, err := s.pool.Exec(ctx, query, m.ID, m.GameType, string(m.Status), m.SettlementFailed, data, m.CreatedAt, m.UpdatedAt); err != nil {
		return fmt.Errorf("save match %s: %w", m.ID, err)
	}
	return nil
}

func (s *MatchStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM matches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete match %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", match.ErrNotFound, id)
	}
	return nil
}

func (s *MatchStore) ListSettlementFailed(ctx context.Context) ([]match.Match, error) {
	return s.list(ctx, `SELECT data FROM matches WHERE settlement_failed ORDER BY updated_at, id`)
}

func (s *MatchStore) ListUnfinished(ctx context.Context) ([]match.Match, error) {
	return s.list(ctx, `SELECT data FROM matches WHERE status IN ('WAITING', 'IN_PROGRESS') ORDER BY updated_at, id`)
}

func (s *MatchStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `
		DELETE FROM matches
		WHERE status IN ('FINISHED', 'ABORTED')
		  AND NOT settlement_failed
		  AND updated_at < $1`

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup finished matches: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *MatchStore) list(ctx context.Context, query string, args ...any) ([]match.Match, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scan matches: %w", err)
	}

	out := make([]match.Match, 0, len(raw))
	for _, data := range raw {
		var m match.Match
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("deserialize match: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
