// Package database holds the Postgres-backed match repository and ledger.
package database

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Service struct {
	pool *pgxpool.Pool
}

// New opens a pool for url and verifies it with a ping.
func New(ctx context.Context, url string) (*Service, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Service{pool: pool}, nil
}

func (s *Service) Pool() *pgxpool.Pool { return s.pool }

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Health returns a key-value map of pool status information.
func (s *Service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	st := s.pool.Stat()
	stats["total_connections"] = strconv.Itoa(int(st.TotalConns()))
	stats["acquired"] = strconv.Itoa(int(st.AcquiredConns()))
	stats["idle"] = strconv.Itoa(int(st.IdleConns()))
	stats["max_connections"] = strconv.Itoa(int(st.MaxConns()))
	stats["acquire_count"] = strconv.FormatInt(st.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(st.EmptyAcquireCount(), 10)
	stats["acquire_duration"] = st.AcquireDuration().String()

	if st.MaxConns() > 0 && st.AcquiredConns() >= st.MaxConns() {
		stats["message"] = "The database is experiencing heavy load."
	}
	if st.EmptyAcquireCount() > 1000 {
		stats["message"] = "Many acquires had to wait, consider raising pool_max_conns."
	}
	return stats
}

func (s *Service) Close() {
	s.pool.Close()
}
