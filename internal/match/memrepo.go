package match

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memrepo is the in-memory Store used when no database is configured.
type memrepo struct {
	mu      sync.RWMutex
	matches map[string]Match
}

func NewMemoryStore() Store {
	return &memrepo{matches: make(map[string]Match)}
}

func (r *memrepo) Create(ctx context.Context, m Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.matches[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrMatchExists, m.ID)
	}
	r.matches[m.ID] = m.Clone()
	return nil
}

func (r *memrepo) GetByID(ctx context.Context, id string) (Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.matches[id]
	if !ok {
		return Match{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (r *memrepo) Update(ctx context.Context, m Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Why a terminal row is sticky: a periodic save of a stale snapshot can
	// race the settlement write, and must not resurrect a settled match.
	if stored, ok := r.matches[m.ID]; ok && stored.Status.Terminal() && !m.Status.Terminal() {
		return nil
	}
	r.matches[m.ID] = m.Clone()
	return nil
}

func (r *memrepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.matches[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.matches, id)
	return nil
}

func (r *memrepo) ListSettlementFailed(ctx context.Context) ([]Match, error) {
	return r.list(func(m Match) bool { return m.SettlementFailed }), nil
}

func (r *memrepo) ListUnfinished(ctx context.Context) ([]Match, error) {
	return r.list(func(m Match) bool { return m.Status.Active() }), nil
}

// DeleteFinishedBefore drops settled terminal matches last updated before cutoff.
func (r *memrepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, m := range r.matches {
		if m.Status.Terminal() && !m.SettlementFailed && m.UpdatedAt.Before(cutoff) {
			delete(r.matches, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memrepo) list(keep func(Match) bool) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Match, 0)
	for _, m := range r.matches {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
