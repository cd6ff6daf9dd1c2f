package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
)

// MatchStore is an in-memory implementation of app.MatchStore. It keeps clones so callers never
// share state with the store.
type MatchStore struct {
	mu      sync.RWMutex
	matches map[string]*domain.Match
}

func NewMatchStore() *MatchStore {
	return &MatchStore{
		matches: make(map[string]*domain.Match),
	}
}

func (s *MatchStore) Insert(_ context.Context, m *domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

func (s *MatchStore) Get(_ context.Context, matchID string) (*domain.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[matchID]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	return m.Clone(), nil
}

// Update replaces the stored match when its version is exactly one behind m.
func (s *MatchStore) Update(_ context.Context, m *domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.matches[m.ID]
	if !ok {
		return domain.ErrMatchNotFound
	}
	if current.Version != m.Version-1 {
		return fmt.Errorf("%w: stored %d, writing %d", domain.ErrVersionConflict, current.Version, m.Version)
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

// List returns matching matches, newest first.
func (s *MatchStore) List(_ context.Context, filter app.MatchFilter) ([]*domain.Match, error) {
	s.mu.RLock()
	out := make([]*domain.Match, 0)
	for _, m := range s.matches {
		if matches(m, filter) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(m *domain.Match, f app.MatchFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if m.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.Mode != "" && m.Mode != f.Mode:
		return false
	case !f.CreatedFrom.IsZero() && m.CreatedAt.Before(f.CreatedFrom):
		return false
	case !f.CreatedTo.IsZero() && !m.CreatedAt.Before(f.CreatedTo):
		return false
	case !f.ExpiresBefore.IsZero() && m.ExpiresAt.After(f.ExpiresBefore):
		return false
	case !f.AnswerDeadlineBefore.IsZero() && (m.AnswerDeadline == nil || m.AnswerDeadline.After(f.AnswerDeadlineBefore)):
		return false
	case f.PendingOnly && (m.Status.IsTerminal() || m.Settlement == nil):
		return false
	case f.FlaggedOnly && !m.Flagged:
		return false
	case f.ExcludeFlagged && m.Flagged:
		return false
	}
	return true
}
