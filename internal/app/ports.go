package app

import (
	"context"
	"time"

	"quiz-arena-service/internal/domain"
)

// MatchStore persists match aggregates (in-memory, Postgres, etc).
// Update must fail with domain.ErrVersionConflict unless the stored version is m.Version-1.
type MatchStore interface {
	Insert(ctx context.Context, m *domain.Match) error
	Get(ctx context.Context, matchID string) (*domain.Match, error)
	Update(ctx context.Context, m *domain.Match) error
	List(ctx context.Context, filter MatchFilter) ([]*domain.Match, error)
}

// MatchFilter narrows List. Zero fields do not filter. PendingOnly selects non-terminal matches
// that already hold a settlement plan.
type MatchFilter struct {
	Statuses             []domain.Status
	Mode                 domain.Mode
	CreatedFrom          time.Time
	CreatedTo            time.Time
	ExpiresBefore        time.Time
	AnswerDeadlineBefore time.Time
	PendingOnly          bool
	FlaggedOnly          bool
	ExcludeFlagged       bool
	Limit                int
}

// Locker serializes mutations of one match across goroutines (and instances, for shared backends).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// CodeAllocator reserves shareable match codes among live matches.
type CodeAllocator interface {
	Reserve(ctx context.Context, code, matchID string) (bool, error)
	Resolve(ctx context.Context, code string) (string, error)
	Release(ctx context.Context, code, matchID string) error
}

// Wallet is the external ledger that holds user funds.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount int64, reason string) (string, error)
	Credit(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (string, error)
	VerifyPin(ctx context.Context, userID, pin string) (bool, error)
}

// Catalog serves read-only question content.
type Catalog interface {
	GetQuestions(ctx context.Context, levelID string, count int) ([]domain.Question, error)
}
