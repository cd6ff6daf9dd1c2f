package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"github.com/uptrace/bun"
)

// matchRow keeps the aggregate as JSONB next to the columns the sweeper and admin listing filter on.
type matchRow struct {
	bun.BaseModel `bun:"table:matches"`

	ID             string        `bun:"id,pk"`
	Code           string        `bun:"code,nullzero"`
	Mode           string        `bun:"mode,notnull"`
	Status         string        `bun:"status,notnull"`
	Flagged        bool          `bun:"flagged,notnull,default:false"`
	Settling       bool          `bun:"settling,notnull,default:false"`
	CreatedAt      time.Time     `bun:"created_at,notnull"`
	ExpiresAt      time.Time     `bun:"expires_at,notnull"`
	AnswerDeadline *time.Time    `bun:"answer_deadline"`
	Version        int64         `bun:"version,notnull"`
	Data           *domain.Match `bun:"data,type:jsonb,notnull"`
}

func toRow(m *domain.Match) *matchRow {
	return &matchRow{
		ID:             m.ID,
		Code:           m.Code,
		Mode:           string(m.Mode),
		Status:         string(m.Status),
		Flagged:        m.Flagged,
		Settling:       !m.Status.IsTerminal() && m.Settlement != nil,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		AnswerDeadline: m.AnswerDeadline,
		Version:        m.Version,
		Data:           m,
	}
}

// MatchStore is the durable app.MatchStore. Updates are conditional on the stored version.
type MatchStore struct {
	db *bun.DB
}

func NewMatchStore(db *bun.DB) *MatchStore {
	return &MatchStore{db: db}
}

func (s *MatchStore) Insert(ctx context.Context, m *domain.Match) error {
	if _, err := s.db.NewInsert().Model(toRow(m)).Exec(ctx); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *MatchStore) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	row := new(matchRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", matchID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}
	return fromRow(row), nil
}

func (s *MatchStore) Update(ctx context.Context, m *domain.Match) error {
	res, err := s.db.NewUpdate().
		Model(toRow(m)).
		WherePK().
		Where("version = ?", m.Version-1).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if affected == 0 {
		exists, err := s.db.NewSelect().Model((*matchRow)(nil)).Where("id = ?", m.ID).Exists(ctx)
		if err == nil && !exists {
			return domain.ErrMatchNotFound
		}
		return fmt.Errorf("%w: match %s at version %d", domain.ErrVersionConflict, m.ID, m.Version-1)
	}
	return nil
}

func (s *MatchStore) List(ctx context.Context, f app.MatchFilter) ([]*domain.Match, error) {
	var rows []matchRow
	q := s.db.NewSelect().Model(&rows).OrderExpr("created_at DESC, id ASC")

	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN (?)", bun.In(statuses))
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", string(f.Mode))
	}
	if !f.CreatedFrom.IsZero() {
		q = q.Where("created_at >= ?", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		q = q.Where("created_at < ?", f.CreatedTo)
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at <= ?", f.ExpiresBefore)
	}
	if !f.AnswerDeadlineBefore.IsZero() {
		q = q.Where("answer_deadline IS NOT NULL AND answer_deadline <= ?", f.AnswerDeadlineBefore)
	}
	if f.PendingOnly {
		q = q.Where("settling")
	}
	if f.FlaggedOnly {
		q = q.Where("flagged")
	}
	if f.ExcludeFlagged {
		q = q.Where("NOT flagged")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make([]*domain.Match, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func fromRow(row *matchRow) *domain.Match {
	m := row.Data
	if m == nil {
		m = &domain.Match{}
	}
	m.Version = row.Version
	return m
}
