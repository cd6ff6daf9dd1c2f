package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuestionLoader loads a level's question pool from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadLevel(ctx context.Context, levelID string) ([]domain.Question, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, prompt, options, time_limit_ms FROM questions WHERE level_id=$1 ORDER BY position, id`, levelID)
	if err != nil {
		return nil, fmt.Errorf("load level: %w", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var (
			q           domain.Question
			rawOptions  []byte
			timeLimitMs int64
		)
		if err := rows.Scan(&q.ID, &q.Prompt, &rawOptions, &timeLimitMs); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(rawOptions, &q.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options of %s: %w", q.ID, err)
		}
		q.LevelID = levelID
		q.TimeLimit = time.Duration(timeLimitMs) * time.Millisecond
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load level: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrLevelNotFound, levelID)
	}
	return questions, nil
}
