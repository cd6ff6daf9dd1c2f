package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// LevelLoader fetches the question pool of a content level from a backing store.
type LevelLoader interface {
	LoadLevel(ctx context.Context, levelID string) ([]domain.Question, error)
}

// QuestionRepository caches level pools in Redis and falls back to a loader on cache miss.
// Pools are stored as JSON: SET level:{levelID}:questions [...] PX ttl
type QuestionRepository struct {
	client *redis.Client
	loader LevelLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader LevelLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetQuestions returns up to count distinct questions of levelID in random order.
func (r *QuestionRepository) GetQuestions(ctx context.Context, levelID string, count int) ([]domain.Question, error) {
	pool, err := r.cached(ctx, levelID)
	if err != nil || pool == nil {
		result, err, _ := r.sf.Do(levelID, func() (interface{}, error) {
			// Re-check cache in case another goroutine filled it.
			if pool, err := r.cached(ctx, levelID); err == nil && pool != nil {
				return pool, nil
			}
			questions, err := r.loader.LoadLevel(ctx, levelID)
			if err != nil {
				return nil, err
			}
			if raw, err := json.Marshal(questions); err == nil {
				_ = r.client.Set(ctx, r.key(levelID), raw, r.ttlWithJitter()).Err()
			}
			return questions, nil
		})
		if err != nil {
			return nil, err
		}
		pool = result.([]domain.Question)
	}
	return r.draw(pool, count), nil
}

func (r *QuestionRepository) cached(ctx context.Context, levelID string) ([]domain.Question, error) {
	raw, err := r.client.Get(ctx, r.key(levelID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("decode cached level %s: %w", levelID, err)
	}
	return questions, nil
}

func (r *QuestionRepository) draw(pool []domain.Question, count int) []domain.Question {
	if count <= 0 || count > len(pool) {
		count = len(pool)
	}
	r.rndMu.Lock()
	order := r.rnd.Perm(len(pool))
	r.rndMu.Unlock()

	out := make([]domain.Question, 0, count)
	for _, idx := range order[:count] {
		q := pool[idx]
		q.Options = append([]domain.Option(nil), q.Options...)
		out = append(out, q)
	}
	return out
}

func (r *QuestionRepository) key(levelID string) string {
	return "level:" + levelID + ":questions"
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
