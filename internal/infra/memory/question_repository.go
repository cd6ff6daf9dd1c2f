package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"quiz-arena-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// LevelLoader fetches the question pool of a content level from a backing store.
type LevelLoader interface {
	LoadLevel(ctx context.Context, levelID string) ([]domain.Question, error)
}

// QuestionRepository caches level pools with a TTL and draws random question sets from them.
type QuestionRepository struct {
	loader LevelLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedLevel
}

type cachedLevel struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionRepository(loader LevelLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedLevel),
	}
}

// GetQuestions returns up to count distinct questions of levelID in random order.
func (r *QuestionRepository) GetQuestions(ctx context.Context, levelID string, count int) ([]domain.Question, error) {
	pool, err := r.level(ctx, levelID)
	if err != nil {
		return nil, err
	}
	return r.draw(pool, count), nil
}

func (r *QuestionRepository) level(ctx context.Context, levelID string) ([]domain.Question, error) {
	now := r.clock()

	r.mu.RLock()
	if entry, ok := r.cache[levelID]; ok && entry.expiresAt.After(now) {
		r.mu.RUnlock()
		return entry.questions, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.sf.Do(levelID, func() (interface{}, error) {
		now := r.clock()
		r.mu.RLock()
		if entry, ok := r.cache[levelID]; ok && entry.expiresAt.After(now) {
			r.mu.RUnlock()
			return entry.questions, nil
		}
		r.mu.RUnlock()

		questions, err := r.loader.LoadLevel(ctx, levelID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[levelID] = cachedLevel{
			questions: questions,
			expiresAt: now.Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// draw copies count questions picked without repetition; the cached pool is never handed out.
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

// StaticLevelLoader is a loader backed by an in-memory map (useful for tests/demos).
type StaticLevelLoader struct {
	levels map[string][]domain.Question
}

func NewStaticLevelLoader(levels map[string][]domain.Question) *StaticLevelLoader {
	return &StaticLevelLoader{levels: levels}
}

func (l *StaticLevelLoader) LoadLevel(_ context.Context, levelID string) ([]domain.Question, error) {
	if questions, ok := l.levels[levelID]; ok {
		return questions, nil
	}
	return nil, domain.ErrLevelNotFound
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
