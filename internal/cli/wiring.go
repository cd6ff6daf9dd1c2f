package cli

import (
	"context"
	"fmt"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/config"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/infra/memory"
	"quiz-arena-service/internal/infra/postgres"
	redisinfra "quiz-arena-service/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// services is the wired application. Backends are picked per concern: Postgres when a URL is
// configured, Redis when an address is, memory otherwise.
type services struct {
	registry    *app.Registry
	coordinator *app.Coordinator
	sweeper     *app.Sweeper
	closers     []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config, log *zap.Logger) (*services, error) {
	s := &services{}
	fail := func(err error) (*services, error) {
		s.Close()
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}

	var (
		pool *pgxpool.Pool
		db   *bun.DB
	)
	if cfg.Postgres.URL != "" {
		var err error
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fail(err)
		}
		s.closers = append(s.closers, pool.Close)
		db = openDB(cfg)
		s.closers = append(s.closers, func() { _ = db.Close() })
	}

	var loader memory.LevelLoader = memory.NewStaticLevelLoader(sampleLevels())
	if pool != nil {
		loader = postgres.NewQuestionLoader(pool)
	}

	cacheTTL := config.TTLDuration(cfg.Game.QuestionCacheTTL, 10*time.Minute)
	var catalog app.Catalog = memory.NewQuestionRepository(loader, cacheTTL)
	if redisClient != nil {
		catalog = redisinfra.NewQuestionRepository(redisClient, loader, config.TTLDuration(cfg.Redis.TTL, cacheTTL))
	}

	var store app.MatchStore = memory.NewMatchStore()
	if db != nil {
		store = postgres.NewMatchStore(db)
	}

	var (
		locks app.Locker        = memory.NewLocker()
		codes app.CodeAllocator = memory.NewCodeAllocator()
	)
	if redisClient != nil {
		locks = redisinfra.NewLocker(
			redisClient,
			config.TTLDuration(cfg.Redis.LockTTL, 10*time.Second),
			cfg.Game.LockAttempts,
			config.TTLDuration(cfg.Game.LockBackoff, 20*time.Millisecond),
			log,
		)
		codes = redisinfra.NewCodeAllocator(redisClient, config.TTLDuration(cfg.Redis.CodeTTL, 24*time.Hour))
	}

	wallet := memory.NewWallet()
	for _, acc := range cfg.Wallet.Accounts {
		if err := wallet.Open(acc.UserID, acc.Balance, acc.Pin); err != nil {
			return fail(fmt.Errorf("wallet account %s: %w", acc.UserID, err))
		}
	}

	rules, err := cfg.PayoutRules()
	if err != nil {
		return fail(err)
	}

	grace := config.TTLDuration(cfg.Game.AnswerGrace, 2*time.Second)
	s.registry = app.NewRegistry(store, locks, codes, log.Named("registry"), app.RegistryOptions{
		CodeLength:    cfg.Game.CodeLength,
		WaitingWindow: config.TTLDuration(cfg.Game.WaitingWindow, 10*time.Minute),
		AnswerGrace:   grace,
	})
	engine := app.NewEngine(s.registry, catalog, log.Named("engine"), app.EngineOptions{
		QuestionsPerMatch: cfg.Game.QuestionsPerMatch,
		DefaultTimeLimit:  config.TTLDuration(cfg.Game.QuestionTimeLimit, 20*time.Second),
		AnswerGrace:       grace,
	})
	s.coordinator = app.NewCoordinator(s.registry, engine, wallet, rules, log.Named("coordinator"))
	s.sweeper = app.NewSweeper(s.coordinator, s.registry, cfg.Sweeper.Concurrency, cfg.Sweeper.Batch, log.Named("sweeper"))

	log.Info("services wired",
		zap.Bool("postgres", db != nil),
		zap.Bool("redis", redisClient != nil),
		zap.Int("wallet_accounts", len(cfg.Wallet.Accounts)),
	)
	return s, nil
}

// sampleLevels serves a built-in level when no Postgres catalog is configured.
func sampleLevels() map[string][]domain.Question {
	mk := func(id, prompt, correct string, wrong ...string) domain.Question {
		q := domain.Question{ID: id, LevelID: "level-1", Prompt: prompt, TimeLimit: 20 * time.Second}
		q.Options = append(q.Options, domain.Option{ID: "o1", Text: correct, Correct: true})
		for i, w := range wrong {
			q.Options = append(q.Options, domain.Option{ID: fmt.Sprintf("o%d", i+2), Text: w})
		}
		return q
	}
	return map[string][]domain.Question{
		"level-1": {
			mk("q1", "The past tense of \"go\" is \"went\".", "True", "False"),
			mk("q2", "\"Their\" and \"there\" mean the same thing.", "False", "True"),
			mk("q3", "\"Children\" is the plural of \"child\".", "True", "False"),
			mk("q4", "An adverb usually describes a noun.", "False", "True"),
			mk("q5", "\"Quickly\" is an adverb.", "True", "False"),
			mk("q6", "\"Informations\" is standard English.", "False", "True"),
			mk("q7", "\"I has a book\" is grammatical.", "False", "True"),
			mk("q8", "A question usually ends with a question mark.", "True", "False"),
		},
	}
}
