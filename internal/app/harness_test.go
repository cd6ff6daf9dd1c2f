package app_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/infra/memory"
	"quiz-arena-service/internal/payout"
)

const (
	startBalance = 1000
	pin          = "4321"
	questionsN   = 5
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	clock       *fakeClock
	store       app.MatchStore
	wallet      *flakyWallet
	registry    *app.Registry
	engine      *app.Engine
	coordinator *app.Coordinator
	sweeper     *app.Sweeper
	users       []string
}

type harnessOption func(h *harness)

func withStore(wrap func(app.MatchStore) app.MatchStore) harnessOption {
	return func(h *harness) { h.store = wrap(h.store) }
}

func newHarness(t *testing.T, users []string, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
		store: memory.NewMatchStore(),
		users: users,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wallet = &flakyWallet{Wallet: memory.NewWallet()}
	for _, u := range users {
		if err := h.wallet.Open(u, startBalance, pin); err != nil {
			t.Fatalf("open wallet: %v", err)
		}
	}

	catalog := memory.NewQuestionRepository(memory.NewStaticLevelLoader(map[string][]domain.Question{
		"level-1": levelQuestions(8),
		"tiny":    levelQuestions(2),
	}), time.Minute)

	h.registry = app.NewRegistry(h.store, memory.NewLocker(), memory.NewCodeAllocator(), nil, app.RegistryOptions{
		WaitingWindow: 10 * time.Minute,
		AnswerGrace:   2 * time.Second,
		Now:           h.clock.Now,
	})
	h.engine = app.NewEngine(h.registry, catalog, nil, app.EngineOptions{
		QuestionsPerMatch: questionsN,
		AnswerGrace:       2 * time.Second,
		Now:               h.clock.Now,
	})
	h.coordinator = app.NewCoordinator(h.registry, h.engine, h.wallet, payout.DefaultRules(), nil)
	h.sweeper = app.NewSweeper(h.coordinator, h.registry, 2, 0, nil)
	return h
}

func levelQuestions(n int) []domain.Question {
	out := make([]domain.Question, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.Question{
			ID:      fmt.Sprintf("q%d", i),
			LevelID: "level-1",
			Prompt:  fmt.Sprintf("Question %d", i),
			Options: []domain.Option{
				{ID: "a", Text: "wrong"},
				{ID: "b", Text: "right", Correct: true},
				{ID: "c", Text: "also wrong"},
			},
			TimeLimit: 10 * time.Second,
		})
	}
	return out
}

func (h *harness) create(userID string, mode domain.Mode, entry int64, maxPlayers int) app.CreateResult {
	h.t.Helper()
	res, err := h.coordinator.Create(h.ctx, app.CreateRequest{
		UserID:      userID,
		Mode:        mode,
		EntryAmount: entry,
		MaxPlayers:  maxPlayers,
		Pin:         pin,
		Content:     domain.Content{CourseID: "course-1", ModuleID: "module-1", LevelID: "level-1"},
	})
	if err != nil {
		h.t.Fatalf("create %s: %v", mode, err)
	}
	return res
}

func (h *harness) join(code, userID string) app.JoinResult {
	h.t.Helper()
	res, err := h.coordinator.Join(h.ctx, code, userID, pin)
	if err != nil {
		h.t.Fatalf("join %s: %v", userID, err)
	}
	return res
}

// answerAll answers every question, the first `correct` of them correctly.
func (h *harness) answerAll(matchID, userID string, correct int) domain.AnswerResult {
	h.t.Helper()
	questions, err := h.coordinator.Questions(h.ctx, matchID, userID)
	if err != nil {
		h.t.Fatalf("questions for %s: %v", userID, err)
	}
	var last domain.AnswerResult
	for i, q := range questions {
		option := "a"
		if i < correct {
			option = "b"
		}
		last, err = h.coordinator.Submit(h.ctx, matchID, userID, domain.AnswerSubmission{
			QuestionID: q.ID,
			OptionID:   option,
			TimeTaken:  3 * time.Second,
		})
		if err != nil {
			h.t.Fatalf("submit %s/%s: %v", userID, q.ID, err)
		}
	}
	return last
}

func (h *harness) match(matchID string) *domain.Match {
	h.t.Helper()
	m, err := h.registry.Get(h.ctx, matchID)
	if err != nil {
		h.t.Fatalf("get match: %v", err)
	}
	return m
}

func (h *harness) balance(userID string) int64 {
	return h.wallet.Balance(userID)
}

// assertConserved checks that every unit debited is either back in a wallet or in platform fees
// of terminal matches.
func (h *harness) assertConserved() {
	h.t.Helper()
	all, err := h.registry.List(h.ctx, app.MatchFilter{})
	if err != nil {
		h.t.Fatalf("list: %v", err)
	}
	var fees, escrowed int64
	for _, m := range all {
		switch {
		case m.Status.IsTerminal():
			if m.Settlement != nil {
				fees += m.Settlement.PlatformFee
			}
		default:
			escrowed += m.PrizePool()
		}
	}
	var balances int64
	for _, u := range h.users {
		balances += h.balance(u)
	}
	if want := int64(startBalance * len(h.users)); balances+fees+escrowed != want {
		h.t.Fatalf("escrow not conserved: balances %d + fees %d + escrowed %d != %d", balances, fees, escrowed, want)
	}
}

// flakyWallet fails the next failCredits credits.
type flakyWallet struct {
	*memory.Wallet
	mu          sync.Mutex
	failCredits int
}

func (w *flakyWallet) FailCredits(n int) {
	w.mu.Lock()
	w.failCredits = n
	w.mu.Unlock()
}

func (w *flakyWallet) Credit(ctx context.Context, userID string, amount int64, reason, key string) (string, error) {
	w.mu.Lock()
	if w.failCredits > 0 {
		w.failCredits--
		w.mu.Unlock()
		return "", errors.New("wallet unavailable")
	}
	w.mu.Unlock()
	return w.Wallet.Credit(ctx, userID, amount, reason, key)
}

type failingInsertStore struct {
	app.MatchStore
}

func (s failingInsertStore) Insert(context.Context, *domain.Match) error {
	return errors.New("disk full")
}

// countEntries counts ledger entries of userID whose idempotency key contains kind.
func (h *harness) countEntries(userID, kind string) int {
	n := 0
	for _, e := range h.wallet.Entries() {
		if e.UserID == userID && strings.Contains(e.IdempotencyKey, kind) {
			n++
		}
	}
	return n
}

// debits counts the stakes taken from userID.
func (h *harness) debits(userID string) int {
	n := 0
	for _, e := range h.wallet.Entries() {
		if e.UserID == userID && e.Amount < 0 {
			n++
		}
	}
	return n
}

// conflictingStore loses the next conflicts version checks.
type conflictingStore struct {
	app.MatchStore
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (s *conflictingStore) Conflict(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

func (s *conflictingStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *conflictingStore) Update(ctx context.Context, m *domain.Match) error {
	s.mu.Lock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected", domain.ErrVersionConflict)
	}
	s.mu.Unlock()
	return s.MatchStore.Update(ctx, m)
}

// lostAckStore stores the next update but reports it failed, then fails reads until Heal.
type lostAckStore struct {
	app.MatchStore
	mu       sync.Mutex
	dropAck  bool
	failGets bool
}

func (s *lostAckStore) DropNextAck() {
	s.mu.Lock()
	s.dropAck = true
	s.mu.Unlock()
}

func (s *lostAckStore) Heal() {
	s.mu.Lock()
	s.failGets = false
	s.mu.Unlock()
}

func (s *lostAckStore) Update(ctx context.Context, m *domain.Match) error {
	if err := s.MatchStore.Update(ctx, m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropAck {
		s.dropAck = false
		s.failGets = true
		return errors.New("connection reset by peer")
	}
	return nil
}

func (s *lostAckStore) Get(ctx context.Context, id string) (*domain.Match, error) {
	s.mu.Lock()
	failing := s.failGets
	s.mu.Unlock()
	if failing {
		return nil, errors.New("connection refused")
	}
	return s.MatchStore.Get(ctx, id)
}

// finalWriteFailingStore rejects writes of a terminal status while armed.
type finalWriteFailingStore struct {
	app.MatchStore
	mu    sync.Mutex
	armed bool
}

func (s *finalWriteFailingStore) Arm(on bool) {
	s.mu.Lock()
	s.armed = on
	s.mu.Unlock()
}

func (s *finalWriteFailingStore) Update(ctx context.Context, m *domain.Match) error {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if armed && m.Status.IsTerminal() {
		return errors.New("disk full")
	}
	return s.MatchStore.Update(ctx, m)
}
