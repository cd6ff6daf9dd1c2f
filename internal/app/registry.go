package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/metrics"
	"go.uber.org/zap"
)

const (
	codeAttempts   = 10
	mutateAttempts = 3
)

// RegistryOptions tunes match allocation.
type RegistryOptions struct {
	CodeLength    int
	WaitingWindow time.Duration
	AnswerGrace   time.Duration
	Now           func() time.Time
}

// Registry owns the lifecycle of every match. All mutations go through Mutate, which holds the
// per-match lock for the whole read-modify-write.
type Registry struct {
	store  MatchStore
	locks  Locker
	codes  CodeAllocator
	opts   RegistryOptions
	now    func() time.Time
	logger *zap.Logger
}

func NewRegistry(store MatchStore, locks Locker, codes CodeAllocator, logger *zap.Logger, opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = domain.DefaultCodeLength
	}
	if opts.WaitingWindow <= 0 {
		opts.WaitingWindow = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, locks: locks, codes: codes, opts: opts, now: opts.Now, logger: logger}
}

// CreateMatch allocates a WAITING match for its creator. init, when set, runs before the first
// write (SOLO uses it to start immediately).
func (r *Registry) CreateMatch(ctx context.Context, p domain.MatchParams, init func(m *domain.Match) error) (*domain.Match, error) {
	now := r.now()
	p.CreatedAt = now
	p.ExpiresAt = now.Add(r.opts.WaitingWindow)

	if err := domain.ValidateCapacity(p.Mode, p.MaxPlayers); err != nil {
		return nil, err
	}
	if p.Mode.UsesCode() {
		code, err := r.reserveCode(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Code = code
	}

	m, err := domain.NewMatch(p)
	if err == nil && init != nil {
		err = init(m)
	}
	if err == nil {
		m.Version = 1
		err = r.store.Insert(ctx, m)
	}
	if err != nil {
		r.releaseCode(ctx, p.Code, p.ID)
		return nil, err
	}

	metrics.MatchesCreated.WithLabelValues(string(m.Mode)).Inc()
	r.logger.Info("match created",
		zap.String("match_id", m.ID),
		zap.String("code", m.Code),
		zap.String("mode", string(m.Mode)),
		zap.Int64("entry", m.EntryAmount),
		zap.Int("max_players", m.MaxPlayers),
	)
	return m.Clone(), nil
}

// Get loads a match without locking.
func (r *Registry) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	return r.store.Get(ctx, matchID)
}

// ResolveCode maps a user-typed match code to a live match id.
func (r *Registry) ResolveCode(ctx context.Context, raw string) (string, error) {
	code, err := domain.NormalizeCode(raw)
	if err != nil {
		return "", err
	}
	if len(code) != r.opts.CodeLength {
		return "", domain.ErrInvalidCode
	}
	return r.codes.Resolve(ctx, code)
}

// List returns matches matching filter.
func (r *Registry) List(ctx context.Context, filter MatchFilter) ([]*domain.Match, error) {
	return r.store.List(ctx, filter)
}

// MatchTx is the locked view of one match handed to a Mutate callback.
type MatchTx struct {
	Match *domain.Match

	ctx            context.Context
	store          MatchStore
	skip           bool
	persistedFinal bool
}

// Checkpoint durably stores the current state while keeping the lock, so progress such as
// issued credits survives a later failure in the same callback.
func (tx *MatchTx) Checkpoint() error {
	tx.Match.Version++
	if err := tx.store.Update(tx.ctx, tx.Match); err != nil {
		tx.Match.Version--
		return err
	}
	tx.persistedFinal = tx.Match.Status.IsTerminal()
	return nil
}

// Skip marks the callback as a no-op; nothing is written.
func (tx *MatchTx) Skip() {
	tx.skip = true
}

// Mutate runs fn against the match under its lock and commits the result. If fn fails, only
// state already checkpointed is kept. A version conflict reruns the whole read-modify-write,
// so fn must tolerate being called more than once.
func (r *Registry) Mutate(ctx context.Context, matchID string, fn func(tx *MatchTx) error) (*domain.Match, error) {
	var (
		m   *domain.Match
		err error
	)
	for attempt := 1; attempt <= mutateAttempts; attempt++ {
		m, err = r.mutateOnce(ctx, matchID, fn)
		if !errors.Is(err, domain.ErrVersionConflict) || ctx.Err() != nil {
			return m, err
		}
		r.logger.Warn("match write conflicted, retrying",
			zap.String("match_id", matchID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, err
}

// mutateOnce is a single Mutate attempt. Callers whose fn has effects that must not repeat use
// it directly and handle ErrVersionConflict themselves.
func (r *Registry) mutateOnce(ctx context.Context, matchID string, fn func(tx *MatchTx) error) (*domain.Match, error) {
	unlock, err := r.locks.Lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := r.store.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	wasTerminal := m.Status.IsTerminal()
	tx := &MatchTx{Match: m, ctx: ctx, store: r.store}

	if err := fn(tx); err != nil {
		if !wasTerminal && tx.persistedFinal {
			r.terminated(ctx, tx.Match)
		}
		return nil, err
	}
	if tx.skip {
		return tx.Match.Clone(), nil
	}
	if err := tx.Checkpoint(); err != nil {
		return nil, err
	}
	if !wasTerminal && tx.Match.Status.IsTerminal() {
		r.terminated(ctx, tx.Match)
	}
	return tx.Match.Clone(), nil
}

// terminated runs once a terminal status of m is stored.
func (r *Registry) terminated(ctx context.Context, m *domain.Match) {
	metrics.MatchesTerminated.WithLabelValues(string(m.Mode), string(m.Status)).Inc()
	r.releaseCode(ctx, m.Code, m.ID)
}

// TransitionToInProgress freezes snapshot onto a WAITING match. check runs first under the lock.
func (r *Registry) TransitionToInProgress(ctx context.Context, matchID string, snapshot domain.QuestionSnapshot, check func(m *domain.Match) error) (*domain.Match, error) {
	return r.Mutate(ctx, matchID, func(tx *MatchTx) error {
		if check != nil {
			if err := check(tx.Match); err != nil {
				return err
			}
		}
		return r.begin(tx.Match, snapshot)
	})
}

// begin starts m with snapshot using the registry clock and answer grace.
func (r *Registry) begin(m *domain.Match, snapshot domain.QuestionSnapshot) error {
	return m.Begin(snapshot, r.now(), r.opts.AnswerGrace)
}

// transitionToTerminal moves m to outcome. Repeating the same outcome is a no-op (false, nil);
// a different terminal outcome fails with ErrTerminalConflict. Callers must have released or
// distributed escrow first, which is why only the coordinator uses it.
func transitionToTerminal(m *domain.Match, outcome domain.Status, now time.Time) (bool, error) {
	if !outcome.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, outcome)
	}
	if m.Status == outcome {
		return false, nil
	}
	if m.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s, requested %s", domain.ErrTerminalConflict, m.Status, outcome)
	}
	if err := m.Transition(outcome, now); err != nil {
		return false, err
	}
	m.PendingOutcome = ""
	return true, nil
}

func (r *Registry) reserveCode(ctx context.Context, matchID string) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := domain.GenerateCode(r.opts.CodeLength)
		if err != nil {
			return "", err
		}
		ok, err := r.codes.Reserve(ctx, code, matchID)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", errors.New("failed to generate unique match code")
}

func (r *Registry) releaseCode(ctx context.Context, code, matchID string) {
	if code == "" {
		return
	}
	if err := r.codes.Release(ctx, code, matchID); err != nil {
		r.logger.Warn("release match code failed", zap.String("match_id", matchID), zap.String("code", code), zap.Error(err))
	}
}
