package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/metrics"
	"quiz-arena-service/internal/payout"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const joinReadAttempts = 3

// Coordinator is the only component that moves money. Every debit is paired with a registry
// write, and every terminal transition happens after escrow was refunded or paid out.
type Coordinator struct {
	registry *Registry
	engine   *Engine
	wallet   Wallet
	rules    payout.Rules
	now      func() time.Time
	logger   *zap.Logger
}

func NewCoordinator(registry *Registry, engine *Engine, wallet Wallet, rules payout.Rules, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry: registry,
		engine:   engine,
		wallet:   wallet,
		rules:    rules,
		now:      registry.now,
		logger:   logger,
	}
}

type CreateRequest struct {
	UserID      string
	Mode        domain.Mode
	EntryAmount int64
	MaxPlayers  int
	Pin         string
	Content     domain.Content
}

type CreateResult struct {
	MatchID   string                  `json:"matchId"`
	MatchCode string                  `json:"matchCode,omitempty"`
	Status    domain.Status           `json:"status"`
	Questions []domain.PublicQuestion `json:"questions,omitempty"`
}

type JoinResult struct {
	MatchID   string                  `json:"matchId"`
	Status    domain.Status           `json:"status"`
	Started   bool                    `json:"started"`
	Questions []domain.PublicQuestion `json:"questions,omitempty"`
}

// Create escrows the creator's stake and opens a match. A SOLO match starts right away.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.EntryAmount <= 0 {
		return CreateResult{}, domain.ErrInvalidAmount
	}
	if req.Content.LevelID == "" {
		return CreateResult{}, fmt.Errorf("%w: level is required", domain.ErrLevelNotFound)
	}
	maxPlayers := req.MaxPlayers
	if maxPlayers == 0 {
		switch req.Mode {
		case domain.ModeSolo:
			maxPlayers = domain.SoloPlayers
		case domain.ModeDuel:
			maxPlayers = domain.DuelPlayers
		}
	}
	if err := domain.ValidateCapacity(req.Mode, maxPlayers); err != nil {
		return CreateResult{}, err
	}
	if err := c.verifyPin(ctx, req.UserID, req.Pin); err != nil {
		return CreateResult{}, err
	}

	var snapshot domain.QuestionSnapshot
	if req.Mode == domain.ModeSolo {
		snap, err := c.engine.StartSession(ctx, req.Content)
		if err != nil {
			return CreateResult{}, err
		}
		snapshot = snap
	}

	matchID := uuid.NewString()
	escrowTx, err := c.debit(ctx, matchID, req.UserID, req.EntryAmount)
	if err != nil {
		return CreateResult{}, err
	}

	var init func(m *domain.Match) error
	if req.Mode == domain.ModeSolo {
		init = func(m *domain.Match) error {
			return c.registry.begin(m, snapshot)
		}
	}
	m, err := c.registry.CreateMatch(ctx, domain.MatchParams{
		ID:          matchID,
		Mode:        req.Mode,
		EntryAmount: req.EntryAmount,
		FeeRate:     c.rules.FeeRate(req.Mode),
		MaxPlayers:  maxPlayers,
		Content:     req.Content,
		CreatorID:   req.UserID,
		EscrowTx:    escrowTx,
	}, init)
	if err != nil {
		if rerr := c.reverse(ctx, matchID, req.UserID, req.EntryAmount, escrowTx); rerr != nil {
			return CreateResult{}, errors.Join(err, rerr)
		}
		return CreateResult{}, err
	}

	res := CreateResult{MatchID: m.ID, MatchCode: m.Code, Status: m.Status}
	if m.Snapshot != nil {
		res.Questions = m.Snapshot.Public()
	}
	return res, nil
}

// Join escrows the joiner's stake and seats them. Filling a DUEL starts it.
func (c *Coordinator) Join(ctx context.Context, code, userID, pin string) (JoinResult, error) {
	matchID, err := c.registry.ResolveCode(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}
	if err := c.verifyPin(ctx, userID, pin); err != nil {
		return JoinResult{}, err
	}
	current, err := c.registry.Get(ctx, matchID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := current.CheckJoinable(userID, c.now()); err != nil {
		return JoinResult{}, c.joinError(err)
	}

	var snapshot *domain.QuestionSnapshot
	if current.Mode == domain.ModeDuel {
		snap, err := c.engine.StartSession(ctx, current.Content)
		if err != nil {
			return JoinResult{}, err
		}
		snapshot = &snap
	}

	var escrowTx string
	m, err := c.registry.mutateOnce(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		now := c.now()
		if err := m.CheckJoinable(userID, now); err != nil {
			return err
		}
		ref, err := c.debit(ctx, m.ID, userID, m.EntryAmount)
		if err != nil {
			return err
		}
		escrowTx = ref
		if err := m.AddParticipant(userID, ref, now); err != nil {
			return err
		}
		if m.Mode == domain.ModeDuel && m.IsFull() {
			if snapshot == nil {
				return domain.ErrNotEnoughQuestions
			}
			return c.registry.begin(m, *snapshot)
		}
		return nil
	})
	if err != nil {
		if escrowTx == "" {
			return JoinResult{}, c.joinError(err)
		}
		recorded, rerr := c.joinRecorded(ctx, matchID, userID, escrowTx)
		switch {
		case rerr != nil:
			// The seat may be stored; reversing now could pay the stake back twice.
			c.logger.Error("join outcome unknown, stake kept in escrow",
				zap.String("match_id", matchID),
				zap.String("user_id", userID),
				zap.String("tx", escrowTx),
				zap.Error(errors.Join(err, rerr)),
			)
			return JoinResult{}, errors.Join(c.joinError(err), rerr)
		case recorded != nil:
			m = recorded
		default:
			if rerr := c.reverse(ctx, matchID, userID, current.EntryAmount, escrowTx); rerr != nil {
				return JoinResult{}, errors.Join(c.joinError(err), rerr)
			}
			return JoinResult{}, c.joinError(err)
		}
	}

	res := JoinResult{MatchID: m.ID, Status: m.Status, Started: m.Status == domain.StatusInProgress}
	if res.Started && m.Snapshot != nil {
		res.Questions = m.Snapshot.Public()
	}
	return res, nil
}

// joinRecorded reports the stored match if the join with escrowTx was persisted despite an error
// on the way back, and (nil, nil) if it was not. The read is retried a few times.
func (c *Coordinator) joinRecorded(ctx context.Context, matchID, userID, escrowTx string) (*domain.Match, error) {
	var err error
	for attempt := 0; attempt < joinReadAttempts; attempt++ {
		var m *domain.Match
		m, err = c.registry.Get(ctx, matchID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if p, ok := m.Participant(userID); ok && p.EscrowTx == escrowTx {
			return m, nil
		}
		return nil, nil
	}
	return nil, err
}

func (c *Coordinator) joinError(err error) error {
	switch {
	case errors.Is(err, domain.ErrMatchBusy), errors.Is(err, domain.ErrVersionConflict):
		metrics.JoinConflicts.Inc()
		return fmt.Errorf("%w: %v", domain.ErrMatchNotJoinable, err)
	case errors.Is(err, domain.ErrMatchNotJoinable):
		metrics.JoinConflicts.Inc()
	}
	return err
}

// Start begins a LEAGUE on behalf of its creator.
func (c *Coordinator) Start(ctx context.Context, matchID, requesterID string) ([]domain.PublicQuestion, error) {
	m, err := c.registry.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	check := func(m *domain.Match) error {
		return c.checkStartable(m, requesterID)
	}
	if err := check(m); err != nil {
		return nil, err
	}
	snapshot, err := c.engine.StartSession(ctx, m.Content)
	if err != nil {
		return nil, err
	}
	started, err := c.registry.TransitionToInProgress(ctx, matchID, snapshot, check)
	if err != nil {
		return nil, err
	}
	c.logger.Info("league started", zap.String("match_id", matchID), zap.Int("players", started.CurrentPlayers))
	return started.Snapshot.Public(), nil
}

func (c *Coordinator) checkStartable(m *domain.Match, requesterID string) error {
	if m.Mode != domain.ModeLeague {
		return fmt.Errorf("%w: only a league is started by its creator", domain.ErrInvalidTransition)
	}
	if m.CreatorID != requesterID {
		return domain.ErrForbidden
	}
	if m.Status != domain.StatusWaiting || m.PendingOutcome != "" {
		return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
	}
	if !c.now().Before(m.ExpiresAt) {
		return fmt.Errorf("%w: lobby expired", domain.ErrInvalidTransition)
	}
	if m.CurrentPlayers < domain.LeagueMinPlayers {
		return fmt.Errorf("%w: %d of %d", domain.ErrNotEnoughPlayers, m.CurrentPlayers, domain.LeagueMinPlayers)
	}
	return nil
}

// Leave refunds a non-creator and frees their seat in a waiting lobby.
func (c *Coordinator) Leave(ctx context.Context, matchID, userID string) error {
	_, err := c.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status != domain.StatusWaiting || m.PendingOutcome != "" {
			return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
		}
		p, ok := m.Participant(userID)
		if !ok {
			return domain.ErrNotParticipant
		}
		if p.IsCreator {
			return fmt.Errorf("%w: creator must cancel instead", domain.ErrForbidden)
		}
		ref, err := c.credit(ctx, m.ID, userID, m.EntryAmount, "refund", refundKey(m.ID, userID, p.EscrowTx))
		if err != nil {
			return err
		}
		return m.RemoveParticipant(userID, ref, c.now())
	})
	return err
}

// Cancel refunds every stake of a waiting match on behalf of its creator. Cancelling a cancelled
// match is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, matchID, requesterID string) (*domain.Match, error) {
	return c.terminate(ctx, matchID, domain.StatusCancelled, "cancelled by creator", func(m *domain.Match) error {
		if m.CreatorID != requesterID {
			return domain.ErrForbidden
		}
		if m.Status != domain.StatusWaiting {
			return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
		}
		return nil
	})
}

// Expire refunds a lobby whose waiting window has passed.
func (c *Coordinator) Expire(ctx context.Context, matchID string) (*domain.Match, error) {
	return c.terminate(ctx, matchID, domain.StatusExpired, "waiting window elapsed", func(m *domain.Match) error {
		if m.Status != domain.StatusWaiting || m.Mode == domain.ModeSolo {
			return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
		}
		if c.now().Before(m.ExpiresAt) {
			return fmt.Errorf("%w: lobby open until %s", domain.ErrInvalidTransition, m.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
}

// ForceCancel is the operator abort. It refunds every stake and is refused once a payout plan
// exists.
func (c *Coordinator) ForceCancel(ctx context.Context, matchID, operatorID, reason string) (*domain.Match, error) {
	m, err := c.terminate(ctx, matchID, domain.StatusCancelled, "operator: "+reason, func(m *domain.Match) error {
		if m.Status != domain.StatusWaiting && m.Status != domain.StatusInProgress {
			return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
		}
		return nil
	})
	if err == nil {
		c.logger.Warn("match force-cancelled",
			zap.String("match_id", matchID),
			zap.String("operator", operatorID),
			zap.String("reason", reason),
		)
	}
	return m, err
}

// terminate refunds every current participant and moves the match to outcome. The refund plan and
// pending outcome are stored before the first credit so an interrupted run can be resumed.
func (c *Coordinator) terminate(ctx context.Context, matchID string, outcome domain.Status, reason string, check func(m *domain.Match) error) (*domain.Match, error) {
	return c.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status == outcome {
			tx.Skip()
			return nil
		}
		if m.Status.IsTerminal() {
			return fmt.Errorf("%w: match is %s, requested %s", domain.ErrTerminalConflict, m.Status, outcome)
		}

		switch m.PendingOutcome {
		case outcome:
		case "":
			if err := check(m); err != nil {
				return err
			}
			if m.Settlement != nil {
				return fmt.Errorf("%w: payout already planned", domain.ErrTerminalConflict)
			}
			ids := make([]string, 0, len(m.Participants))
			for _, p := range m.Participants {
				ids = append(ids, p.UserID)
			}
			d := payout.Refund(m.Mode, m.EntryAmount, ids)
			m.Settlement = newSettlement(d, domain.SettlementRefund, c.now())
			m.PendingOutcome = outcome
			if err := tx.Checkpoint(); err != nil {
				return err
			}
			c.logger.Info("refunding match",
				zap.String("match_id", m.ID),
				zap.String("outcome", string(outcome)),
				zap.String("reason", reason),
				zap.Int64("gross", d.Gross),
			)
		default:
			return fmt.Errorf("%w: %s already in progress", domain.ErrTerminalConflict, m.PendingOutcome)
		}

		if err := c.applyCredits(tx); err != nil {
			return err
		}
		_, err := transitionToTerminal(m, outcome, c.now())
		return err
	})
}

// Resume finishes a settlement that stopped part way, replaying its stored plan.
func (c *Coordinator) Resume(ctx context.Context, matchID string) (*domain.Match, error) {
	m, err := c.registry.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	switch {
	case m.Status.IsTerminal() || m.Settlement == nil:
		return m, nil
	case m.PendingOutcome != "":
		return c.terminate(ctx, matchID, m.PendingOutcome, "resumed", func(*domain.Match) error {
			return fmt.Errorf("%w: nothing to resume", domain.ErrInvalidTransition)
		})
	default:
		return c.Finalize(ctx, matchID)
	}
}

// Finalize settles a fully answered match from its recorded scores.
func (c *Coordinator) Finalize(ctx context.Context, matchID string) (*domain.Match, error) {
	return c.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status == domain.StatusCompleted {
			tx.Skip()
			return nil
		}
		if err := c.checkSettleable(m); err != nil {
			return err
		}
		if m.Settlement == nil {
			if !m.AllComplete() {
				return domain.ErrMatchIncomplete
			}
			d, err := c.rules.Compute(m.Mode, m.EntryAmount, m.FeeRate, finalScores(m))
			if err != nil {
				return c.flag(tx, err)
			}
			if err := c.plan(tx, d); err != nil {
				return err
			}
		}
		return c.complete(tx)
	})
}

// Settle credits the given payouts and completes the match. A retry replays the plan stored by the
// first call, so users already credited are never paid twice.
func (c *Coordinator) Settle(ctx context.Context, matchID string, payouts map[string]int64) (*domain.Match, error) {
	return c.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status == domain.StatusCompleted {
			tx.Skip()
			return nil
		}
		if err := c.checkSettleable(m); err != nil {
			return err
		}
		if m.Settlement == nil {
			d, err := distributionFor(m, payouts)
			if err != nil {
				return c.flag(tx, err)
			}
			if err := c.plan(tx, d); err != nil {
				return err
			}
		}
		return c.complete(tx)
	})
}

func (c *Coordinator) checkSettleable(m *domain.Match) error {
	if m.Status != domain.StatusInProgress {
		return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
	}
	if m.Flagged {
		return fmt.Errorf("%w: %s", domain.ErrSettlementInconsistency, m.FlagReason)
	}
	if m.PendingOutcome != "" || (m.Settlement != nil && m.Settlement.Kind != domain.SettlementPayout) {
		return fmt.Errorf("%w: refund in progress", domain.ErrTerminalConflict)
	}
	return nil
}

// distributionFor turns caller-supplied payouts into a distribution over the escrowed pool.
func distributionFor(m *domain.Match, payouts map[string]int64) (payout.Distribution, error) {
	d := payout.Distribution{
		Mode:     m.Mode,
		Gross:    m.PrizePool(),
		Payouts:  make(map[string]int64, len(m.Participants)),
		Outcomes: make(map[string]domain.Outcome, len(m.Participants)),
	}
	for userID := range payouts {
		if _, ok := m.Participant(userID); !ok {
			return payout.Distribution{}, fmt.Errorf("%w: payout to non-participant %s", domain.ErrSettlementInconsistency, userID)
		}
	}
	for _, p := range m.Participants {
		amount := payouts[p.UserID]
		d.Payouts[p.UserID] = amount
		switch {
		case amount == 0:
			d.Outcomes[p.UserID] = domain.OutcomeLose
		case m.Mode == domain.ModeDuel && amount == m.EntryAmount:
			d.Outcomes[p.UserID] = domain.OutcomeRefund
		default:
			d.Outcomes[p.UserID] = domain.OutcomeWin
		}
	}
	d.PlatformFee = d.Gross - d.Total()
	return d, nil
}

// plan verifies d against the escrowed pool and freezes it on the match before any credit.
func (c *Coordinator) plan(tx *MatchTx, d payout.Distribution) error {
	m := tx.Match
	if err := c.rules.Verify(d, m.EntryAmount); err != nil {
		return c.flag(tx, err)
	}
	if d.Gross != m.PrizePool() {
		return c.flag(tx, fmt.Errorf("%w: distribution gross %d, escrow %d", domain.ErrSettlementInconsistency, d.Gross, m.PrizePool()))
	}
	m.Settlement = newSettlement(d, domain.SettlementPayout, c.now())
	if err := tx.Checkpoint(); err != nil {
		return err
	}
	c.logger.Info("settlement planned",
		zap.String("match_id", m.ID),
		zap.Int64("gross", d.Gross),
		zap.Int64("payouts", d.Total()),
		zap.Int64("platform_fee", d.PlatformFee),
	)
	return nil
}

// flag halts settlement of the match for operator review.
func (c *Coordinator) flag(tx *MatchTx, cause error) error {
	m := tx.Match
	m.Flagged = true
	m.FlagReason = cause.Error()
	metrics.SettlementInconsistencies.Inc()
	c.logger.Error("settlement halted", zap.String("match_id", m.ID), zap.Error(cause))
	if err := tx.Checkpoint(); err != nil {
		return errors.Join(cause, err)
	}
	if errors.Is(cause, domain.ErrSettlementInconsistency) {
		return cause
	}
	return fmt.Errorf("%w: %v", domain.ErrSettlementInconsistency, cause)
}

func (c *Coordinator) complete(tx *MatchTx) error {
	if err := c.applyCredits(tx); err != nil {
		return err
	}
	_, err := transitionToTerminal(tx.Match, domain.StatusCompleted, c.now())
	return err
}

// applyCredits replays the stored settlement, crediting each participant not yet credited and
// checkpointing after every credit.
func (c *Coordinator) applyCredits(tx *MatchTx) error {
	m := tx.Match
	s := m.Settlement
	for _, p := range m.Participants {
		amount := s.Payouts[p.UserID]
		p.Outcome = s.Outcomes[p.UserID]
		p.PayoutAmount = amount
		if p.Credited {
			continue
		}
		if amount == 0 {
			p.Credited = true
			continue
		}
		kind, key := "payout", payoutKey(m.ID, p.UserID)
		if s.Kind == domain.SettlementRefund {
			kind, key = "refund", refundKey(m.ID, p.UserID, p.EscrowTx)
		}
		ref, err := c.credit(tx.ctx, m.ID, p.UserID, amount, kind, key)
		if err != nil {
			return err
		}
		p.CreditTx = ref
		p.Credited = true
		if err := tx.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Submit records an answer and settles the match when it was the last one outstanding. A failed
// settlement does not fail the answer; the sweeper or an operator retries it.
func (c *Coordinator) Submit(ctx context.Context, matchID, userID string, sub domain.AnswerSubmission) (domain.AnswerResult, error) {
	res, err := c.engine.SubmitAnswer(ctx, matchID, userID, sub)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if res.MatchComplete {
		if _, err := c.Finalize(ctx, matchID); err != nil {
			c.logger.Error("finalize after last answer failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	return res, nil
}

// Questions returns the public question set of a started match to a participant.
func (c *Coordinator) Questions(ctx context.Context, matchID, userID string) ([]domain.PublicQuestion, error) {
	return c.engine.Questions(ctx, matchID, userID)
}

// TimeoutMatch closes the answer window of an overdue match and settles it.
func (c *Coordinator) TimeoutMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	complete, err := c.engine.TimeoutStragglers(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !complete {
		return c.registry.Get(ctx, matchID)
	}
	return c.Finalize(ctx, matchID)
}

func newSettlement(d payout.Distribution, kind domain.SettlementKind, now time.Time) *domain.Settlement {
	return &domain.Settlement{
		Kind:        kind,
		Gross:       d.Gross,
		PlatformFee: d.PlatformFee,
		Payouts:     d.Payouts,
		Outcomes:    d.Outcomes,
		PlannedAt:   now,
	}
}

func (c *Coordinator) verifyPin(ctx context.Context, userID, pin string) error {
	ok, err := c.wallet.VerifyPin(ctx, userID, pin)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidPin
	}
	return nil
}

func (c *Coordinator) debit(ctx context.Context, matchID, userID string, amount int64) (string, error) {
	reason := fmt.Sprintf("quiz match %s entry", matchID)
	ref, err := c.wallet.Debit(ctx, userID, amount, reason)
	if err != nil {
		return "", err
	}
	metrics.RecordEscrow("debit", amount)
	c.logger.Info("escrow debit",
		zap.String("match_id", matchID),
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("reason", reason),
		zap.String("tx", ref),
	)
	return ref, nil
}

func (c *Coordinator) credit(ctx context.Context, matchID, userID string, amount int64, kind, key string) (string, error) {
	reason := fmt.Sprintf("quiz match %s %s", matchID, kind)
	ref, err := c.wallet.Credit(ctx, userID, amount, reason, key)
	if err != nil {
		return "", fmt.Errorf("credit %s to %s: %w", kind, userID, err)
	}
	metrics.RecordEscrow(kind, amount)
	c.logger.Info("escrow credit",
		zap.String("match_id", matchID),
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("reason", reason),
		zap.String("tx", ref),
	)
	return ref, nil
}

// reverse returns a stake whose registry write failed.
func (c *Coordinator) reverse(ctx context.Context, matchID, userID string, amount int64, escrowTx string) error {
	_, err := c.credit(ctx, matchID, userID, amount, "refund", refundKey(matchID, userID, escrowTx))
	if err != nil {
		c.logger.Error("escrow reversal failed", zap.String("match_id", matchID), zap.String("user_id", userID), zap.Error(err))
	}
	return err
}

// refundKey is shared by every path that returns one stake, so a stake is refunded at most once.
func refundKey(matchID, userID, escrowTx string) string {
	return matchID + ":" + userID + ":refund:" + escrowTx
}

func payoutKey(matchID, userID string) string {
	return matchID + ":" + userID + ":payout"
}
