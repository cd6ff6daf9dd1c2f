package app

import (
	"context"
	"fmt"
	"time"

	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/payout"
	"go.uber.org/zap"
)

// EngineOptions tunes question sessions.
type EngineOptions struct {
	QuestionsPerMatch int
	DefaultTimeLimit  time.Duration
	AnswerGrace       time.Duration
	Now               func() time.Time
}

// Engine issues question sets and grades answers.
type Engine struct {
	registry *Registry
	catalog  Catalog
	opts     EngineOptions
	now      func() time.Time
	logger   *zap.Logger
}

func NewEngine(registry *Registry, catalog Catalog, logger *zap.Logger, opts EngineOptions) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QuestionsPerMatch <= 0 {
		opts.QuestionsPerMatch = 5
	}
	if opts.DefaultTimeLimit <= 0 {
		opts.DefaultTimeLimit = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, catalog: catalog, opts: opts, now: opts.Now, logger: logger}
}

// StartSession draws the question set for content and freezes it as a snapshot.
func (e *Engine) StartSession(ctx context.Context, content domain.Content) (domain.QuestionSnapshot, error) {
	questions, err := e.catalog.GetQuestions(ctx, content.LevelID, e.opts.QuestionsPerMatch)
	if err != nil {
		return domain.QuestionSnapshot{}, err
	}
	if len(questions) < e.opts.QuestionsPerMatch {
		return domain.QuestionSnapshot{}, fmt.Errorf("%w: level %s has %d", domain.ErrNotEnoughQuestions, content.LevelID, len(questions))
	}

	seen := make(map[string]struct{}, len(questions))
	frozen := make([]domain.Question, 0, e.opts.QuestionsPerMatch)
	for _, q := range questions[:e.opts.QuestionsPerMatch] {
		if _, dup := seen[q.ID]; dup {
			return domain.QuestionSnapshot{}, fmt.Errorf("catalog returned question %s twice", q.ID)
		}
		seen[q.ID] = struct{}{}
		if q.CorrectOption() == "" {
			return domain.QuestionSnapshot{}, fmt.Errorf("question %s has no correct option", q.ID)
		}
		if q.TimeLimit <= 0 {
			q.TimeLimit = e.opts.DefaultTimeLimit
		}
		q.Options = append([]domain.Option(nil), q.Options...)
		frozen = append(frozen, q)
	}
	return domain.QuestionSnapshot{Questions: frozen, FrozenAt: e.now()}, nil
}

// Questions returns the public question set of a started match to one of its participants.
func (e *Engine) Questions(ctx context.Context, matchID, userID string) ([]domain.PublicQuestion, error) {
	m, err := e.registry.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Participant(userID); !ok {
		return nil, domain.ErrNotParticipant
	}
	if m.Snapshot == nil {
		return nil, fmt.Errorf("%w: match has not started", domain.ErrInvalidTransition)
	}
	return m.Snapshot.Public(), nil
}

// SubmitAnswer records one answer. The completion check runs under the same lock as the write,
// so exactly the submissions that observe a fully answered match report MatchComplete.
func (e *Engine) SubmitAnswer(ctx context.Context, matchID, userID string, sub domain.AnswerSubmission) (domain.AnswerResult, error) {
	if sub.QuestionID == "" || sub.TimeTaken < 0 {
		return domain.AnswerResult{}, domain.ErrInvalidAnswer
	}

	var result domain.AnswerResult
	_, err := e.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status != domain.StatusInProgress {
			return fmt.Errorf("%w: match is %s", domain.ErrInvalidTransition, m.Status)
		}
		p, ok := m.Participant(userID)
		if !ok {
			return domain.ErrNotParticipant
		}
		q, ok := m.Snapshot.Question(sub.QuestionID)
		if !ok {
			return domain.ErrSnapshotMismatch
		}
		if _, answered := p.Answer(q.ID); answered {
			return domain.ErrQuestionAlreadyAnswered
		}
		if sub.OptionID != "" && !q.HasOption(sub.OptionID) {
			return fmt.Errorf("%w: unknown option %s", domain.ErrInvalidAnswer, sub.OptionID)
		}

		answer := grade(q, sub, e.opts.AnswerGrace, e.now(), m.AnswerDeadline)
		p.Answers = append(p.Answers, answer)
		if answer.Correct {
			p.Score++
		}

		result = domain.AnswerResult{
			QuestionID:    q.ID,
			Accepted:      true,
			Correct:       answer.Correct,
			Late:          answer.Late || answer.TimedOut,
			Score:         p.Score,
			Answered:      len(p.Answers),
			Total:         m.Snapshot.Len(),
			Complete:      m.ParticipantComplete(p),
			MatchComplete: m.AllComplete(),
		}
		return nil
	})
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return result, nil
}

// IsComplete reports whether userID answered every question of the match.
func (e *Engine) IsComplete(ctx context.Context, matchID, userID string) (bool, error) {
	m, err := e.registry.Get(ctx, matchID)
	if err != nil {
		return false, err
	}
	p, ok := m.Participant(userID)
	if !ok {
		return false, domain.ErrNotParticipant
	}
	return m.ParticipantComplete(p), nil
}

// TimeoutStragglers records an empty, incorrect answer for every question still open once the
// match's answer deadline has passed. It reports whether the match is now fully answered.
func (e *Engine) TimeoutStragglers(ctx context.Context, matchID string) (bool, error) {
	complete := false
	_, err := e.registry.Mutate(ctx, matchID, func(tx *MatchTx) error {
		m := tx.Match
		if m.Status != domain.StatusInProgress {
			tx.Skip()
			return nil
		}
		now := e.now()
		if m.AnswerDeadline == nil || now.Before(*m.AnswerDeadline) {
			tx.Skip()
			return nil
		}
		recorded := 0
		for _, p := range m.Participants {
			for _, q := range m.Snapshot.Questions {
				if _, ok := p.Answer(q.ID); ok {
					continue
				}
				p.Answers = append(p.Answers, domain.Answer{
					QuestionID: q.ID,
					TimeTaken:  q.TimeLimit,
					TimedOut:   true,
					RecordedAt: now,
				})
				recorded++
			}
		}
		complete = m.AllComplete()
		if recorded == 0 {
			tx.Skip()
			return nil
		}
		e.logger.Info("recorded timed-out answers", zap.String("match_id", m.ID), zap.Int("answers", recorded))
		return nil
	})
	return complete, err
}

// grade decides correctness. Answers past the match deadline or past the question's limit plus
// grace are kept as empty and incorrect so the server timer stays authoritative.
func grade(q domain.Question, sub domain.AnswerSubmission, grace time.Duration, now time.Time, deadline *time.Time) domain.Answer {
	a := domain.Answer{
		QuestionID: q.ID,
		OptionID:   sub.OptionID,
		TimeTaken:  sub.TimeTaken,
		RecordedAt: now,
	}
	switch {
	case deadline != nil && now.After(*deadline):
		a.OptionID = ""
		a.TimedOut = true
		a.TimeTaken = q.TimeLimit
	case sub.TimeTaken > q.TimeLimit+grace:
		a.OptionID = ""
		a.Late = true
		a.TimeTaken = q.TimeLimit
	}
	a.Correct = a.OptionID != "" && a.OptionID == q.CorrectOption()
	return a
}

func finalScores(m *domain.Match) []payout.Score {
	scores := make([]payout.Score, 0, len(m.Participants))
	for _, p := range m.Participants {
		correct := 0
		for _, a := range p.Answers {
			if a.Correct {
				correct++
			}
		}
		scores = append(scores, payout.Score{
			UserID:  p.UserID,
			Correct: correct,
			Total:   m.Snapshot.Len(),
			Elapsed: p.Elapsed(),
		})
	}
	return scores
}
