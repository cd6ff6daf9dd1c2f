package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the competition format of a match.
type Mode string

const (
	ModeSolo   Mode = "SOLO"
	ModeDuel   Mode = "DUEL"
	ModeLeague Mode = "LEAGUE"
)

// ParseMode accepts any casing of a known mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case ModeSolo:
		return ModeSolo, nil
	case ModeDuel:
		return ModeDuel, nil
	case ModeLeague:
		return ModeLeague, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
}

// UsesCode reports whether the mode is joined through a shareable match code.
func (m Mode) UsesCode() bool {
	return m == ModeDuel || m == ModeLeague
}

// Status is a lifecycle state of a match.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no transition can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// transitions lists the allowed forward moves. IN_PROGRESS -> CANCELLED is operator-only;
// the coordinator enforces who may request it.
var transitions = map[Status][]Status{
	StatusWaiting:    {StatusInProgress, StatusCancelled, StatusExpired},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	SoloPlayers      = 1
	DuelPlayers      = 2
	LeagueMinPlayers = 3
	LeagueMaxPlayers = 50
)

// ValidateCapacity checks maxPlayers against the range allowed for the mode.
func ValidateCapacity(mode Mode, maxPlayers int) error {
	switch mode {
	case ModeSolo:
		if maxPlayers != SoloPlayers {
			return fmt.Errorf("%w: solo is played alone, got %d", ErrInvalidCapacity, maxPlayers)
		}
	case ModeDuel:
		if maxPlayers != DuelPlayers {
			return fmt.Errorf("%w: duel takes exactly %d players, got %d", ErrInvalidCapacity, DuelPlayers, maxPlayers)
		}
	case ModeLeague:
		if maxPlayers < LeagueMinPlayers || maxPlayers > LeagueMaxPlayers {
			return fmt.Errorf("%w: league takes %d-%d players, got %d", ErrInvalidCapacity, LeagueMinPlayers, LeagueMaxPlayers, maxPlayers)
		}
	default:
		return ErrInvalidMode
	}
	return nil
}

// Outcome is what a participant got out of a settled match.
type Outcome string

const (
	OutcomeWin    Outcome = "WIN"
	OutcomeLose   Outcome = "LOSE"
	OutcomeRefund Outcome = "REFUND"
)

// SettlementKind distinguishes a payout from a stake refund.
type SettlementKind string

const (
	SettlementPayout SettlementKind = "PAYOUT"
	SettlementRefund SettlementKind = "REFUND"
)

// Settlement is the frozen credit plan of a match. Once stored it is replayed, never recomputed,
// so a retried settlement always pays the same amounts.
type Settlement struct {
	Kind        SettlementKind     `json:"kind"`
	Gross       int64              `json:"gross"`
	PlatformFee int64              `json:"platformFee"`
	Payouts     map[string]int64   `json:"payouts"`
	Outcomes    map[string]Outcome `json:"outcomes"`
	PlannedAt   time.Time          `json:"plannedAt"`
}

// Total is the sum of all planned credits.
func (s *Settlement) Total() int64 {
	var total int64
	if s == nil {
		return total
	}
	for _, amount := range s.Payouts {
		total += amount
	}
	return total
}

// Participant is one user's membership in a match.
type Participant struct {
	UserID       string    `json:"userId"`
	IsCreator    bool      `json:"isCreator"`
	JoinedAt     time.Time `json:"joinedAt"`
	EscrowTx     string    `json:"escrowTx"`
	Answers      []Answer  `json:"answers"`
	Score        int       `json:"score"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	PayoutAmount int64     `json:"payoutAmount"`
	CreditTx     string    `json:"creditTx,omitempty"`
	Credited     bool      `json:"credited"`
}

// Answer returns the recorded answer for questionID, if any.
func (p *Participant) Answer(questionID string) (Answer, bool) {
	for _, a := range p.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// Elapsed is the total time the participant spent answering.
func (p *Participant) Elapsed() time.Duration {
	var total time.Duration
	for _, a := range p.Answers {
		total += a.TimeTaken
	}
	return total
}

// Departure records a participant who left a lobby and was refunded.
type Departure struct {
	UserID   string    `json:"userId"`
	EscrowTx string    `json:"escrowTx"`
	RefundTx string    `json:"refundTx"`
	LeftAt   time.Time `json:"leftAt"`
}

// Match is the aggregate root of one competition.
type Match struct {
	ID             string            `json:"id"`
	Code           string            `json:"code,omitempty"`
	Mode           Mode              `json:"mode"`
	Status         Status            `json:"status"`
	EntryAmount    int64             `json:"entryAmount"`
	FeeRate        decimal.Decimal   `json:"feeRate"`
	MaxPlayers     int               `json:"maxPlayers"`
	CurrentPlayers int               `json:"currentPlayers"`
	Content        Content           `json:"content"`
	CreatorID      string            `json:"creatorId"`
	Participants   []*Participant    `json:"participants"`
	Departures     []Departure       `json:"departures,omitempty"`
	Snapshot       *QuestionSnapshot `json:"snapshot,omitempty"`
	Settlement     *Settlement       `json:"settlement,omitempty"`
	PendingOutcome Status            `json:"pendingOutcome,omitempty"`
	Flagged        bool              `json:"flagged"`
	FlagReason     string            `json:"flagReason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	EndedAt        *time.Time        `json:"endedAt,omitempty"`
	AnswerDeadline *time.Time        `json:"answerDeadline,omitempty"`
	Version        int64             `json:"version"`
}

// MatchParams carries what is needed to open a match for its creator.
type MatchParams struct {
	ID          string
	Code        string
	Mode        Mode
	EntryAmount int64
	FeeRate     decimal.Decimal
	MaxPlayers  int
	Content     Content
	CreatorID   string
	EscrowTx    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// NewMatch builds a WAITING match whose only participant is the creator.
func NewMatch(p MatchParams) (*Match, error) {
	if p.EntryAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := ValidateCapacity(p.Mode, p.MaxPlayers); err != nil {
		return nil, err
	}
	return &Match{
		ID:             p.ID,
		Code:           p.Code,
		Mode:           p.Mode,
		Status:         StatusWaiting,
		EntryAmount:    p.EntryAmount,
		FeeRate:        p.FeeRate,
		MaxPlayers:     p.MaxPlayers,
		CurrentPlayers: 1,
		Content:        p.Content,
		CreatorID:      p.CreatorID,
		Participants: []*Participant{{
			UserID:    p.CreatorID,
			IsCreator: true,
			JoinedAt:  p.CreatedAt,
			EscrowTx:  p.EscrowTx,
		}},
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
	}, nil
}

// PrizePool is the gross escrow currently held for the match.
func (m *Match) PrizePool() int64 {
	return m.EntryAmount * int64(m.CurrentPlayers)
}

// IsFull reports whether every seat is taken.
func (m *Match) IsFull() bool {
	return m.CurrentPlayers >= m.MaxPlayers
}

// Participant finds the active participant record for userID.
func (m *Match) Participant(userID string) (*Participant, bool) {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return nil, false
}

// CheckJoinable validates that userID can take a seat at now.
func (m *Match) CheckJoinable(userID string, now time.Time) error {
	if m.Status != StatusWaiting || !m.Mode.UsesCode() || m.PendingOutcome != "" {
		return ErrMatchNotJoinable
	}
	if _, ok := m.Participant(userID); ok {
		return ErrAlreadyParticipant
	}
	if !now.Before(m.ExpiresAt) {
		return fmt.Errorf("%w: lobby expired", ErrMatchNotJoinable)
	}
	if m.IsFull() {
		return fmt.Errorf("%w: match is full", ErrMatchNotJoinable)
	}
	return nil
}

// AddParticipant seats userID after CheckJoinable.
func (m *Match) AddParticipant(userID, escrowTx string, now time.Time) error {
	if err := m.CheckJoinable(userID, now); err != nil {
		return err
	}
	m.Participants = append(m.Participants, &Participant{
		UserID:   userID,
		JoinedAt: now,
		EscrowTx: escrowTx,
	})
	m.CurrentPlayers++
	return nil
}

// RemoveParticipant takes a non-creator out of a waiting lobby and keeps an audit record.
func (m *Match) RemoveParticipant(userID, refundTx string, now time.Time) error {
	if m.Status != StatusWaiting || m.PendingOutcome != "" {
		return ErrInvalidTransition
	}
	for i, p := range m.Participants {
		if p.UserID != userID {
			continue
		}
		if p.IsCreator {
			return ErrForbidden
		}
		m.Participants = append(m.Participants[:i], m.Participants[i+1:]...)
		m.CurrentPlayers--
		m.Departures = append(m.Departures, Departure{
			UserID:   userID,
			EscrowTx: p.EscrowTx,
			RefundTx: refundTx,
			LeftAt:   now,
		})
		return nil
	}
	return ErrNotParticipant
}

// Transition moves the match forward, stamping start and end times.
func (m *Match) Transition(to Status, now time.Time) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	switch {
	case to == StatusInProgress:
		m.StartedAt = timePtr(now)
	case to.IsTerminal():
		m.EndedAt = timePtr(now)
	}
	return nil
}

// Begin freezes the question set and the roster and starts the clock.
func (m *Match) Begin(snapshot QuestionSnapshot, now time.Time, grace time.Duration) error {
	if m.Snapshot != nil {
		return fmt.Errorf("%w: question set already assigned", ErrInvalidTransition)
	}
	if len(snapshot.Questions) == 0 {
		return ErrNotEnoughQuestions
	}
	if err := m.Transition(StatusInProgress, now); err != nil {
		return err
	}
	snap := snapshot
	m.Snapshot = &snap
	m.AnswerDeadline = timePtr(now.Add(snap.TotalTime() + grace))
	return nil
}

// ParticipantComplete reports whether p answered every snapshot question.
func (m *Match) ParticipantComplete(p *Participant) bool {
	n := m.Snapshot.Len()
	return n > 0 && len(p.Answers) >= n
}

// AllComplete reports whether every participant finished.
func (m *Match) AllComplete() bool {
	if m.Snapshot.Len() == 0 || len(m.Participants) == 0 {
		return false
	}
	for _, p := range m.Participants {
		if !m.ParticipantComplete(p) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	c.Participants = make([]*Participant, 0, len(m.Participants))
	for _, p := range m.Participants {
		cp := *p
		cp.Answers = append([]Answer(nil), p.Answers...)
		c.Participants = append(c.Participants, &cp)
	}
	c.Departures = append([]Departure(nil), m.Departures...)
	if m.Snapshot != nil {
		snap := QuestionSnapshot{FrozenAt: m.Snapshot.FrozenAt}
		snap.Questions = make([]Question, 0, len(m.Snapshot.Questions))
		for _, q := range m.Snapshot.Questions {
			cq := q
			cq.Options = append([]Option(nil), q.Options...)
			snap.Questions = append(snap.Questions, cq)
		}
		c.Snapshot = &snap
	}
	if m.Settlement != nil {
		s := *m.Settlement
		s.Payouts = make(map[string]int64, len(m.Settlement.Payouts))
		for k, v := range m.Settlement.Payouts {
			s.Payouts[k] = v
		}
		s.Outcomes = make(map[string]Outcome, len(m.Settlement.Outcomes))
		for k, v := range m.Settlement.Outcomes {
			s.Outcomes[k] = v
		}
		c.Settlement = &s
	}
	c.StartedAt = copyTime(m.StartedAt)
	c.EndedAt = copyTime(m.EndedAt)
	c.AnswerDeadline = copyTime(m.AnswerDeadline)
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
