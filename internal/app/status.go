package app

import (
	"context"
	"time"

	"quiz-arena-service/internal/domain"
)

// ParticipantStatus is the lobby-safe view of one participant. Scores and money are revealed once
// the match is over.
type ParticipantStatus struct {
	UserID    string         `json:"userId"`
	IsCreator bool           `json:"isCreator"`
	Answered  int            `json:"answered"`
	Complete  bool           `json:"complete"`
	Score     *int           `json:"score,omitempty"`
	Outcome   domain.Outcome `json:"outcome,omitempty"`
	Payout    *int64         `json:"payout,omitempty"`
}

// MatchStatus is the polling read used by waiting rooms and the admin listing.
type MatchStatus struct {
	MatchID        string              `json:"matchId"`
	Code           string              `json:"code,omitempty"`
	Mode           domain.Mode         `json:"mode"`
	Status         domain.Status       `json:"status"`
	EntryAmount    int64               `json:"entryAmount"`
	PrizePool      int64               `json:"prizePool"`
	CurrentPlayers int                 `json:"currentPlayers"`
	MaxPlayers     int                 `json:"maxPlayers"`
	CreatorID      string              `json:"creatorId"`
	CreatedAt      time.Time           `json:"createdAt"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	EndedAt        *time.Time          `json:"endedAt,omitempty"`
	AnswerDeadline *time.Time          `json:"answerDeadline,omitempty"`
	Flagged        bool                `json:"flagged,omitempty"`
	FlagReason     string              `json:"flagReason,omitempty"`
	PlatformFee    *int64              `json:"platformFee,omitempty"`
	Version        int64               `json:"version"`
	Participants   []ParticipantStatus `json:"participants"`
}

// NewMatchStatus builds the status view of m.
func NewMatchStatus(m *domain.Match) MatchStatus {
	st := MatchStatus{
		MatchID:        m.ID,
		Code:           m.Code,
		Mode:           m.Mode,
		Status:         m.Status,
		EntryAmount:    m.EntryAmount,
		PrizePool:      m.PrizePool(),
		CurrentPlayers: m.CurrentPlayers,
		MaxPlayers:     m.MaxPlayers,
		CreatorID:      m.CreatorID,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		AnswerDeadline: m.AnswerDeadline,
		Flagged:        m.Flagged,
		FlagReason:     m.FlagReason,
		Version:        m.Version,
		Participants:   make([]ParticipantStatus, 0, len(m.Participants)),
	}
	over := m.Status.IsTerminal()
	if over && m.Settlement != nil {
		fee := m.Settlement.PlatformFee
		st.PlatformFee = &fee
	}
	for _, p := range m.Participants {
		ps := ParticipantStatus{
			UserID:    p.UserID,
			IsCreator: p.IsCreator,
			Answered:  len(p.Answers),
		}
		if m.Snapshot != nil {
			ps.Complete = m.ParticipantComplete(p)
		}
		if over {
			score, amount := p.Score, p.PayoutAmount
			ps.Score = &score
			ps.Payout = &amount
			ps.Outcome = p.Outcome
		}
		st.Participants = append(st.Participants, ps)
	}
	return st
}

// Status is the polling read for one match.
func (c *Coordinator) Status(ctx context.Context, matchID string) (MatchStatus, error) {
	m, err := c.registry.Get(ctx, matchID)
	if err != nil {
		return MatchStatus{}, err
	}
	return NewMatchStatus(m), nil
}

// List is the read-only operator listing.
func (c *Coordinator) List(ctx context.Context, filter MatchFilter) ([]MatchStatus, error) {
	matches, err := c.registry.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]MatchStatus, 0, len(matches))
	for _, m := range matches {
		out = append(out, NewMatchStatus(m))
	}
	return out, nil
}
