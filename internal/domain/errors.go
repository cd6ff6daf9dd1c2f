package domain

import "errors"

var (
	// ErrInsufficientFunds is returned by the wallet when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidPin is returned when the transaction PIN does not verify.
	ErrInvalidPin = errors.New("invalid transaction pin")
	// ErrMatchNotFound is returned when no match exists for an id or code.
	ErrMatchNotFound = errors.New("match not found")
	// ErrMatchNotJoinable covers full, expired, closing and already started matches.
	ErrMatchNotJoinable = errors.New("match not joinable")
	// ErrAlreadyParticipant is returned when a user joins a match twice.
	ErrAlreadyParticipant = errors.New("user already participates in match")
	// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid match transition")
	// ErrTerminalConflict is returned when a match already ended with a different outcome.
	ErrTerminalConflict = errors.New("match already ended with a different outcome")
	// ErrQuestionAlreadyAnswered rejects a second answer for the same question.
	ErrQuestionAlreadyAnswered = errors.New("question already answered")
	// ErrSnapshotMismatch rejects an answer for a question outside the match's set.
	ErrSnapshotMismatch = errors.New("question is not part of this match")
	// ErrSettlementInconsistency means payouts do not reconcile with the pool. Never retried.
	ErrSettlementInconsistency = errors.New("settlement does not reconcile with prize pool")

	ErrInvalidCapacity    = errors.New("invalid match capacity")
	ErrInvalidAmount      = errors.New("entry amount must be positive")
	ErrInvalidMode        = errors.New("unknown match mode")
	ErrInvalidCode        = errors.New("invalid match code")
	ErrForbidden          = errors.New("operation not permitted for this user")
	ErrNotParticipant     = errors.New("user is not a participant of this match")
	ErrNotEnoughPlayers   = errors.New("not enough players to start")
	ErrMatchIncomplete    = errors.New("match still has unanswered questions")
	ErrInvalidAnswer      = errors.New("invalid answer submission")
	ErrNotEnoughQuestions = errors.New("level does not have enough questions")
	ErrLevelNotFound      = errors.New("level not found")

	// ErrMatchBusy is returned when the per-match lock could not be acquired in time.
	ErrMatchBusy = errors.New("match is busy, retry later")
	// ErrVersionConflict is returned by stores when a write lost an optimistic version check.
	ErrVersionConflict = errors.New("match was modified concurrently")
)
