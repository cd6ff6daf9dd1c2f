package http

import (
	"errors"
	"net/http"

	"quiz-arena-service/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{domain.ErrMatchNotFound, http.StatusNotFound, "MATCH_NOT_FOUND"},
	{domain.ErrLevelNotFound, http.StatusNotFound, "LEVEL_NOT_FOUND"},
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
	{domain.ErrInvalidPin, http.StatusForbidden, "INVALID_PIN"},
	{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{domain.ErrNotParticipant, http.StatusForbidden, "NOT_PARTICIPANT"},
	{domain.ErrMatchNotJoinable, http.StatusConflict, "MATCH_NOT_JOINABLE"},
	{domain.ErrAlreadyParticipant, http.StatusConflict, "ALREADY_PARTICIPANT"},
	{domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{domain.ErrTerminalConflict, http.StatusConflict, "TERMINAL_CONFLICT"},
	{domain.ErrQuestionAlreadyAnswered, http.StatusConflict, "QUESTION_ALREADY_ANSWERED"},
	{domain.ErrNotEnoughPlayers, http.StatusConflict, "NOT_ENOUGH_PLAYERS"},
	{domain.ErrMatchIncomplete, http.StatusConflict, "MATCH_INCOMPLETE"},
	{domain.ErrSettlementInconsistency, http.StatusConflict, "SETTLEMENT_INCONSISTENCY"},
	{domain.ErrMatchBusy, http.StatusConflict, "MATCH_BUSY"},
	{domain.ErrVersionConflict, http.StatusConflict, "VERSION_CONFLICT"},
	{domain.ErrSnapshotMismatch, http.StatusBadRequest, "SNAPSHOT_MISMATCH"},
	{domain.ErrInvalidCapacity, http.StatusBadRequest, "INVALID_CAPACITY"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{domain.ErrInvalidMode, http.StatusBadRequest, "INVALID_MODE"},
	{domain.ErrInvalidCode, http.StatusBadRequest, "INVALID_CODE"},
	{domain.ErrInvalidAnswer, http.StatusBadRequest, "INVALID_ANSWER"},
	{domain.ErrNotEnoughQuestions, http.StatusServiceUnavailable, "NOT_ENOUGH_QUESTIONS"},
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

// errorResponse maps a domain error onto its HTTP status. Anything unknown is a 500 and is
// recorded on the context for the request logger.
func errorResponse(c *gin.Context, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			abortError(c, m.status, m.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	abortError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
}
