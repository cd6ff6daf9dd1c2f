package http

import (
	"net/http"
	"strconv"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes the coordinator over JSON.
type Handler struct {
	coordinator *app.Coordinator
	logger      *zap.Logger
}

func NewHandler(coordinator *app.Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coordinator: coordinator, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup, stream *StatusStream) {
	r.POST("", h.create)
	r.POST("/join", h.join)
	r.GET("/:id", h.status)
	r.GET("/:id/ws", stream.Serve)
	r.GET("/:id/questions", h.questions)
	r.POST("/:id/start", h.start)
	r.POST("/:id/leave", h.leave)
	r.POST("/:id/cancel", h.cancel)
	r.POST("/:id/answers", h.answer)
}

func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/matches", h.list)
	r.POST("/matches/:id/cancel", h.forceCancel)
	r.POST("/matches/:id/settle", h.settle)
}

type createRequest struct {
	Mode        string `json:"mode" binding:"required"`
	EntryAmount int64  `json:"entryAmount" binding:"required"`
	MaxPlayers  int    `json:"maxPlayers"`
	Pin         string `json:"pin" binding:"required"`
	CourseID    string `json:"courseId"`
	ModuleID    string `json:"moduleId"`
	LevelID     string `json:"levelId" binding:"required"`
}

type joinRequest struct {
	Code string `json:"code" binding:"required"`
	Pin  string `json:"pin" binding:"required"`
}

type answerRequest struct {
	QuestionID  string `json:"questionId" binding:"required"`
	// empty records a timed-out question
	OptionID    string `json:"optionId"`
	TimeTakenMs int64  `json:"timeTakenMs"`
}

type forceCancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		errorResponse(c, err)
		return
	}
	res, err := h.coordinator.Create(c.Request.Context(), app.CreateRequest{
		UserID:      userID(c),
		Mode:        mode,
		EntryAmount: req.EntryAmount,
		MaxPlayers:  req.MaxPlayers,
		Pin:         req.Pin,
		Content:     domain.Content{CourseID: req.CourseID, ModuleID: req.ModuleID, LevelID: req.LevelID},
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusCreated, res)
}

func (h *Handler) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := h.coordinator.Join(c.Request.Context(), req.Code, userID(c), req.Pin)
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, res)
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.coordinator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, st)
}

func (h *Handler) questions(c *gin.Context) {
	qs, err := h.coordinator.Questions(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, qs)
}

func (h *Handler) start(c *gin.Context) {
	qs, err := h.coordinator.Start(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"questions": qs})
}

func (h *Handler) leave(c *gin.Context) {
	if err := h.coordinator.Leave(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"left": true})
}

func (h *Handler) cancel(c *gin.Context) {
	m, err := h.coordinator.Cancel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, app.NewMatchStatus(m))
}

func (h *Handler) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := h.coordinator.Submit(c.Request.Context(), c.Param("id"), userID(c), domain.AnswerSubmission{
		QuestionID: req.QuestionID,
		OptionID:   req.OptionID,
		TimeTaken:  time.Duration(req.TimeTakenMs) * time.Millisecond,
	})
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, res)
}

func (h *Handler) list(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	out, err := h.coordinator.List(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, out)
}

func (h *Handler) forceCancel(c *gin.Context) {
	var req forceCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	m, err := h.coordinator.ForceCancel(c.Request.Context(), c.Param("id"), userID(c), req.Reason)
	if err != nil {
		errorResponse(c, err)
		return
	}
	success(c, http.StatusOK, app.NewMatchStatus(m))
}

// settle retries an interrupted settlement, or finalizes a match whose players are all done.
func (h *Handler) settle(c *gin.Context) {
	ctx := c.Request.Context()
	matchID := c.Param("id")
	m, err := h.coordinator.Resume(ctx, matchID)
	if err == nil && !m.Status.IsTerminal() && m.Settlement == nil {
		m, err = h.coordinator.Finalize(ctx, matchID)
	}
	if err != nil {
		errorResponse(c, err)
		return
	}
	h.logger.Info("operator settle", zap.String("match_id", matchID), zap.String("operator", userID(c)), zap.String("status", string(m.Status)))
	success(c, http.StatusOK, app.NewMatchStatus(m))
}

func parseFilter(c *gin.Context) (app.MatchFilter, error) {
	var f app.MatchFilter
	if raw := c.Query("status"); raw != "" {
		f.Statuses = []domain.Status{domain.Status(raw)}
	}
	if raw := c.Query("mode"); raw != "" {
		mode, err := domain.ParseMode(raw)
		if err != nil {
			return f, err
		}
		f.Mode = mode
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.CreatedFrom = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.CreatedTo = t
	}
	if c.Query("flagged") == "true" {
		f.FlaggedOnly = true
	}
	if c.Query("pending") == "true" {
		f.PendingOnly = true
	}
	f.Limit = 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}
