package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// StatusStream pushes match status to waiting rooms and accepts answers over the same socket.
type StatusStream struct {
	coordinator *app.Coordinator
	interval    time.Duration
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

func NewStatusStream(coordinator *app.Coordinator, interval time.Duration, logger *zap.Logger) *StatusStream {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusStream{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID  string `json:"questionId"`
	OptionID    string `json:"optionId"`
	TimeTakenMs int64  `json:"timeTakenMs"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Serve sends a "status" message whenever the match version changes and closes the socket once
// the match is over.
func (s *StatusStream) Serve(c *gin.Context) {
	matchID := c.Param("id")
	uid := userID(c)
	if _, err := s.coordinator.Status(c.Request.Context(), matchID); err != nil {
		errorResponse(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match over"))
	}()
	enqueue := func(msg any) {
		select {
		case send <- msg:
		case <-ctx.Done():
		}
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var msg inboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "answer":
				var p answerPayload
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					enqueue(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
					continue
				}
				res, err := s.coordinator.Submit(ctx, matchID, uid, domain.AnswerSubmission{
					QuestionID: p.QuestionID,
					OptionID:   p.OptionID,
					TimeTaken:  time.Duration(p.TimeTakenMs) * time.Millisecond,
				})
				if err != nil {
					enqueue(outboundMessage[errorPayload]{Type: "error", Payload: streamError(err)})
					continue
				}
				enqueue(outboundMessage[domain.AnswerResult]{Type: "answerResult", Payload: res})
			default:
				enqueue(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: "unknown message type"}})
			}
		}
	}()

	s.poll(ctx, matchID, enqueue)
	cancel()
	// unblock the reader
	_ = conn.SetReadDeadline(time.Now())
	<-readerDone
	close(send)
	<-writerDone
}

func (s *StatusStream) poll(ctx context.Context, matchID string, enqueue func(any)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	lastVersion := int64(-1)
	for {
		st, err := s.coordinator.Status(ctx, matchID)
		if err != nil {
			if ctx.Err() == nil {
				enqueue(outboundMessage[errorPayload]{Type: "error", Payload: streamError(err)})
			}
			return
		}
		if st.Version != lastVersion {
			lastVersion = st.Version
			enqueue(outboundMessage[app.MatchStatus]{Type: "status", Payload: st})
		}
		if st.Status.IsTerminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func streamError(err error) errorPayload {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return errorPayload{Message: err.Error(), Code: m.code}
		}
	}
	return errorPayload{Message: "internal error", Code: "INTERNAL"}
}
