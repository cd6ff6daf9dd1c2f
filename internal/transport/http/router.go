package http

import (
	"net/http"
	"strconv"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Coordinator    *app.Coordinator
	Auth           Authenticator
	Logger         *zap.Logger
	StreamInterval time.Duration
}

func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), MetricsMiddleware(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(deps.Coordinator, logger)
	stream := NewStatusStream(deps.Coordinator, deps.StreamInterval, logger)

	authed := r.Group("/", deps.Auth.Middleware())
	h.RegisterRoutes(authed.Group("/matches"), stream)
	h.RegisterAdminRoutes(authed.Group("/admin", RequireOperator()))
	return r
}

// MetricsMiddleware records request counts and latency. Routes are labelled by their pattern so
// match ids do not blow up cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.RequestCounter.WithLabelValues(status, c.Request.Method, path).Inc()
		metrics.RequestDuration.WithLabelValues(status, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if uid := userID(c); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if len(c.Errors) > 0 {
			logger.Error("request failed", append(fields, zap.Error(c.Errors.Last()))...)
			return
		}
		logger.Debug("request", fields...)
	}
}
