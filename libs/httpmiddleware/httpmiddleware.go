package httpmiddleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AfshinJalili/vgx/libs/auth"
	"github.com/AfshinJalili/vgx/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader   = "X-Request-ID"
	traceParentHeader = "traceparent"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDHeader, reqID)
		c.Header(RequestIDHeader, reqID)
		c.Next()
	}
}

// RequestIDFromContext returns the id assigned by RequestID, or "".
func RequestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(RequestIDHeader); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", RequestIDFromContext(c)),
			slog.String("traceparent", c.GetHeader(traceParentHeader)),
		}
		if userID, ok := auth.UserID(c); ok {
			attrs = append(attrs, slog.String("user_id", userID.String()))
		}
		logger.Info("request", attrs...)

		metrics.RequestCount.WithLabelValues(c.Request.Method, path, http.StatusText(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path, http.StatusText(status)).Observe(latency.Seconds())
	}
}

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", RequestIDFromContext(c)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "internal error"})
			}
		}()
		c.Next()
	}
}
