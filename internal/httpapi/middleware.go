package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/internal/ratelimit"
	"github.com/mtracking/authcore/middleware"
	"go.uber.org/zap"
)

const (
	requestIDKey = "request_id"
	principalKey = "principal"
)

// HTTPObserver records served requests. *metrics.Collector implements it.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// RequestLogger logs every request with its latency and request id. An
// incoming X-Request-ID is reused.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.Request.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if p, ok := principalOf(c); ok {
			fields = append(fields, zap.String("identity_id", p.IdentityID))
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

// Observe reports each request to obs under its route pattern.
func Observe(obs HTTPObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		obs.ObserveHTTP(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Throttle rejects clients that exceed their request budget with 429.
func Throttle(limiter *ratelimit.PerClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{"rate_limited", "Too many requests."})
			return
		}
		c.Next()
	}
}

// requireAuth admits requests carrying a valid access token and records
// activity on the caller's session.
func (h *Handler) requireAuth(c *gin.Context) {
	raw, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.Header("WWW-Authenticate", "Bearer")
		h.respondError(c, authcore.ErrInvalidAccessToken)
		return
	}
	principal, err := h.engine.VerifyAccess(c.Request.Context(), raw)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.engine.TouchSession(c.Request.Context(), principal.SessionID); err != nil {
		h.log.Warn("session touch failed", zap.String("session_id", principal.SessionID), zap.Error(err))
	}
	c.Set(principalKey, principal)
	c.Request = c.Request.WithContext(authcore.WithPrincipal(c.Request.Context(), principal))
	c.Next()
}

func principalOf(c *gin.Context) (*authcore.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*authcore.Principal)
	return p, ok && p != nil
}

func deviceOf(c *gin.Context) authcore.DeviceInfo {
	return authcore.DeviceInfo{
		UserAgent: c.Request.UserAgent(),
		Platform:  strings.Trim(c.GetHeader("Sec-CH-UA-Platform"), `"`),
	}
}
