package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/internal/ratelimit"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusOf maps an engine error to its response. Unauthorized failures share
// one body so callers cannot tell which check failed, with the exception of
// an unverified email.
func statusOf(err error) (int, errorBody) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{"rate_limited", "Too many attempts. Try again later."}
	case errors.Is(err, authcore.ErrTwoFactorLocked):
		return http.StatusTooManyRequests, errorBody{"rate_limited", "Too many attempts. Try again later."}
	case errors.Is(err, ratelimit.ErrRedisUnavailable):
		return http.StatusServiceUnavailable, errorBody{"unavailable", "Service temporarily unavailable."}
	}

	switch authcore.KindOf(err) {
	case authcore.KindValidation:
		return http.StatusBadRequest, errorBody{"invalid_request", err.Error()}
	case authcore.KindConflict:
		return http.StatusConflict, errorBody{"conflict", err.Error()}
	case authcore.KindUnauthorized:
		if errors.Is(err, authcore.ErrEmailNotVerified) {
			return http.StatusUnauthorized, errorBody{"email_not_verified", "Verify your email address before signing in."}
		}
		if errors.Is(err, authcore.ErrInvalidTwoFactor) {
			return http.StatusUnauthorized, errorBody{"invalid_code", "Invalid verification code."}
		}
		return http.StatusUnauthorized, errorBody{"unauthorized", "Invalid or expired credentials."}
	case authcore.KindNotFound:
		return http.StatusNotFound, errorBody{"not_found", err.Error()}
	default:
		return http.StatusServiceUnavailable, errorBody{"unavailable", "Service temporarily unavailable."}
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, body := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{"invalid_request", message})
}
