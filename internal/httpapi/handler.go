package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/internal/ratelimit"
	"go.uber.org/zap"
)

// Handler serves the /auth API.
type Handler struct {
	engine   *authcore.Engine
	failures *ratelimit.Failures
	cookies  CookieConfig
	log      *zap.Logger
}

// NewHandler binds the handlers to engine. failures may be nil.
func NewHandler(engine *authcore.Engine, failures *ratelimit.Failures, cookies CookieConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, failures: failures, cookies: cookies, log: logger}
}

type tokenResponse struct {
	AccessToken string                   `json:"accessToken,omitempty"`
	TokenType   string                   `json:"tokenType,omitempty"`
	ExpiresIn   int64                    `json:"expiresIn,omitempty"`
	SessionID   string                   `json:"sessionId,omitempty"`
	User        *authcore.PublicIdentity `json:"user,omitempty"`

	TwoFactorRequired bool   `json:"twoFactorRequired,omitempty"`
	Challenge         string `json:"challenge,omitempty"`

	Created bool `json:"created,omitempty"`
	Linked  bool `json:"linked,omitempty"`
}

func tokenBody(t authcore.Tokens) tokenResponse {
	return tokenResponse{
		AccessToken: t.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(t.ExpiresIn / time.Second),
		SessionID:   t.SessionID,
	}
}

// respondLogin writes a login outcome. The refresh token only travels in the
// cookie.
func (h *Handler) respondLogin(c *gin.Context, res *authcore.LoginResult) tokenResponse {
	user := res.Identity
	if res.TwoFactorRequired {
		return tokenResponse{TwoFactorRequired: true, Challenge: res.Challenge}
	}
	h.setRefreshCookie(c, res.RefreshToken)
	body := tokenBody(res.Tokens)
	body.User = &user
	return body
}

func (h *Handler) Healthz(c *gin.Context) {
	if err := h.engine.Ping(c.Request.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.engine.JWKS())
}
