package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/internal/ratelimit"
	"go.uber.org/zap"
)

func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}

	user, err := h.engine.Register(c.Request.Context(), authcore.RegisterRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.Name,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *Handler) VerifyEmail(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "Token is required.")
		return
	}
	if err := h.engine.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Email verified."})
}

func (h *Handler) ResendVerification(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}
	if err := h.engine.ResendVerification(c.Request.Context(), req.Email); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "If the account exists and is unverified, a new email has been sent."})
}

// Login checks the failed-attempt budget of the email and client before the
// password is looked at.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}
	ctx := c.Request.Context()
	ip := c.ClientIP()

	if err := h.failures.Check(ctx, req.Email, ip); err != nil {
		h.respondError(c, err)
		return
	}

	res, err := h.engine.Login(ctx, authcore.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Device:   deviceOf(c),
		IP:       ip,
	})
	if err != nil {
		if errors.Is(err, authcore.ErrInvalidCredentials) {
			if ferr := h.failures.Fail(ctx, req.Email, ip); ferr != nil && !errors.Is(ferr, ratelimit.ErrRateLimited) {
				h.log.Warn("record login failure", zap.Error(ferr))
			}
		}
		h.respondError(c, err)
		return
	}
	if err := h.failures.Reset(ctx, req.Email); err != nil {
		h.log.Warn("reset login failures", zap.Error(err))
	}
	c.JSON(http.StatusOK, h.respondLogin(c, res))
}

func (h *Handler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid payload.")
		return
	}
	if err := h.engine.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "If the account exists, password reset instructions have been sent."})
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "Token and password are required.")
		return
	}
	if err := h.engine.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.respondError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Password updated. Sign in again on every device."})
}

func (h *Handler) Me(c *gin.Context) {
	p, _ := principalOf(c)
	user, err := h.engine.Me(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
