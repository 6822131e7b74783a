package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore/twofactor"
)

type codeRequest struct {
	Code string `json:"code"`
}

func bindCode(c *gin.Context) (string, bool) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		badRequest(c, "Code is required.")
		return "", false
	}
	return req.Code, true
}

func (h *Handler) BeginTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	setup, err := h.engine.BeginTwoFactor(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, setup)
}

func (h *Handler) ProceedTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	state, err := h.engine.ProceedTwoFactor(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// VerifyTwoFactor returns the backup codes. They are shown exactly once.
func (h *Handler) VerifyTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	code, ok := bindCode(c)
	if !ok {
		return
	}
	codes, err := h.engine.VerifyTwoFactor(c.Request.Context(), p.IdentityID, code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"state": twofactor.StateBackup, "backupCodes": codes})
}

func (h *Handler) BackTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	setup, err := h.engine.BackTwoFactor(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, setup)
}

func (h *Handler) ConfirmTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	if err := h.engine.ConfirmTwoFactor(c.Request.Context(), p.IdentityID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": twofactor.StateEnabled})
}

func (h *Handler) CancelTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	if err := h.engine.CancelTwoFactor(c.Request.Context(), p.IdentityID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": twofactor.StateCancelled})
}

func (h *Handler) TwoFactorStatus(c *gin.Context) {
	p, _ := principalOf(c)
	status, err := h.engine.TwoFactorStatus(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) DisableTwoFactor(c *gin.Context) {
	p, _ := principalOf(c)
	code, ok := bindCode(c)
	if !ok {
		return
	}
	if err := h.engine.DisableTwoFactor(c.Request.Context(), p.IdentityID, code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

// CompleteLogin finishes a login that stopped at the second factor. It is
// public: the challenge authenticates the request.
func (h *Handler) CompleteLogin(c *gin.Context) {
	var req struct {
		Challenge string `json:"challenge"`
		Code      string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Challenge == "" || req.Code == "" {
		badRequest(c, "Challenge and code are required.")
		return
	}
	res, err := h.engine.CompleteLogin(c.Request.Context(), req.Challenge, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.respondLogin(c, res))
}
