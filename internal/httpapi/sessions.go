package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/middleware"
)

// refreshTokenOf reads the refresh cookie, falling back to a JSON body for
// clients that cannot hold cookies.
func refreshTokenOf(c *gin.Context) string {
	if raw, err := c.Cookie(refreshCookie); err == nil && raw != "" {
		return raw
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req.RefreshToken
}

func (h *Handler) Refresh(c *gin.Context) {
	tokens, err := h.engine.Refresh(c.Request.Context(), refreshTokenOf(c))
	if err != nil {
		if authcore.KindOf(err) == authcore.KindUnauthorized {
			h.clearRefreshCookie(c)
		}
		h.respondError(c, err)
		return
	}
	h.setRefreshCookie(c, tokens.RefreshToken)
	c.JSON(http.StatusOK, tokenBody(*tokens))
}

// Logout accepts the access token, the refresh cookie or both. The cookie is
// cleared whatever the outcome.
func (h *Handler) Logout(c *gin.Context) {
	access, _ := middleware.BearerToken(c.GetHeader("Authorization"))
	refresh := refreshTokenOf(c)
	h.clearRefreshCookie(c)

	if err := h.engine.Logout(c.Request.Context(), access, refresh); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signed out."})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	p, _ := principalOf(c)
	if err := h.engine.LogoutAllDevices(c.Request.Context(), p.IdentityID); err != nil {
		h.respondError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out on every device."})
}

func (h *Handler) Sessions(c *gin.Context) {
	p, _ := principalOf(c)
	list, err := h.engine.Sessions(c.Request.Context(), p.IdentityID, p.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) RevokeSession(c *gin.Context) {
	p, _ := principalOf(c)
	if err := h.engine.RevokeSession(c.Request.Context(), p.IdentityID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
