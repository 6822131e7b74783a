package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	refreshCookie  = "refresh_token"
	refreshPath    = "/auth"
	stateCookie    = "oauth_state"
	verifierCookie = "oauth_verifier"
	oauthPath      = "/auth/oauth"
	oauthCookieTTL = 10 * time.Minute
)

// CookieConfig controls the attributes of cookies set by the handlers.
type CookieConfig struct {
	Secure bool
	Domain string
}

func (h *Handler) setCookie(c *gin.Context, name, value, path string, ttl time.Duration, sameSite http.SameSite) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cookies.Domain,
		MaxAge:   int(ttl.Seconds()),
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func (h *Handler) clearCookie(c *gin.Context, name, path string, sameSite http.SameSite) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   h.cookies.Domain,
		MaxAge:   -1,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func (h *Handler) setRefreshCookie(c *gin.Context, token string) {
	h.setCookie(c, refreshCookie, token, refreshPath, h.engine.RefreshTTL(), http.SameSiteStrictMode)
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	h.clearCookie(c, refreshCookie, refreshPath, http.SameSiteStrictMode)
}
