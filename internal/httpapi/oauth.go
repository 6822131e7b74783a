package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/oauth"
	"github.com/mtracking/authcore/password"
)

// OAuthStart redirects to the provider's consent page. The state and PKCE
// verifier are kept in short-lived cookies scoped to the OAuth routes. They
// use SameSite=Lax because the provider redirects back cross-site.
func (h *Handler) OAuthStart(c *gin.Context) {
	provider := c.Param("provider")
	state, err := password.GenerateToken()
	if err != nil {
		h.respondError(c, err)
		return
	}
	verifier := oauth.NewVerifier()

	url, err := h.engine.OAuthAuthURL(provider, state, verifier)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.setCookie(c, stateCookie, state, oauthPath, oauthCookieTTL, http.SameSiteLaxMode)
	h.setCookie(c, verifierCookie, verifier, oauthPath, oauthCookieTTL, http.SameSiteLaxMode)
	c.Redirect(http.StatusFound, url)
}

func (h *Handler) OAuthCallback(c *gin.Context) {
	provider := c.Param("provider")
	state, _ := c.Cookie(stateCookie)
	verifier, _ := c.Cookie(verifierCookie)
	h.clearCookie(c, stateCookie, oauthPath, http.SameSiteLaxMode)
	h.clearCookie(c, verifierCookie, oauthPath, http.SameSiteLaxMode)

	if e := c.Query("error"); e != "" {
		h.respondError(c, authcore.ErrOAuthExchange)
		return
	}
	got := c.Query("state")
	if state == "" || got == "" || subtle.ConstantTimeCompare([]byte(state), []byte(got)) != 1 {
		badRequest(c, "OAuth state mismatch.")
		return
	}

	res, err := h.engine.OAuthLogin(c.Request.Context(), provider, c.Query("code"), verifier, deviceOf(c), c.ClientIP())
	if err != nil {
		h.respondError(c, err)
		return
	}
	body := h.respondLogin(c, &res.LoginResult)
	body.Created, body.Linked = res.Created, res.Linked
	c.JSON(http.StatusOK, body)
}

func (h *Handler) OAuthProviders(c *gin.Context) {
	names := h.engine.OAuthProviderNames()
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"providers": names})
}

func (h *Handler) LinkedAccounts(c *gin.Context) {
	p, _ := principalOf(c)
	links, err := h.engine.LinkedAccounts(c.Request.Context(), p.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if links == nil {
		links = []oauth.LinkedAccount{}
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (h *Handler) Unlink(c *gin.Context) {
	p, _ := principalOf(c)
	if err := h.engine.UnlinkOAuth(c.Request.Context(), p.IdentityID, c.Param("provider")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
