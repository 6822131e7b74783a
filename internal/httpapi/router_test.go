package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/internal/ratelimit"
	"github.com/mtracking/authcore/internal/secretbox"
	"github.com/mtracking/authcore/oauth"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/token"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

type outbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (o *outbox) SendVerification(_ context.Context, to, _, tok string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens["verify:"+to] = tok
}

func (o *outbox) SendPasswordReset(_ context.Context, to, _, tok string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens["reset:"+to] = tok
}

func (o *outbox) get(key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokens[key]
}

type fakeProviders struct {
	profile oauth.Profile
}

func (f *fakeProviders) AuthCodeURL(name, state, verifier string) (string, error) {
	if name != oauth.ProviderGitHub {
		return "", oauth.ErrUnknownProvider
	}
	return "https://github.example/login?state=" + url.QueryEscape(state), nil
}

func (f *fakeProviders) Exchange(_ context.Context, name, code, verifier string) (*oauth.Profile, error) {
	if code != "good-code" || verifier == "" {
		return nil, oauth.ErrExchange
	}
	p := f.profile
	return &p, nil
}

func (f *fakeProviders) Names() []string { return []string{oauth.ProviderGitHub} }

type apiFixture struct {
	router *gin.Engine
	mr     *miniredis.Miniredis
	mail   *outbox
}

type fixtureOptions struct {
	failures int
	rpm      int
}

func newAPI(t *testing.T, opts fixtureOptions) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	box, err := secretbox.FromHex("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningMethod = token.MethodEdDSA
	cfg.JWT.PrivateKey = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	cfg.JWT.RefreshSecret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32, MinLength: 12}

	mail := &outbox{tokens: map[string]string{}}
	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithRepository(identity.NewMemoryRepository()).
		WithSealer(box).
		WithMailer(mail).
		WithOAuthProviders(&fakeProviders{profile: oauth.Profile{
			Provider:      oauth.ProviderGitHub,
			ProviderID:    "gh-42",
			Email:         "octo@example.com",
			EmailVerified: true,
			Name:          "Octo",
			AccessToken:   "gh-access",
		}}).
		Build()
	require.NoError(t, err)

	failures := ratelimit.NewFailures(rdb, "test", ratelimit.FailureConfig{MaxAttempts: opts.failures, Window: time.Minute})
	h := NewHandler(engine, failures, CookieConfig{Secure: true}, nil)
	router := NewRouter(h, RouterOptions{Limiter: ratelimit.NewPerClient(opts.rpm)})
	return &apiFixture{router: router, mr: mr, mail: mail}
}

type requestOption func(*http.Request)

func bearer(tok string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withCookie(c *http.Cookie) requestOption {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value}) }
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (f *apiFixture) signUp(t *testing.T, email string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/register", gin.H{"email": email, "password": testPassword, "name": "Test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/auth/verify-email", gin.H{"token": f.mail.get("verify:" + email)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *apiFixture) signIn(t *testing.T, email string) (string, *http.Cookie) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/login", gin.H{"email": email, "password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	cookie := cookieNamed(rec, refreshCookie)
	require.NotNil(t, cookie)
	return body["accessToken"].(string), cookie
}

func TestRegisterVerifyLoginMe(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "ada@example.com")

	rec := f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "ada@example.com", "password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "Bearer", body["tokenType"])
	require.EqualValues(t, 900, body["expiresIn"])
	require.NotContains(t, rec.Body.String(), "refreshToken")

	cookie := cookieNamed(rec, refreshCookie)
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)
	require.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	require.Equal(t, "/auth", cookie.Path)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/auth/me", nil, bearer(body["accessToken"].(string)))
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	require.Equal(t, "ada@example.com", user["email"])
	require.Equal(t, true, user["emailVerified"])
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "grace@example.com")

	rec := f.do(t, http.MethodPost, "/auth/register", gin.H{"email": "grace@example.com", "password": testPassword})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/register", gin.H{"email": "not-an-email", "password": testPassword})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "nobody@example.com", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/auth/register", gin.H{"email": "late@example.com", "password": testPassword})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "late@example.com", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "email_not_verified", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/auth/verify-email", gin.H{"token": "unknown"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/login", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRotatesCookieAndRejectsReplay(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "linus@example.com")
	_, first := f.signIn(t, "linus@example.com")

	rec := f.do(t, http.MethodPost, "/auth/refresh", nil, withCookie(first))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := cookieNamed(rec, refreshCookie)
	require.NotNil(t, second)
	require.NotEqual(t, first.Value, second.Value)

	rec = f.do(t, http.MethodPost, "/auth/refresh", nil, withCookie(first))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := cookieNamed(rec, refreshCookie)
	require.NotNil(t, cleared)
	require.Less(t, cleared.MaxAge, 0)

	// Reuse ended the session, so the rotated token is dead too.
	rec = f.do(t, http.MethodPost, "/auth/refresh", nil, withCookie(second))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshAcceptsJSONBody(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "body@example.com")
	_, cookie := f.signIn(t, "body@example.com")

	rec := f.do(t, http.MethodPost, "/auth/refresh", gin.H{"refreshToken": cookie.Value})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "bye@example.com")
	access, cookie := f.signIn(t, "bye@example.com")

	rec := f.do(t, http.MethodPost, "/auth/logout", nil, bearer(access), withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Less(t, cookieNamed(rec, refreshCookie).MaxAge, 0)

	rec = f.do(t, http.MethodGet, "/auth/me", nil, bearer(access))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/refresh", nil, withCookie(cookie))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionsListAndRevoke(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "multi@example.com")
	access, _ := f.signIn(t, "multi@example.com")
	otherAccess, _ := f.signIn(t, "multi@example.com")

	rec := f.do(t, http.MethodGet, "/auth/sessions", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 2)

	var other string
	for _, s := range sessions {
		entry := s.(map[string]any)
		if entry["current"] != true {
			other = entry["id"].(string)
		}
	}
	require.NotEmpty(t, other)

	rec = f.do(t, http.MethodDelete, "/auth/sessions/"+other, nil, bearer(access))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/auth/me", nil, bearer(otherAccess))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/auth/sessions/"+other, nil, bearer(access))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProtectedRoutesNeedBearer(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	for _, path := range []string{"/auth/me", "/auth/sessions", "/auth/oauth/links", "/auth/2fa/status"} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"), path)
	}
	rec := f.do(t, http.MethodGet, "/auth/me", nil, bearer("garbage"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginFailuresAreLimited(t *testing.T) {
	f := newAPI(t, fixtureOptions{failures: 2})
	f.signUp(t, "brute@example.com")

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "brute@example.com", "password": "wrong password!"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "brute@example.com", "password": testPassword})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestThrottle(t *testing.T) {
	f := newAPI(t, fixtureOptions{rpm: 1})
	rec := f.do(t, http.MethodPost, "/auth/forgot-password", gin.H{"email": "x@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/forgot-password", gin.H{"email": "x@example.com"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Infrastructure routes are not throttled.
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPasswordResetOverHTTP(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "reset@example.com")
	access, _ := f.signIn(t, "reset@example.com")

	rec := f.do(t, http.MethodPost, "/auth/forgot-password", gin.H{"email": "reset@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/forgot-password", gin.H{"email": "ghost@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/reset-password", gin.H{
		"token":    f.mail.get("reset:reset@example.com"),
		"password": "a brand new passphrase",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/auth/me", nil, bearer(access))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/login", gin.H{"email": "reset@example.com", "password": "a brand new passphrase"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOAuthStartAndCallback(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/auth/oauth/github", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	state := cookieNamed(rec, stateCookie)
	verifier := cookieNamed(rec, verifierCookie)
	require.NotNil(t, state)
	require.NotNil(t, verifier)
	require.Equal(t, http.SameSiteLaxMode, state.SameSite)
	require.True(t, strings.Contains(rec.Header().Get("Location"), url.QueryEscape(state.Value)))

	rec = f.do(t, http.MethodGet, "/auth/oauth/github/callback?code=good-code&state=forged", nil, withCookie(state), withCookie(verifier))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/oauth/github/callback?code=bad-code&state="+url.QueryEscape(state.Value), nil, withCookie(state), withCookie(verifier))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/oauth/github/callback?code=good-code&state="+url.QueryEscape(state.Value), nil, withCookie(state), withCookie(verifier))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, true, body["created"])
	require.NotNil(t, cookieNamed(rec, refreshCookie))

	access := body["accessToken"].(string)
	rec = f.do(t, http.MethodGet, "/auth/oauth/links", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["links"].([]any), 1)

	// The only way in cannot be removed.
	rec = f.do(t, http.MethodDelete, "/auth/oauth/links/github", nil, bearer(access))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/oauth/gitlab", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/oauth/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"github"}, decode(t, rec)["providers"])
}

func TestTwoFactorEnrollmentOverHTTP(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.signUp(t, "totp@example.com")
	access, _ := f.signIn(t, "totp@example.com")

	rec := f.do(t, http.MethodPost, "/auth/2fa/begin", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	setup := decode(t, rec)
	require.Equal(t, "qr", setup["state"])
	require.Contains(t, setup["otpauthUri"], "otpauth://totp/")

	rec = f.do(t, http.MethodPost, "/auth/2fa/confirm", nil, bearer(access))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/2fa/proceed", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "verify", decode(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/auth/2fa/verify", gin.H{}, bearer(access))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/2fa/cancel", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/2fa/status", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode(t, rec)["enabled"])
}

func TestJWKSAndHealth(t *testing.T) {
	f := newAPI(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	keys := decode(t, rec)["keys"].([]any)
	require.Len(t, keys, 1)
	require.NotContains(t, keys[0].(map[string]any), "d")

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.mr.Close()
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
