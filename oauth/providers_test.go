package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "gh-access",
			"refresh_token": "gh-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id": 4242, "login": "ada", "name": "", "avatar_url": "https://img/a.png"}`))
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "Ada@Example.com", "primary": true, "verified": true}
		]`))
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-access" || r.URL.Query().Get("fields") != "id,name,email,picture" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"id": "fb-77", "name": "Ada L", "email": "Ada@Example.com",
			"picture": {"data": {"url": "https://img/fb.png"}}}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub": "g-1", "email": "g@example.com", "email_verified": false, "name": "G", "picture": ""}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testProviders(t *testing.T, srv *httptest.Server) *Providers {
	t.Helper()
	p, err := NewProviders(map[string]ProviderConfig{
		ProviderGitHub: {
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURL:  "https://app/auth/oauth/github/callback",
			AuthURL:      srv.URL + "/authorize",
			TokenURL:     srv.URL + "/token",
			UserInfoURL:  srv.URL + "/user",
			EmailsURL:    srv.URL + "/user/emails",
		},
		ProviderGoogle: {
			ClientID:    "gid",
			TokenURL:    srv.URL + "/token",
			UserInfoURL: srv.URL + "/userinfo",
		},
		ProviderFacebook: {
			ClientID:    "fid",
			TokenURL:    srv.URL + "/token",
			UserInfoURL: srv.URL + "/me",
		},
		"unconfigured": {},
	})
	require.NoError(t, err)
	return p
}

func TestExchangeGitHub(t *testing.T) {
	p := testProviders(t, fakeProvider(t))

	profile, err := p.Exchange(context.Background(), "GitHub", "good-code", NewVerifier())
	require.NoError(t, err)
	require.Equal(t, Profile{
		Provider:      "github",
		ProviderID:    "4242",
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "ada",
		AvatarURL:     "https://img/a.png",
		AccessToken:   "gh-access",
		RefreshToken:  "gh-refresh",
	}, *profile)
}

func TestExchangeGoogle(t *testing.T) {
	p := testProviders(t, fakeProvider(t))

	profile, err := p.Exchange(context.Background(), "google", "good-code", "")
	require.NoError(t, err)
	require.Equal(t, "g-1", profile.ProviderID)
	require.False(t, profile.EmailVerified)
}

func TestExchangeFacebook(t *testing.T) {
	p := testProviders(t, fakeProvider(t))

	profile, err := p.Exchange(context.Background(), "facebook", "good-code", NewVerifier())
	require.NoError(t, err)
	require.Equal(t, Profile{
		Provider:     "facebook",
		ProviderID:   "fb-77",
		Email:        "ada@example.com",
		Name:         "Ada L",
		AvatarURL:    "https://img/fb.png",
		AccessToken:  "gh-access",
		RefreshToken: "gh-refresh",
	}, *profile)
}

func TestFacebookScopes(t *testing.T) {
	p, err := NewProviders(map[string]ProviderConfig{ProviderFacebook: {ClientID: "fid"}})
	require.NoError(t, err)

	raw, err := p.AuthCodeURL("facebook", "state-1", "")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "www.facebook.com", u.Host)
	require.Equal(t, "email public_profile", u.Query().Get("scope"))
}

func TestExchangeFailures(t *testing.T) {
	p := testProviders(t, fakeProvider(t))
	ctx := context.Background()

	_, err := p.Exchange(ctx, "github", "bad-code", "")
	require.ErrorIs(t, err, ErrExchange)

	_, err = p.Exchange(ctx, "twitter", "good-code", "")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = p.Exchange(ctx, "github", " ", "")
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestAuthCodeURL(t *testing.T) {
	p := testProviders(t, fakeProvider(t))
	require.Equal(t, []string{"facebook", "github", "google"}, p.Names())

	raw, err := p.AuthCodeURL("github", "state-1", NewVerifier())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "cid", q.Get("client_id"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.True(t, strings.Contains(q.Get("scope"), "user:email"))

	_, err = NewProviders(map[string]ProviderConfig{"myspace": {ClientID: "x"}})
	require.ErrorIs(t, err, ErrUnknownProvider)
}
