package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mtracking/authcore"
)

// Verifier checks an access token. *authcore.Engine implements it.
type Verifier interface {
	VerifyAccess(ctx context.Context, raw string) (*authcore.Principal, error)
}

// Require rejects requests without a valid bearer access token and attaches
// the principal to the request context for next. A revocation store outage
// is answered with 503, never by letting the request through.
func Require(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			principal, err := v.VerifyAccess(r.Context(), token)
			if err != nil {
				if authcore.KindOf(err) == authcore.KindUpstream {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(authcore.WithPrincipal(r.Context(), principal)))
		})
	}
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(value string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
