package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mtracking/authcore"
)

type stubVerifier struct {
	principal *authcore.Principal
	err       error
	seen      string
}

func (s *stubVerifier) VerifyAccess(_ context.Context, raw string) (*authcore.Principal, error) {
	s.seen = raw
	return s.principal, s.err
}

func serve(t *testing.T, v Verifier, header string) (*httptest.ResponseRecorder, *authcore.Principal) {
	t.Helper()
	var got *authcore.Principal
	h := Require(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = authcore.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestRequireInjectsPrincipal(t *testing.T) {
	v := &stubVerifier{principal: &authcore.Principal{IdentityID: "id-1", SessionID: "sid-1"}}
	rec, got := serve(t, v, "bearer abc.def.ghi")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if v.seen != "abc.def.ghi" {
		t.Fatalf("verifier saw %q", v.seen)
	}
	if got == nil || got.IdentityID != "id-1" {
		t.Fatalf("principal not injected: %+v", got)
	}
}

func TestRequireRejects(t *testing.T) {
	cases := map[string]struct {
		v      Verifier
		header string
		want   int
	}{
		"missing header": {&stubVerifier{}, "", http.StatusUnauthorized},
		"basic scheme":   {&stubVerifier{}, "Basic dXNlcjpwdw==", http.StatusUnauthorized},
		"empty token":    {&stubVerifier{}, "Bearer   ", http.StatusUnauthorized},
		"invalid token":  {&stubVerifier{err: authcore.ErrInvalidAccessToken}, "Bearer x", http.StatusUnauthorized},
		"store down":     {&stubVerifier{err: fmt.Errorf("%w: redis", authcore.ErrUpstream)}, "Bearer x", http.StatusServiceUnavailable},
		"nil verifier":   {nil, "Bearer x", http.StatusUnauthorized},
	}
	for name, tc := range cases {
		rec, got := serve(t, tc.v, tc.header)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", name, rec.Code, tc.want)
		}
		if got != nil {
			t.Fatalf("%s: handler must not run", name)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if _, ok := BearerToken("Bearer"); ok {
		t.Fatal("scheme without token accepted")
	}
	tok, ok := BearerToken("  Bearer token-1 ")
	if !ok || tok != "token-1" {
		t.Fatalf("got %q %v", tok, ok)
	}
}
