package authcore

import (
	"errors"
	"fmt"
	"testing"
)

func TestEverySentinelHasOneClass(t *testing.T) {
	classes := []error{ErrValidation, ErrConflict, ErrUnauthorized, ErrNotFound, ErrUpstream}
	sentinels := []error{
		ErrInvalidEmail, ErrPasswordPolicy, ErrInvalidRequest, ErrInvalidProfile, ErrUnknownProvider,
		ErrEmailTaken, ErrProviderInUse, ErrLastAuthMethod, ErrTwoFactorEnabled, ErrTwoFactorStep, ErrTwoFactorConflict,
		ErrInvalidCredentials, ErrEmailNotVerified, ErrInvalidRefreshToken, ErrRefreshTokenReused,
		ErrInvalidAccessToken, ErrAccessTokenExpired, ErrAccessTokenRevoked, ErrInvalidTwoFactor, ErrOAuthExchange,
		ErrVerificationTokenInvalid, ErrResetTokenInvalid, ErrIdentityNotFound, ErrSessionNotFound,
		ErrLinkNotFound, ErrNoEnrollment, ErrTwoFactorNotEnabled, ErrEngineNotReady, ErrTwoFactorLocked,
	}
	for _, s := range sentinels {
		n := 0
		for _, c := range classes {
			if errors.Is(s, c) {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("%v belongs to %d classes", s, n)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		nil:           KindNone,
		ErrEmailTaken: KindConflict,
		fmt.Errorf("wrap: %w", ErrEmailNotVerified): KindUnauthorized,
		ErrResetTokenInvalid:                        KindNotFound,
		ErrPasswordPolicy:                           KindValidation,
		upstream("redis", errors.New("boom")):       KindUpstream,
		errors.New("unclassified"):                  KindUpstream,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := upstream("session.create", cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected both class and cause in chain: %v", err)
	}
}
