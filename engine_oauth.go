package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/mtracking/authcore/oauth"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OAuthProviders runs the authorization-code exchange with upstream
// providers. *oauth.Providers implements it.
type OAuthProviders interface {
	AuthCodeURL(name, state, verifier string) (string, error)
	Exchange(ctx context.Context, name, code, verifier string) (*oauth.Profile, error)
	Names() []string
}

func oauthError(op string, err error) error {
	switch {
	case errors.Is(err, oauth.ErrInvalidProfile):
		return ErrInvalidProfile
	case errors.Is(err, oauth.ErrUnknownProvider):
		return ErrUnknownProvider
	case errors.Is(err, oauth.ErrEmailTaken):
		return ErrEmailTaken
	case errors.Is(err, oauth.ErrProviderInUse):
		return ErrProviderInUse
	case errors.Is(err, oauth.ErrLinkNotFound):
		return ErrLinkNotFound
	case errors.Is(err, oauth.ErrLastAuthMethod):
		return ErrLastAuthMethod
	case errors.Is(err, oauth.ErrExchange):
		return ErrOAuthExchange
	default:
		return upstream(op, err)
	}
}

// OAuthCallback resolves a provider profile to an identity, linking or
// creating as needed, and then logs it in exactly as Login does.
func (e *Engine) OAuthCallback(ctx context.Context, profile oauth.Profile, device DeviceInfo, ip string) (res *OAuthResult, err error) {
	ctx, done := e.begin(ctx, OpOAuthCallback, attribute.String("oauth.provider", profile.Provider))
	defer func() { done(err) }()

	resolved, err := e.linker.HandleCallback(ctx, profile)
	if err != nil {
		return nil, oauthError("oauth.callback", err)
	}
	switch {
	case resolved.Created:
		e.metrics.Inc(MetricOAuthIdentityCreated)
	case resolved.Linked:
		e.metrics.Inc(MetricOAuthLinked)
	}

	who := resolved.Identity
	out := &OAuthResult{Created: resolved.Created, Linked: resolved.Linked}
	out.Identity = publicIdentity(who)
	defer func() {
		if err == nil {
			e.audit(ctx, AuditEvent{
				Type:       AuditOAuthLogin,
				IdentityID: who.ID,
				SessionID:  out.SessionID,
				IP:         ip,
				Success:    true,
				Metadata: map[string]string{
					"provider": profile.Provider,
					"created":  strconv.FormatBool(out.Created),
					"linked":   strconv.FormatBool(out.Linked),
				},
			})
		}
	}()

	if who.TwoFactorEnabled {
		challenge, err := e.startChallenge(ctx, who.ID, device, ip)
		if err != nil {
			return nil, err
		}
		out.TwoFactorRequired, out.Challenge = true, challenge
		return out, nil
	}

	tokens, err := e.openSession(ctx, who, device, ip)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricOAuthLogin)
	out.Tokens = *tokens
	return out, nil
}

// UnlinkOAuth removes the identity's link to provider. The last way to
// authenticate cannot be removed.
func (e *Engine) UnlinkOAuth(ctx context.Context, identityID, provider string) error {
	if err := e.linker.Unlink(ctx, identityID, provider); err != nil {
		return oauthError("oauth.unlink", err)
	}
	e.metrics.Inc(MetricOAuthUnlinked)
	e.audit(ctx, AuditEvent{
		Type:       AuditOAuthUnlinked,
		IdentityID: identityID,
		Success:    true,
		Metadata:   map[string]string{"provider": provider},
	})
	return nil
}

// LinkedAccounts lists the identity's provider links without tokens.
func (e *Engine) LinkedAccounts(ctx context.Context, identityID string) ([]oauth.LinkedAccount, error) {
	if _, err := e.loadIdentity(ctx, identityID); err != nil {
		return nil, err
	}
	links, err := e.linker.Links(ctx, identityID)
	if err != nil {
		return nil, oauthError("oauth.links", err)
	}
	return links, nil
}

// OAuthProviderNames lists the configured providers.
func (e *Engine) OAuthProviderNames() []string {
	if e.providers == nil {
		return nil
	}
	return e.providers.Names()
}

// OAuthAuthURL returns the consent URL for provider. state and verifier are
// kept by the caller until the callback.
func (e *Engine) OAuthAuthURL(provider, state, verifier string) (string, error) {
	if e.providers == nil {
		return "", ErrUnknownProvider
	}
	url, err := e.providers.AuthCodeURL(provider, state, verifier)
	if err != nil {
		return "", oauthError("oauth.auth_url", err)
	}
	return url, nil
}

// OAuthLogin exchanges an authorization code and continues as OAuthCallback.
func (e *Engine) OAuthLogin(ctx context.Context, provider, code, verifier string, device DeviceInfo, ip string) (*OAuthResult, error) {
	if e.providers == nil {
		return nil, ErrUnknownProvider
	}
	profile, err := e.providers.Exchange(ctx, provider, code, verifier)
	if err != nil {
		e.log.Warn("oauth exchange failed", zap.String("provider", provider), zap.Error(err))
		return nil, oauthError("oauth.exchange", err)
	}
	return e.OAuthCallback(ctx, *profile, device, ip)
}
