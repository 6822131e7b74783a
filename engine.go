package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/oauth"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/revocation"
	"github.com/mtracking/authcore/session"
	"github.com/mtracking/authcore/token"
	"github.com/mtracking/authcore/twofactor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Mailer sends transactional email without reporting delivery errors.
// mail.Dispatcher implements it.
type Mailer interface {
	SendVerification(ctx context.Context, to, name, token string)
	SendPasswordReset(ctx context.Context, to, name, token string)
}

type logMailer struct {
	log *zap.Logger
}

func (m logMailer) SendVerification(_ context.Context, to, _, _ string) {
	m.log.Debug("no mailer configured, verification email skipped", zap.String("to", to))
}

func (m logMailer) SendPasswordReset(_ context.Context, to, _, _ string) {
	m.log.Debug("no mailer configured, reset email skipped", zap.String("to", to))
}

// Engine orchestrates registration, login, token rotation, OAuth linking and
// two-factor enrollment. It is safe for concurrent use after Build.
type Engine struct {
	config         Config
	hasher         *password.Hasher
	dummyHash      string
	issuer         *token.Issuer
	registry       revocation.Registry
	sessions       *session.Store
	repo           identity.Repository
	linker         *oauth.Linker
	twoFactor      *twofactor.Manager
	challenges     *loginChallengeStore
	codes          *codeLimiter
	mails          *mailLimiter
	mailer         Mailer
	log            *zap.Logger
	metrics        Recorder
	auditSink      AuditSink
	customRegistry bool
	providers      OAuthProviders
	tracer         trace.Tracer
	now            func() time.Time
}

// begin opens a span for op. The returned func ends it, records err and
// observes latency.
func (e *Engine) begin(ctx context.Context, op Operation, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authcore."+string(op), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
		}
		span.End()
		e.metrics.ObserveLatency(op, time.Since(start), err)
	}
}

// JWKS returns the public key set resource servers use to verify access
// tokens.
func (e *Engine) JWKS() jose.JSONWebKeySet {
	return e.issuer.JWKS()
}

// AccessTTL is the lifetime of issued access tokens.
func (e *Engine) AccessTTL() time.Duration { return e.config.JWT.AccessTTL }

// RefreshTTL is the lifetime of issued refresh tokens and of sessions.
func (e *Engine) RefreshTTL() time.Duration { return e.config.JWT.RefreshTTL }

// Ping checks the Redis backend.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.sessions.Ping(ctx); err != nil {
		return upstream("session.ping", err)
	}
	return nil
}

// VerifyAccess authenticates an access token: signature, expiry, issuer and
// audience, then the revocation registry for the token and its session. A
// registry failure is an Upstream error and never a success.
func (e *Engine) VerifyAccess(ctx context.Context, raw string) (p *Principal, err error) {
	ctx, done := e.begin(ctx, OpVerifyAccess)
	defer func() { done(err) }()

	claims, err := e.issuer.VerifyAccess(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrTokenExpired):
		return nil, ErrAccessTokenExpired
	case errors.Is(err, token.ErrTokenRevoked):
		return nil, ErrAccessTokenRevoked
	case errors.Is(err, token.ErrRegistryUnavailable):
		return nil, upstream("revocation.check", err)
	default:
		return nil, ErrInvalidAccessToken
	}
	return &Principal{
		IdentityID: claims.Subject,
		Email:      claims.Email,
		Roles:      claims.Roles,
		SessionID:  claims.SessionID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// openSession creates a session for who and issues its first token pair.
func (e *Engine) openSession(ctx context.Context, who *identity.Identity, device DeviceInfo, ip string) (*Tokens, error) {
	sessionID := uuid.NewString()
	refresh, err := e.issuer.IssueRefresh(who.ID, sessionID, 1)
	if err != nil {
		return nil, upstream("token.refresh", err)
	}
	access, err := e.issuer.IssueAccess(subjectOf(who), sessionID)
	if err != nil {
		return nil, upstream("token.access", err)
	}
	if _, err := e.sessions.Create(ctx, sessionID, who.ID, refresh, device, ip); err != nil {
		return nil, upstream("session.create", err)
	}
	e.metrics.Inc(MetricSessionCreated)
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    e.issuer.AccessTTL(),
		SessionID:    sessionID,
	}, nil
}

func subjectOf(who *identity.Identity) token.Subject {
	return token.Subject{ID: who.ID, Email: who.Email, Roles: who.Roles}
}

// loadIdentity maps repository errors for flows where the caller is already
// authenticated.
func (e *Engine) loadIdentity(ctx context.Context, identityID string) (*identity.Identity, error) {
	who, err := e.repo.IdentityByID(ctx, identityID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, upstream("identity.load", err)
	}
	return who, nil
}

// issueSingleUse stores the digest of a fresh token and returns the raw value
// for the email link.
func (e *Engine) issueSingleUse(ctx context.Context, identityID string, kind identity.TokenKind, ttl time.Duration) (string, error) {
	raw, err := password.GenerateToken()
	if err != nil {
		return "", err
	}
	err = e.repo.CreateToken(ctx, &identity.SingleUseToken{
		IdentityID: identityID,
		Kind:       kind,
		Digest:     password.Digest(raw),
		ExpiresAt:  e.now().Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

func policyError(err error) error {
	return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
}
