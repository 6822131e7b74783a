package authcore

import (
	"context"
	"errors"
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/password"
	"go.uber.org/zap"
)

const maxDisplayName = 100

// validEmail normalizes s and reports whether it is a bare RFC 5322 address.
func validEmail(s string) (string, bool) {
	s = identity.NormalizeEmail(s)
	if s == "" || len(s) > 254 {
		return "", false
	}
	addr, err := netmail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}

// Register creates an identity with a password credential and sends an email
// verification link. The identity cannot log in until the email is verified.
// Mail delivery is best effort: a send failure never fails registration.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (out *PublicIdentity, err error) {
	ctx, done := e.begin(ctx, OpRegister)
	defer func() { done(err) }()

	email, ok := validEmail(req.Email)
	if !ok {
		return nil, ErrInvalidEmail
	}
	name := strings.TrimSpace(req.DisplayName)
	if utf8.RuneCountInString(name) > maxDisplayName {
		return nil, ErrInvalidRequest
	}
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	if err := e.hasher.CheckPolicy(req.Password); err != nil {
		return nil, policyError(err)
	}

	switch _, err := e.repo.IdentityByEmail(ctx, email); {
	case err == nil:
		e.metrics.Inc(MetricRegisterDuplicate)
		return nil, ErrEmailTaken
	case !errors.Is(err, identity.ErrNotFound):
		return nil, upstream("identity.lookup", err)
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, policyError(err)
	}
	who := &identity.Identity{
		Email:          email,
		CredentialHash: hash,
		DisplayName:    name,
		Roles:          []string{e.config.OAuth.DefaultRole},
	}
	if err := e.repo.CreateIdentity(ctx, who); err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			e.metrics.Inc(MetricRegisterDuplicate)
			return nil, ErrEmailTaken
		}
		return nil, upstream("identity.create", err)
	}
	e.metrics.Inc(MetricRegisterSuccess)

	e.sendVerification(ctx, who)
	pub := publicIdentity(who)
	return &pub, nil
}

func (e *Engine) sendVerification(ctx context.Context, who *identity.Identity) {
	raw, err := e.issueSingleUse(ctx, who.ID, identity.KindEmailVerification, e.config.Tokens.VerificationTTL)
	if err != nil {
		e.log.Warn("verification token not issued", zap.String("identity_id", who.ID), zap.Error(err))
		return
	}
	e.mailer.SendVerification(ctx, who.Email, who.DisplayName, raw)
}

// VerifyEmail consumes a verification token and marks its identity verified.
// Unknown, used and expired tokens are indistinguishable.
func (e *Engine) VerifyEmail(ctx context.Context, raw string) (err error) {
	ctx, done := e.begin(ctx, OpVerifyEmail)
	defer func() { done(err) }()

	if raw == "" {
		e.metrics.Inc(MetricEmailVerificationFailed)
		return ErrVerificationTokenInvalid
	}
	tok, err := e.repo.ConsumeToken(ctx, identity.KindEmailVerification, password.Digest(raw), e.now())
	if errors.Is(err, identity.ErrTokenUnusable) {
		e.metrics.Inc(MetricEmailVerificationFailed)
		return ErrVerificationTokenInvalid
	}
	if err != nil {
		return upstream("token.consume", err)
	}
	if err := e.repo.MarkEmailVerified(ctx, tok.IdentityID); err != nil {
		return upstream("identity.verify", err)
	}
	e.metrics.Inc(MetricEmailVerified)
	e.audit(ctx, AuditEvent{Type: AuditEmailVerified, IdentityID: tok.IdentityID, Success: true})
	return nil
}

// ResendVerification issues a fresh verification token when email belongs to
// an unverified identity. It returns nil for unknown and verified addresses
// alike.
func (e *Engine) ResendVerification(ctx context.Context, email string) error {
	email, ok := validEmail(email)
	if !ok {
		return ErrInvalidEmail
	}
	who, err := e.repo.IdentityByEmail(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		return nil
	}
	if err != nil {
		return upstream("identity.lookup", err)
	}
	if who.EmailVerified {
		return nil
	}
	allowed, err := e.mails.Allow(ctx, "verify", email)
	if err != nil {
		return upstream("mail.limit", err)
	}
	if !allowed {
		e.metrics.Inc(MetricMailThrottled)
		return nil
	}
	e.sendVerification(ctx, who)
	return nil
}

// Me returns the public view of an identity.
func (e *Engine) Me(ctx context.Context, identityID string) (*PublicIdentity, error) {
	who, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	pub := publicIdentity(who)
	return &pub, nil
}
