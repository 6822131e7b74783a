package authcore

import (
	"context"
	"errors"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/password"
	"go.uber.org/zap"
)

// ForgotPassword emails a reset link when email belongs to an identity. The
// result is the same for unknown addresses so callers cannot probe for
// accounts.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (err error) {
	ctx, done := e.begin(ctx, OpForgotPassword)
	defer func() { done(err) }()

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
	allowed, err := e.mails.Allow(ctx, "reset", email)
	if err != nil {
		return upstream("mail.limit", err)
	}
	if !allowed {
		e.metrics.Inc(MetricMailThrottled)
		return nil
	}

	raw, err := e.issueSingleUse(ctx, who.ID, identity.KindPasswordReset, e.config.Tokens.ResetTTL)
	if err != nil {
		return upstream("token.create", err)
	}
	e.metrics.Inc(MetricPasswordResetRequest)
	e.mailer.SendPasswordReset(ctx, who.Email, who.DisplayName, raw)
	return nil
}

// ResetPassword consumes a reset token, stores the new password and logs the
// identity out everywhere. The password is checked before the token is
// consumed, so a rejected password leaves the token usable. A successful
// reset also proves control of the mailbox and marks the email verified.
func (e *Engine) ResetPassword(ctx context.Context, raw, newPassword string) (err error) {
	ctx, done := e.begin(ctx, OpResetPassword)
	defer func() { done(err) }()

	if raw == "" {
		e.metrics.Inc(MetricPasswordResetFailed)
		return ErrResetTokenInvalid
	}
	if err := e.hasher.CheckPolicy(newPassword); err != nil {
		return policyError(err)
	}
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return policyError(err)
	}

	tok, err := e.repo.ConsumeToken(ctx, identity.KindPasswordReset, password.Digest(raw), e.now())
	if errors.Is(err, identity.ErrTokenUnusable) {
		e.metrics.Inc(MetricPasswordResetFailed)
		return ErrResetTokenInvalid
	}
	if err != nil {
		return upstream("token.consume", err)
	}
	if err := e.repo.SetCredentialHash(ctx, tok.IdentityID, hash); err != nil {
		return upstream("identity.credential", err)
	}
	if err := e.repo.MarkEmailVerified(ctx, tok.IdentityID); err != nil {
		e.log.Warn("mark verified after reset failed", zap.String("identity_id", tok.IdentityID), zap.Error(err))
	}
	if err := e.LogoutAllDevices(ctx, tok.IdentityID); err != nil {
		return err
	}
	e.metrics.Inc(MetricPasswordResetSuccess)
	e.audit(ctx, AuditEvent{Type: AuditPasswordReset, IdentityID: tok.IdentityID, Success: true})
	return nil
}
