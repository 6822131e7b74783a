package authcore

import (
	"context"
	"errors"

	"github.com/mtracking/authcore/twofactor"
	"go.uber.org/zap"
)

func twoFactorError(op string, err error) error {
	switch {
	case errors.Is(err, twofactor.ErrNoEnrollment):
		return ErrNoEnrollment
	case errors.Is(err, twofactor.ErrInvalidTransition):
		return ErrTwoFactorStep
	case errors.Is(err, twofactor.ErrInvalidCode):
		return ErrInvalidTwoFactor
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return ErrTwoFactorEnabled
	case errors.Is(err, twofactor.ErrNotEnabled):
		return ErrTwoFactorNotEnabled
	case errors.Is(err, twofactor.ErrConflict):
		return ErrTwoFactorConflict
	default:
		return upstream(op, err)
	}
}

// BeginTwoFactor starts enrollment at the qr step and returns the secret and
// otpauth URI to show. Calling it again restarts enrollment.
func (e *Engine) BeginTwoFactor(ctx context.Context, identityID string) (setup *twofactor.Setup, err error) {
	ctx, done := e.begin(ctx, OpTwoFactor)
	defer func() { done(err) }()

	who, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	setup, err = e.twoFactor.Begin(ctx, who)
	if err != nil {
		return nil, twoFactorError("twofactor.begin", err)
	}
	return setup, nil
}

// ProceedTwoFactor moves from qr to verify.
func (e *Engine) ProceedTwoFactor(ctx context.Context, identityID string) (twofactor.State, error) {
	state, err := e.twoFactor.Proceed(ctx, identityID)
	if err != nil {
		return "", twoFactorError("twofactor.proceed", err)
	}
	return state, nil
}

// VerifyTwoFactor checks the first TOTP code and returns the backup codes.
// They are shown once and only their digests are kept.
func (e *Engine) VerifyTwoFactor(ctx context.Context, identityID, code string) (codes []string, err error) {
	ctx, done := e.begin(ctx, OpTwoFactor)
	defer func() { done(err) }()

	if err := e.takeCodeAttempt(ctx, identityID); err != nil {
		return nil, err
	}
	codes, err = e.twoFactor.Verify(ctx, identityID, code)
	if err != nil {
		e.codeRejected(ctx, identityID, err)
		return nil, twoFactorError("twofactor.verify", err)
	}
	e.codeAccepted(ctx, identityID)
	return codes, nil
}

// BackTwoFactor returns from verify to qr.
func (e *Engine) BackTwoFactor(ctx context.Context, identityID string) (*twofactor.Setup, error) {
	setup, err := e.twoFactor.Back(ctx, identityID)
	if err != nil {
		return nil, twoFactorError("twofactor.back", err)
	}
	return setup, nil
}

// ConfirmTwoFactor finishes enrollment once the backup codes were saved.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, identityID string) error {
	if err := e.twoFactor.Confirm(ctx, identityID); err != nil {
		return twoFactorError("twofactor.confirm", err)
	}
	e.metrics.Inc(MetricTwoFactorEnabled)
	e.audit(ctx, AuditEvent{Type: AuditTwoFactorEnabled, IdentityID: identityID, Success: true})
	return nil
}

// CancelTwoFactor abandons enrollment at any step before enabled.
func (e *Engine) CancelTwoFactor(ctx context.Context, identityID string) error {
	if err := e.twoFactor.Cancel(ctx, identityID); err != nil {
		return twoFactorError("twofactor.cancel", err)
	}
	e.metrics.Inc(MetricTwoFactorCancelled)
	return nil
}

// TwoFactorStatus reports the enrollment state and remaining backup codes.
func (e *Engine) TwoFactorStatus(ctx context.Context, identityID string) (*twofactor.Status, error) {
	who, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	status, err := e.twoFactor.Status(ctx, who)
	if err != nil {
		return nil, twoFactorError("twofactor.status", err)
	}
	return status, nil
}

// VerifySecondFactor checks a TOTP code or consumes one backup code for an
// identity with two-factor enabled.
func (e *Engine) VerifySecondFactor(ctx context.Context, identityID, code string) (*twofactor.Verification, error) {
	who, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if err := e.takeCodeAttempt(ctx, identityID); err != nil {
		return nil, err
	}
	res, err := e.twoFactor.VerifySecondFactor(ctx, who, code)
	if err != nil {
		e.codeRejected(ctx, identityID, err)
		return nil, twoFactorError("twofactor.check", err)
	}
	e.codeAccepted(ctx, identityID)
	if res.Method == twofactor.MethodBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
	}
	return res, nil
}

// DisableTwoFactor turns two-factor off after a valid second factor.
func (e *Engine) DisableTwoFactor(ctx context.Context, identityID, code string) error {
	who, err := e.loadIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if err := e.takeCodeAttempt(ctx, identityID); err != nil {
		return err
	}
	if err := e.twoFactor.Disable(ctx, who, code); err != nil {
		e.codeRejected(ctx, identityID, err)
		err = twoFactorError("twofactor.disable", err)
		e.audit(ctx, AuditEvent{Type: AuditTwoFactorDisabled, IdentityID: identityID, Reason: auditReason(err)})
		return err
	}
	e.codeAccepted(ctx, identityID)
	e.audit(ctx, AuditEvent{Type: AuditTwoFactorDisabled, IdentityID: identityID, Success: true})
	return nil
}

// takeCodeAttempt reserves a code check for identityID, refusing it while
// the identity is locked out.
func (e *Engine) takeCodeAttempt(ctx context.Context, identityID string) error {
	ok, err := e.codes.Take(ctx, identityID)
	if err != nil {
		return upstream("twofactor.limit", err)
	}
	if !ok {
		e.metrics.Inc(MetricTwoFactorLocked)
		return ErrTwoFactorLocked
	}
	return nil
}

// codeRejected keeps the reservation for a wrong code and hands it back for
// any other failure.
func (e *Engine) codeRejected(ctx context.Context, identityID string, err error) {
	if errors.Is(err, twofactor.ErrInvalidCode) {
		e.metrics.Inc(MetricTwoFactorFailure)
		return
	}
	if lerr := e.codes.Return(ctx, identityID); lerr != nil {
		e.log.Warn("two-factor attempt not returned", zap.String("identity_id", identityID), zap.Error(lerr))
	}
}

func (e *Engine) codeAccepted(ctx context.Context, identityID string) {
	if err := e.codes.Reset(ctx, identityID); err != nil {
		e.log.Warn("two-factor attempts not reset", zap.String("identity_id", identityID), zap.Error(err))
	}
}
