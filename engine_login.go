package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/session"
	"github.com/mtracking/authcore/token"
	"github.com/mtracking/authcore/twofactor"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Login checks a password credential. An unverified identity fails with
// ErrEmailNotVerified whether or not the password matches. Unknown emails and
// OAuth-only identities still pay for one hash comparison.
//
// When the identity has two-factor enabled no tokens are issued; the result
// carries a Challenge for CompleteLogin instead.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (res *LoginResult, err error) {
	ctx, done := e.begin(ctx, OpLogin)
	defer func() { done(err) }()
	var who *identity.Identity
	defer func() {
		event := AuditEvent{Type: AuditLogin, IP: req.IP, Success: err == nil, Reason: auditReason(err)}
		if who != nil {
			event.IdentityID = who.ID
		}
		if res != nil {
			event.SessionID = res.Tokens.SessionID
			if res.TwoFactorRequired {
				event.Metadata = map[string]string{"second_factor": "required"}
			}
		}
		e.audit(ctx, event)
	}()

	email, ok := validEmail(req.Email)
	if !ok || req.Password == "" {
		return nil, ErrInvalidRequest
	}

	who, err = e.repo.IdentityByEmail(ctx, email)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		e.hasher.Compare(req.Password, e.dummyHash)
		e.metrics.Inc(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, upstream("identity.lookup", err)
	}

	var matched bool
	if who.HasCredential() {
		matched = e.hasher.Compare(req.Password, who.CredentialHash)
	} else {
		e.hasher.Compare(req.Password, e.dummyHash)
	}
	// Unverified addresses are refused whatever the password.
	if !who.EmailVerified {
		e.metrics.Inc(MetricLoginUnverified)
		return nil, ErrEmailNotVerified
	}
	if !matched {
		e.metrics.Inc(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	}
	e.upgradeHash(ctx, who, req.Password)

	if who.TwoFactorEnabled {
		challenge, err := e.startChallenge(ctx, who.ID, req.Device, req.IP)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Identity: publicIdentity(who), TwoFactorRequired: true, Challenge: challenge}, nil
	}

	tokens, err := e.openSession(ctx, who, req.Device, req.IP)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	return &LoginResult{Tokens: *tokens, Identity: publicIdentity(who)}, nil
}

// upgradeHash rehashes the password when the stored parameters are older
// than the configured ones. Failure only costs a later retry.
func (e *Engine) upgradeHash(ctx context.Context, who *identity.Identity, plain string) {
	stale, err := e.hasher.NeedsUpgrade(who.CredentialHash)
	if err != nil || !stale {
		return
	}
	hash, err := e.hasher.Hash(plain)
	if err == nil {
		err = e.repo.SetCredentialHash(ctx, who.ID, hash)
	}
	if err != nil {
		e.log.Warn("password rehash failed", zap.String("identity_id", who.ID), zap.Error(err))
	}
}

func (e *Engine) startChallenge(ctx context.Context, identityID string, device DeviceInfo, ip string) (string, error) {
	challenge, err := password.GenerateToken()
	if err != nil {
		return "", upstream("challenge.generate", err)
	}
	record := &loginChallenge{IdentityID: identityID, Device: device, IP: ip}
	if err := e.challenges.Save(ctx, challenge, record, e.config.Session.LoginChallengeTTL); err != nil {
		return "", upstream("challenge.save", err)
	}
	return challenge, nil
}

// CompleteLogin finishes a two-factor login with a TOTP or backup code.
// A challenge absorbs a limited number of wrong codes and can be completed
// once.
func (e *Engine) CompleteLogin(ctx context.Context, challenge, code string) (res *LoginResult, err error) {
	ctx, done := e.begin(ctx, OpCompleteLogin)
	defer func() { done(err) }()
	event := AuditEvent{Type: AuditLoginChallenge}
	defer func() {
		event.Success, event.Reason = err == nil, auditReason(err)
		if res != nil {
			event.SessionID = res.Tokens.SessionID
		}
		e.audit(ctx, event)
	}()

	if challenge == "" || code == "" {
		return nil, ErrInvalidRequest
	}
	record, err := e.challenges.Get(ctx, challenge)
	if errors.Is(err, errChallengeNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, upstream("challenge.load", err)
	}
	event.IdentityID, event.IP = record.IdentityID, record.IP
	who, err := e.repo.IdentityByID(ctx, record.IdentityID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, upstream("identity.load", err)
	}

	verified, err := e.twoFactor.VerifySecondFactor(ctx, who, code)
	switch {
	case errors.Is(err, twofactor.ErrInvalidCode):
		e.metrics.Inc(MetricTwoFactorFailure)
		if _, ferr := e.challenges.RecordFailure(ctx, challenge, e.config.Session.MaxChallengeAttempts); ferr != nil && !errors.Is(ferr, errChallengeNotFound) {
			return nil, upstream("challenge.failure", ferr)
		}
		return nil, ErrInvalidTwoFactor
	case errors.Is(err, twofactor.ErrNotEnabled):
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, upstream("twofactor.verify", err)
	}
	event.Metadata = map[string]string{"method": string(verified.Method)}
	if verified.Method == twofactor.MethodBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
	}

	won, err := e.challenges.Consume(ctx, challenge)
	if err != nil {
		return nil, upstream("challenge.consume", err)
	}
	if !won {
		return nil, ErrInvalidCredentials
	}

	tokens, err := e.openSession(ctx, who, record.Device, record.IP)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	return &LoginResult{Tokens: *tokens, Identity: publicIdentity(who)}, nil
}

// Refresh rotates a refresh token. The presented token is revoked before
// the session is swapped, and the swap is a compare-and-set on the stored
// digest and version, so of several concurrent refreshes of one token exactly
// one succeeds.
//
// A revoked token with a valid signature is reuse: the token was already
// rotated away or logged out. Unless the session's rotation is still in
// flight, the whole session is removed when RevokeOnReuse is set.
func (e *Engine) Refresh(ctx context.Context, raw string) (res *Tokens, err error) {
	ctx, done := e.begin(ctx, OpRefresh)
	defer func() {
		if err != nil {
			e.metrics.Inc(MetricRefreshFailure)
		}
		done(err)
	}()

	if raw == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := e.issuer.VerifyRefresh(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrTokenRevoked):
		return nil, e.refreshReused(ctx, claims)
	case errors.Is(err, token.ErrRegistryUnavailable):
		return nil, upstream("revocation.check", err)
	default:
		return nil, ErrInvalidRefreshToken
	}

	sess, err := e.sessions.FindByRefreshToken(ctx, raw)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return nil, ErrInvalidRefreshToken
	case err != nil:
		return nil, upstream("session.lookup", err)
	}
	if sess.ID != claims.SessionID || sess.IdentityID != claims.Subject || sess.TokenVersion != claims.TokenVersion {
		return nil, ErrInvalidRefreshToken
	}

	who, err := e.repo.IdentityByID(ctx, sess.IdentityID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, upstream("identity.load", err)
	}

	if err := e.issuer.Revoke(ctx, raw, who.ID, claims.ExpiresAt.Time); err != nil {
		return nil, upstream("revocation.write", err)
	}

	next := sess.TokenVersion + 1
	refresh, err := e.issuer.IssueRefresh(who.ID, sess.ID, next)
	if err != nil {
		return nil, upstream("token.refresh", err)
	}
	access, err := e.issuer.IssueAccess(subjectOf(who), sess.ID)
	if err != nil {
		return nil, upstream("token.access", err)
	}

	_, err = e.sessions.Rotate(ctx, sess.ID, raw, refresh, sess.TokenVersion)
	switch {
	case errors.Is(err, session.ErrRefreshHashMismatch),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		return nil, ErrInvalidRefreshToken
	case err != nil:
		return nil, upstream("session.rotate", err)
	}

	e.metrics.Inc(MetricRefreshSuccess)
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    e.issuer.AccessTTL(),
		SessionID:    sess.ID,
	}, nil
}

func (e *Engine) refreshReused(ctx context.Context, claims *token.RefreshClaims) error {
	sess, err := e.sessions.Get(ctx, claims.SessionID)
	switch {
	case err == nil && sess.TokenVersion <= claims.TokenVersion:
		// Revoked by a concurrent refresh that has not swapped yet.
		return ErrInvalidRefreshToken
	case err != nil && !errors.Is(err, session.ErrSessionNotFound):
		return upstream("session.lookup", err)
	}

	e.metrics.Inc(MetricRefreshReuseDetected)
	e.log.Warn("refresh token reuse detected",
		zap.String("identity_id", claims.Subject),
		zap.String("session_id", claims.SessionID),
		zap.Uint64("token_version", claims.TokenVersion),
	)
	e.audit(ctx, AuditEvent{
		Type:       AuditRefreshReuse,
		IdentityID: claims.Subject,
		SessionID:  claims.SessionID,
		Reason:     ErrRefreshTokenReused.Error(),
		Metadata:   map[string]string{"session_revoked": strconv.FormatBool(e.config.Session.RevokeOnReuse && sess != nil)},
	})
	if !e.config.Session.RevokeOnReuse || sess == nil {
		return ErrRefreshTokenReused
	}
	if err := e.endSession(ctx, sess); err != nil {
		return err
	}
	return ErrRefreshTokenReused
}

// endSession deletes sess and revokes everything bound to it.
func (e *Engine) endSession(ctx context.Context, sess *session.Session) error {
	if err := e.issuer.RevokeSession(ctx, sess.ID, sess.IdentityID); err != nil {
		return upstream("revocation.session", err)
	}
	if err := e.registry.Revoke(ctx, sess.RefreshHash, sess.IdentityID, sess.Remaining(e.now())); err != nil {
		return upstream("revocation.write", err)
	}
	if err := e.sessions.Revoke(ctx, sess.ID); err != nil {
		return upstream("session.revoke", err)
	}
	e.metrics.Inc(MetricSessionRevoked)
	return nil
}

// Logout revokes the presented access and refresh tokens and deletes their
// session. Either token may be empty; at least one must identify a session.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) (err error) {
	ctx, done := e.begin(ctx, OpLogout)
	defer func() { done(err) }()

	var sessionID, identityID string
	if accessToken != "" {
		claims, perr := e.issuer.ParseAccess(accessToken)
		if perr == nil {
			if err := e.issuer.Revoke(ctx, accessToken, claims.Subject, claims.ExpiresAt.Time); err != nil {
				return upstream("revocation.write", err)
			}
			sessionID, identityID = claims.SessionID, claims.Subject
		}
	}
	if refreshToken != "" {
		claims, perr := e.issuer.ParseRefresh(refreshToken)
		if perr == nil && (sessionID == "" || claims.SessionID == sessionID) {
			if err := e.issuer.Revoke(ctx, refreshToken, claims.Subject, claims.ExpiresAt.Time); err != nil {
				return upstream("revocation.write", err)
			}
			sessionID, identityID = claims.SessionID, claims.Subject
		}
	}
	if sessionID == "" {
		return ErrInvalidAccessToken
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return nil
	case err != nil:
		return upstream("session.lookup", err)
	case sess.IdentityID != identityID:
		return ErrInvalidAccessToken
	}
	if err := e.endSession(ctx, sess); err != nil {
		return err
	}
	e.metrics.Inc(MetricLogout)
	e.audit(ctx, AuditEvent{Type: AuditLogout, IdentityID: identityID, SessionID: sessionID, Success: true})
	return nil
}

// LogoutAllDevices deletes every session of identityID and revokes each
// session's refresh digest and outstanding access tokens.
func (e *Engine) LogoutAllDevices(ctx context.Context, identityID string) (err error) {
	ctx, done := e.begin(ctx, OpLogoutAll, attribute.String("identity.id", identityID))
	defer func() { done(err) }()

	removed, err := e.sessions.RevokeAll(ctx, identityID)
	if err != nil {
		return upstream("session.revoke_all", err)
	}
	now := e.now()
	for _, sess := range removed {
		if err := e.registry.Revoke(ctx, sess.RefreshHash, identityID, sess.Remaining(now)); err != nil {
			return upstream("revocation.write", err)
		}
		if err := e.issuer.RevokeSession(ctx, sess.ID, identityID); err != nil {
			return upstream("revocation.session", err)
		}
	}
	e.metrics.Add(MetricSessionRevoked, len(removed))
	e.metrics.Inc(MetricLogoutAll)
	e.audit(ctx, AuditEvent{
		Type:       AuditLogoutAll,
		IdentityID: identityID,
		Success:    true,
		Metadata:   map[string]string{"sessions": strconv.Itoa(len(removed))},
	})
	return nil
}

// Sessions lists the live sessions of identityID, most recent first.
// currentSessionID marks the caller's own session.
func (e *Engine) Sessions(ctx context.Context, identityID, currentSessionID string) ([]SessionInfo, error) {
	list, err := e.sessions.ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, upstream("session.list", err)
	}
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			ID:           s.ID,
			Device:       s.Device,
			IP:           s.IP,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			ExpiresAt:    s.ExpiresAt,
			Current:      s.ID == currentSessionID,
		})
	}
	return out, nil
}

// RevokeSession ends one session of identityID. Sessions of other identities
// are reported as not found.
func (e *Engine) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case err != nil:
		return upstream("session.lookup", err)
	case sess.IdentityID != identityID:
		return ErrSessionNotFound
	}
	if err := e.endSession(ctx, sess); err != nil {
		return err
	}
	e.audit(ctx, AuditEvent{Type: AuditSessionRevoked, IdentityID: identityID, SessionID: sessionID, Success: true})
	return nil
}

// TouchSession records activity on a session.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) error {
	if err := e.sessions.Touch(ctx, sessionID); err != nil {
		return upstream("session.touch", err)
	}
	return nil
}

// SweepExpiredSessions removes expired sessions and dangling index entries.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (int, error) {
	n, err := e.sessions.SweepExpired(ctx)
	e.metrics.Add(MetricSessionsSwept, n)
	if err != nil {
		return n, upstream("session.sweep", err)
	}
	return n, nil
}
