package twofactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/identity"
)

// Sealer encrypts secrets at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Policy tunes the enrollment flow.
type Policy struct {
	BackupCodes   int
	EnrollmentTTL time.Duration
	// RegenerateSecretOnBack issues a new secret when the user steps back from
	// verify to qr, so a secret shown once is never reused after abandonment.
	RegenerateSecretOnBack bool
}

// DefaultPolicy returns the standard flow settings.
func DefaultPolicy() Policy {
	return Policy{
		BackupCodes:            DefaultBackupCodes,
		EnrollmentTTL:          DefaultEnrollmentTTL,
		RegenerateSecretOnBack: true,
	}
}

// Setup is what the qr step shows the user.
type Setup struct {
	State     State     `json:"state"`
	Secret    string    `json:"secret"`
	URI       string    `json:"otpauthUri"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Status summarizes an identity's second factor.
type Status struct {
	State                State `json:"state"`
	Enabled              bool  `json:"enabled"`
	RemainingBackupCodes int   `json:"remainingBackupCodes"`
}

// Method is how a second factor was proven.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup_code"
)

// Verification is the outcome of a successful second-factor check.
type Verification struct {
	Method               Method `json:"method"`
	RemainingBackupCodes int    `json:"remainingBackupCodes"`
}

// Manager drives enrollment and second-factor checks.
type Manager struct {
	store  *Store
	repo   identity.TwoFactor
	totp   TOTP
	sealer Sealer
	policy Policy
	now    func() time.Time
}

// NewManager wires a Manager. Zero policy fields take their defaults.
func NewManager(store *Store, repo identity.TwoFactor, totp TOTP, sealer Sealer, policy Policy) (*Manager, error) {
	if store == nil || repo == nil || sealer == nil {
		return nil, errors.New("twofactor: store, repository and sealer are required")
	}
	if totp.Digits == 0 {
		totp = DefaultTOTP(totp.Issuer)
	}
	if policy.BackupCodes <= 0 {
		policy.BackupCodes = DefaultBackupCodes
	}
	if policy.EnrollmentTTL <= 0 {
		policy.EnrollmentTTL = DefaultEnrollmentTTL
	}
	return &Manager{store: store, repo: repo, totp: totp, sealer: sealer, policy: policy, now: time.Now}, nil
}

func (m *Manager) newSecret() (sealed []byte, encoded string, err error) {
	raw, encoded, err := m.totp.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	sealed, err = m.sealer.Seal(raw)
	if err != nil {
		return nil, "", err
	}
	return sealed, encoded, nil
}

func (m *Manager) setup(e *Enrollment) (*Setup, error) {
	raw, err := m.sealer.Open(e.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	secret := b32.EncodeToString(raw)
	return &Setup{
		State:     e.State,
		Secret:    secret,
		URI:       m.totp.ProvisionURI(secret, e.Account),
		ExpiresAt: e.ExpiresAt,
	}, nil
}

// Begin starts (or restarts) enrollment at the qr step. A restart abandons any
// pending enrollment, including a secret already written at the backup step.
func (m *Manager) Begin(ctx context.Context, who *identity.Identity) (*Setup, error) {
	if who.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}
	prev, err := m.store.Get(ctx, who.ID)
	switch {
	case err == nil && prev.State == StateBackup, errors.Is(err, ErrNoEnrollment) && len(who.TwoFactorSecret) > 0:
		if err := m.repo.ClearTwoFactor(ctx, who.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	case err != nil && !errors.Is(err, ErrNoEnrollment):
		return nil, err
	}

	sealed, _, err := m.newSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := m.now()
	e := &Enrollment{
		IdentityID: who.ID,
		Account:    who.Email,
		State:      StateQR,
		Secret:     sealed,
		StartedAt:  now,
		ExpiresAt:  now.Add(m.policy.EnrollmentTTL),
	}
	if err := m.store.Put(ctx, e); err != nil {
		return nil, err
	}
	return m.setup(e)
}

// Proceed moves qr -> verify.
func (m *Manager) Proceed(ctx context.Context, identityID string) (State, error) {
	_, after, err := m.store.Update(ctx, identityID, func(e *Enrollment) error {
		return e.advance(StateVerify)
	})
	if err != nil {
		return "", err
	}
	return after.State, nil
}

// Verify checks code against the pending secret and moves verify -> backup.
// On success the sealed secret and fresh backup codes are persisted with
// two-factor still disabled, and the plaintext codes are returned once.
// A wrong code leaves the state at verify and writes nothing.
func (m *Manager) Verify(ctx context.Context, identityID, code string) ([]string, error) {
	var step int64
	_, after, err := m.store.Update(ctx, identityID, func(e *Enrollment) error {
		if e.State != StateVerify {
			return fmt.Errorf("%w: verify from %s", ErrInvalidTransition, e.State)
		}
		raw, err := m.sealer.Open(e.Secret)
		if err != nil {
			return err
		}
		matched, ok, err := m.totp.Match(raw, code, m.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCode
		}
		step = matched
		return e.advance(StateBackup)
	})
	if err != nil {
		return nil, err
	}

	// The enrollment code is spent too, so it cannot be replayed at login.
	_, err = m.store.UseStep(ctx, identityID, step, m.totp.replayWindow())
	var codes []string
	if err == nil {
		codes, err = GenerateBackupCodes(m.policy.BackupCodes)
	}
	if err == nil {
		digests := make([]string, len(codes))
		for i, c := range codes {
			digests[i] = DigestBackupCode(identityID, c)
		}
		err = m.repo.SaveTwoFactorEnrollment(ctx, identityID, after.Secret, digests)
	}
	if err != nil {
		// Step back so the user can retry the code.
		_, _, _ = m.store.Update(ctx, identityID, func(e *Enrollment) error {
			if e.State == StateBackup {
				e.State = StateVerify
			}
			return nil
		})
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return codes, nil
}

// Back moves verify -> qr. Depending on policy the secret is replaced.
func (m *Manager) Back(ctx context.Context, identityID string) (*Setup, error) {
	var (
		sealed []byte
		err    error
	)
	if m.policy.RegenerateSecretOnBack {
		if sealed, _, err = m.newSecret(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	_, after, err := m.store.Update(ctx, identityID, func(e *Enrollment) error {
		if err := e.advance(StateQR); err != nil {
			return err
		}
		if sealed != nil {
			e.Secret = sealed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.setup(after)
}

// Confirm moves backup -> enabled.
func (m *Manager) Confirm(ctx context.Context, identityID string) error {
	before, _, err := m.store.Update(ctx, identityID, func(e *Enrollment) error {
		return e.advance(StateEnabled)
	})
	if err != nil {
		return err
	}
	if err := m.repo.EnableTwoFactor(ctx, identityID); err != nil {
		_ = m.store.Put(ctx, before)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Cancel abandons a pending enrollment. When the backup step was reached the
// persisted secret and codes are cleared as well.
func (m *Manager) Cancel(ctx context.Context, identityID string) error {
	before, _, err := m.store.Update(ctx, identityID, func(e *Enrollment) error {
		return e.advance(StateCancelled)
	})
	if err != nil {
		return err
	}
	if before.State == StateBackup {
		if err := m.repo.ClearTwoFactor(ctx, identityID); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Status reports the flow state for who.
func (m *Manager) Status(ctx context.Context, who *identity.Identity) (*Status, error) {
	out := &Status{State: StateNone, Enabled: who.TwoFactorEnabled}
	if who.TwoFactorEnabled {
		out.State = StateEnabled
	} else {
		e, err := m.store.Get(ctx, who.ID)
		switch {
		case err == nil:
			out.State = e.State
		case !errors.Is(err, ErrNoEnrollment):
			return nil, err
		}
	}
	if out.State == StateEnabled || out.State == StateBackup {
		n, err := m.repo.RemainingBackupCodes(ctx, who.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out.RemainingBackupCodes = n
	}
	return out, nil
}

// VerifySecondFactor accepts a current TOTP code or consumes one backup code.
// A TOTP code is accepted once; its time step and every earlier one are then
// refused for that identity.
func (m *Manager) VerifySecondFactor(ctx context.Context, who *identity.Identity, code string) (*Verification, error) {
	if !who.TwoFactorEnabled || len(who.TwoFactorSecret) == 0 {
		return nil, ErrNotEnabled
	}

	if LooksLikeBackupCode(code) {
		remaining, err := m.repo.ConsumeBackupCode(ctx, who.ID, DigestBackupCode(who.ID, code))
		if errors.Is(err, identity.ErrTokenUnusable) {
			return nil, ErrInvalidCode
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return &Verification{Method: MethodBackup, RemainingBackupCodes: remaining}, nil
	}

	raw, err := m.sealer.Open(who.TwoFactorSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	step, ok, err := m.totp.Match(raw, code, m.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	fresh, err := m.store.UseStep(ctx, who.ID, step, m.totp.replayWindow())
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrInvalidCode
	}
	remaining, err := m.repo.RemainingBackupCodes(ctx, who.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Verification{Method: MethodTOTP, RemainingBackupCodes: remaining}, nil
}

// Disable turns two-factor off after proving a current second factor. The
// secret and all backup codes are removed.
func (m *Manager) Disable(ctx context.Context, who *identity.Identity, code string) error {
	if _, err := m.VerifySecondFactor(ctx, who, code); err != nil {
		return err
	}
	if err := m.repo.ClearTwoFactor(ctx, who.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
