package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/identity"
	"go.uber.org/zap"
)

var (
	ErrInvalidProfile  = errors.New("oauth: invalid provider profile")
	ErrEmailTaken      = errors.New("oauth: email belongs to another account")
	ErrProviderInUse   = errors.New("oauth: provider already linked with a different account")
	ErrLinkNotFound    = errors.New("oauth: link not found")
	ErrLastAuthMethod  = errors.New("oauth: cannot remove last authentication method")
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrExchange        = errors.New("oauth: provider exchange failed")
	ErrUnavailable     = errors.New("oauth: repository unavailable")
)

// Sealer encrypts provider tokens at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Policy controls automatic linking.
type Policy struct {
	// TrustProviderEmail links a profile to an existing identity with the
	// same email when the provider reports the email as verified.
	TrustProviderEmail bool
	DefaultRole        string
}

// Result is the outcome of a callback.
type Result struct {
	Identity *identity.Identity
	Link     *identity.OAuthLink
	// Created is set when a new identity was made for this profile.
	Created bool
	// Linked is set when a new link was attached to an existing identity.
	Linked bool
}

// LinkedAccount is the public view of a link; provider tokens are never exposed.
type LinkedAccount struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Email    string    `json:"email"`
	LinkedAt time.Time `json:"linkedAt"`
}

// Linker resolves provider profiles to identities.
type Linker struct {
	repo   identity.Repository
	sealer Sealer
	policy Policy
	log    *zap.Logger
}

// NewLinker returns a Linker. A nil logger discards logs.
func NewLinker(repo identity.Repository, sealer Sealer, policy Policy, log *zap.Logger) *Linker {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.DefaultRole == "" {
		policy.DefaultRole = identity.DefaultRole
	}
	return &Linker{repo: repo, sealer: sealer, policy: policy, log: log}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (l *Linker) seal(p *Profile) (access, refresh []byte, err error) {
	if access, err = l.sealer.Seal([]byte(p.AccessToken)); err != nil {
		return nil, nil, err
	}
	if refresh, err = l.sealer.Seal([]byte(p.RefreshToken)); err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// HandleCallback links or creates the identity for p.
func (l *Linker) HandleCallback(ctx context.Context, p Profile) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	access, refresh, err := l.seal(&p)
	if err != nil {
		return nil, unavailable(err)
	}

	link, err := l.repo.LinkByProvider(ctx, p.Provider, p.ProviderID)
	switch {
	case err == nil:
		return l.existing(ctx, link, &p, access, refresh)
	case !errors.Is(err, identity.ErrNotFound):
		return nil, unavailable(err)
	}

	res, err := l.linkOrCreate(ctx, &p, access, refresh)
	if errors.Is(err, identity.ErrLinkExists) || errors.Is(err, identity.ErrEmailTaken) {
		// A concurrent callback for the same provider account may have won.
		if winner, lookupErr := l.repo.LinkByProvider(ctx, p.Provider, p.ProviderID); lookupErr == nil {
			return l.existing(ctx, winner, &p, access, refresh)
		}
		if errors.Is(err, identity.ErrLinkExists) {
			return nil, ErrProviderInUse
		}
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Linker) existing(ctx context.Context, link *identity.OAuthLink, p *Profile, access, refresh []byte) (*Result, error) {
	if p.RefreshToken == "" {
		refresh = link.RefreshToken
	}
	if err := l.repo.UpdateLinkTokens(ctx, link.ID, p.Email, access, refresh); err != nil {
		return nil, unavailable(err)
	}
	link.ProviderEmail, link.AccessToken, link.RefreshToken = p.Email, access, refresh

	who, err := l.repo.IdentityByID(ctx, link.IdentityID)
	if err != nil {
		return nil, unavailable(err)
	}
	return &Result{Identity: who, Link: link}, nil
}

func (l *Linker) linkOrCreate(ctx context.Context, p *Profile, access, refresh []byte) (*Result, error) {
	link := &identity.OAuthLink{
		Provider:      p.Provider,
		ProviderID:    p.ProviderID,
		ProviderEmail: p.Email,
		AccessToken:   access,
		RefreshToken:  refresh,
	}

	if p.EmailVerified && l.policy.TrustProviderEmail {
		who, err := l.repo.IdentityByEmail(ctx, p.Email)
		switch {
		case err == nil:
			link.IdentityID = who.ID
			if err := l.repo.CreateLink(ctx, link); err != nil {
				if errors.Is(err, identity.ErrLinkExists) {
					return nil, err
				}
				return nil, unavailable(err)
			}
			if p.AvatarURL != "" && who.AvatarURL == "" {
				if err := l.repo.SetAvatarIfEmpty(ctx, who.ID, p.AvatarURL); err != nil {
					l.log.Warn("oauth avatar update failed", zap.String("identity_id", who.ID), zap.Error(err))
				} else {
					who.AvatarURL = p.AvatarURL
				}
			}
			l.log.Info("oauth account linked by verified email",
				zap.String("identity_id", who.ID), zap.String("provider", p.Provider))
			return &Result{Identity: who, Link: link, Linked: true}, nil
		case !errors.Is(err, identity.ErrNotFound):
			return nil, unavailable(err)
		}
	}

	who := &identity.Identity{
		Email:         p.Email,
		DisplayName:   p.Name,
		AvatarURL:     p.AvatarURL,
		EmailVerified: p.EmailVerified,
		Roles:         []string{l.policy.DefaultRole},
	}
	if err := l.repo.CreateIdentityWithLink(ctx, who, link); err != nil {
		if errors.Is(err, identity.ErrLinkExists) || errors.Is(err, identity.ErrEmailTaken) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	l.log.Info("identity created from oauth profile",
		zap.String("identity_id", who.ID), zap.String("provider", p.Provider))
	return &Result{Identity: who, Link: link, Created: true}, nil
}

// Unlink removes the identity's link for provider.
func (l *Linker) Unlink(ctx context.Context, identityID, provider string) error {
	err := l.repo.DeleteLink(ctx, identityID, provider)
	switch {
	case err == nil:
		l.log.Info("oauth account unlinked", zap.String("identity_id", identityID), zap.String("provider", provider))
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return ErrLinkNotFound
	case errors.Is(err, identity.ErrLastAuthMethod):
		return ErrLastAuthMethod
	default:
		return unavailable(err)
	}
}

// Links lists the identity's linked accounts.
func (l *Linker) Links(ctx context.Context, identityID string) ([]LinkedAccount, error) {
	links, err := l.repo.LinksForIdentity(ctx, identityID)
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]LinkedAccount, 0, len(links))
	for _, link := range links {
		out = append(out, LinkedAccount{
			ID:       link.ID,
			Provider: link.Provider,
			Email:    link.ProviderEmail,
			LinkedAt: link.CreatedAt,
		})
	}
	return out, nil
}
