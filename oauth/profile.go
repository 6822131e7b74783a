package oauth

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/mtracking/authcore/identity"
)

// Profile is what a provider tells us about the person signing in.
type Profile struct {
	Provider      string
	ProviderID    string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
	AccessToken   string
	RefreshToken  string
}

// Validate checks the fields the linker depends on and normalizes the email.
func (p *Profile) Validate() error {
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	p.ProviderID = strings.TrimSpace(p.ProviderID)
	p.Email = identity.NormalizeEmail(p.Email)

	switch {
	case p.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidProfile)
	case p.ProviderID == "":
		return fmt.Errorf("%w: provider id is required", ErrInvalidProfile)
	case p.Email == "":
		return fmt.Errorf("%w: provider returned no email", ErrInvalidProfile)
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return fmt.Errorf("%w: email: %v", ErrInvalidProfile, err)
	}
	if p.Name == "" {
		p.Name = strings.SplitN(p.Email, "@", 2)[0]
	}
	return nil
}
