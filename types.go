package authcore

import (
	"time"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/session"
)

// DeviceInfo describes the client opening a session.
type DeviceInfo = session.DeviceInfo

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginRequest is the input to Login.
type LoginRequest struct {
	Email    string
	Password string
	Device   DeviceInfo
	IP       string
}

// PublicIdentity is the part of an identity safe to return to its owner.
type PublicIdentity struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	AvatarURL        string   `json:"avatar,omitempty"`
	Roles            []string `json:"roles"`
	EmailVerified    bool     `json:"emailVerified"`
	TwoFactorEnabled bool     `json:"twoFactorEnabled"`
}

func publicIdentity(i *identity.Identity) PublicIdentity {
	roles := i.Roles
	if roles == nil {
		roles = []string{}
	}
	return PublicIdentity{
		ID:               i.ID,
		Email:            i.Email,
		Name:             i.DisplayName,
		AvatarURL:        i.AvatarURL,
		Roles:            roles,
		EmailVerified:    i.EmailVerified,
		TwoFactorEnabled: i.TwoFactorEnabled,
	}
}

// Tokens is a freshly issued credential pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime.
	ExpiresIn time.Duration
	SessionID string
}

// LoginResult is returned by Login, CompleteLogin and OAuthCallback. When
// TwoFactorRequired is set no tokens are issued; Challenge must be passed to
// CompleteLogin together with a second factor.
type LoginResult struct {
	Tokens
	Identity          PublicIdentity
	TwoFactorRequired bool
	Challenge         string
}

// OAuthResult is a LoginResult that also says how the profile was resolved.
type OAuthResult struct {
	LoginResult
	Created bool
	Linked  bool
}

// Principal is what a valid access token proves.
type Principal struct {
	IdentityID string
	Email      string
	Roles      []string
	SessionID  string
	ExpiresAt  time.Time
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID           string     `json:"id"`
	Device       DeviceInfo `json:"device"`
	IP           string     `json:"ip,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Current      bool       `json:"current"`
}
