package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. A single mutex serializes
// every operation, which gives the same atomicity as the SQL stores. It is
// meant for tests and single-node development.
type MemoryRepository struct {
	mu         sync.Mutex
	identities map[string]*Identity
	byEmail    map[string]string
	links      map[string]*OAuthLink
	tokens     map[string]*SingleUseToken
	backup     map[string]map[string]bool
	now        func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		identities: make(map[string]*Identity),
		byEmail:    make(map[string]string),
		links:      make(map[string]*OAuthLink),
		tokens:     make(map[string]*SingleUseToken),
		backup:     make(map[string]map[string]bool),
		now:        time.Now,
	}
}

func (m *MemoryRepository) CreateIdentity(_ context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertIdentity(identity)
}

func (m *MemoryRepository) insertIdentity(identity *Identity) error {
	if identity == nil || NormalizeEmail(identity.Email) == "" {
		return ErrInvalid
	}
	identity.Email = NormalizeEmail(identity.Email)
	if _, taken := m.byEmail[identity.Email]; taken {
		return ErrEmailTaken
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	now := m.now()
	identity.CreatedAt, identity.UpdatedAt = now, now
	m.identities[identity.ID] = identity.Clone()
	m.byEmail[identity.Email] = identity.ID
	return nil
}

func (m *MemoryRepository) IdentityByID(_ context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return identity.Clone(), nil
}

func (m *MemoryRepository) IdentityByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.identities[id].Clone(), nil
}

func (m *MemoryRepository) update(id string, fn func(*Identity) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(identity); err != nil {
		return err
	}
	identity.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) MarkEmailVerified(_ context.Context, id string) error {
	return m.update(id, func(i *Identity) error {
		i.EmailVerified = true
		return nil
	})
}

func (m *MemoryRepository) SetCredentialHash(_ context.Context, id, hash string) error {
	return m.update(id, func(i *Identity) error {
		i.CredentialHash = hash
		return nil
	})
}

func (m *MemoryRepository) SetAvatarIfEmpty(_ context.Context, id, avatarURL string) error {
	return m.update(id, func(i *Identity) error {
		if i.AvatarURL == "" {
			i.AvatarURL = avatarURL
		}
		return nil
	})
}

func (m *MemoryRepository) CreateIdentityWithLink(_ context.Context, identity *Identity, link *OAuthLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link == nil {
		return ErrInvalid
	}
	if err := m.checkLink(link); err != nil {
		return err
	}
	if err := m.insertIdentity(identity); err != nil {
		return err
	}
	link.IdentityID = identity.ID
	return m.insertLink(link)
}

func (m *MemoryRepository) CreateLink(_ context.Context, link *OAuthLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link == nil {
		return ErrInvalid
	}
	if _, ok := m.identities[link.IdentityID]; !ok {
		return ErrNotFound
	}
	if err := m.checkLink(link); err != nil {
		return err
	}
	return m.insertLink(link)
}

func (m *MemoryRepository) checkLink(link *OAuthLink) error {
	if link.Provider == "" || link.ProviderID == "" {
		return ErrInvalid
	}
	for _, existing := range m.links {
		if existing.Provider == link.Provider && existing.ProviderID == link.ProviderID {
			return ErrLinkExists
		}
		if link.IdentityID != "" && existing.IdentityID == link.IdentityID && existing.Provider == link.Provider {
			return ErrLinkExists
		}
	}
	return nil
}

func (m *MemoryRepository) insertLink(link *OAuthLink) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	now := m.now()
	link.CreatedAt, link.UpdatedAt = now, now
	m.links[link.ID] = link.Clone()
	return nil
}

func (m *MemoryRepository) LinkByProvider(_ context.Context, provider, providerID string) (*OAuthLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.Provider == provider && link.ProviderID == providerID {
			return link.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) LinksForIdentity(_ context.Context, identityID string) ([]*OAuthLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.linksOf(identityID)
	for i := range out {
		out[i] = out[i].Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemoryRepository) linksOf(identityID string) []*OAuthLink {
	var out []*OAuthLink
	for _, link := range m.links {
		if link.IdentityID == identityID {
			out = append(out, link)
		}
	}
	return out
}

func (m *MemoryRepository) UpdateLinkTokens(_ context.Context, linkID, providerEmail string, accessToken, refreshToken []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkID]
	if !ok {
		return ErrNotFound
	}
	link.ProviderEmail = providerEmail
	link.AccessToken = cloneBytes(accessToken)
	link.RefreshToken = cloneBytes(refreshToken)
	link.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) DeleteLink(_ context.Context, identityID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := m.linksOf(identityID)
	var target *OAuthLink
	for _, link := range links {
		if link.Provider == provider {
			target = link
		}
	}
	if target == nil {
		return ErrNotFound
	}
	identity, ok := m.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	if !identity.HasCredential() && len(links) == 1 {
		return ErrLastAuthMethod
	}
	delete(m.links, target.ID)
	return nil
}

func (m *MemoryRepository) CreateToken(_ context.Context, token *SingleUseToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == nil || token.Digest == "" || token.IdentityID == "" {
		return ErrInvalid
	}
	if _, ok := m.identities[token.IdentityID]; !ok {
		return ErrNotFound
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.CreatedAt = m.now()
	stored := *token
	m.tokens[token.Digest] = &stored
	return nil
}

func (m *MemoryRepository) ConsumeToken(_ context.Context, kind TokenKind, digest string, now time.Time) (*SingleUseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[digest]
	if !ok || token.Kind != kind || !token.Usable(now) {
		return nil, ErrTokenUnusable
	}
	used := now
	token.UsedAt = &used
	out := *token
	return &out, nil
}

func (m *MemoryRepository) SaveTwoFactorEnrollment(_ context.Context, identityID string, secret []byte, backupDigests []string) error {
	if len(secret) == 0 {
		return ErrInvalid
	}
	return m.update(identityID, func(i *Identity) error {
		i.TwoFactorSecret = cloneBytes(secret)
		i.TwoFactorEnabled = false
		codes := make(map[string]bool, len(backupDigests))
		for _, d := range backupDigests {
			codes[d] = false
		}
		m.backup[identityID] = codes
		return nil
	})
}

func (m *MemoryRepository) EnableTwoFactor(_ context.Context, identityID string) error {
	return m.update(identityID, func(i *Identity) error {
		if len(i.TwoFactorSecret) == 0 {
			return ErrTwoFactorState
		}
		i.TwoFactorEnabled = true
		return nil
	})
}

func (m *MemoryRepository) ClearTwoFactor(_ context.Context, identityID string) error {
	return m.update(identityID, func(i *Identity) error {
		i.TwoFactorSecret = nil
		i.TwoFactorEnabled = false
		delete(m.backup, identityID)
		return nil
	})
}

func (m *MemoryRepository) ConsumeBackupCode(_ context.Context, identityID, digest string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := m.backup[identityID]
	used, ok := codes[digest]
	if !ok || used {
		return 0, ErrTokenUnusable
	}
	codes[digest] = true
	return remaining(codes), nil
}

func (m *MemoryRepository) RemainingBackupCodes(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return remaining(m.backup[identityID]), nil
}

func remaining(codes map[string]bool) int {
	n := 0
	for _, used := range codes {
		if !used {
			n++
		}
	}
	return n
}
