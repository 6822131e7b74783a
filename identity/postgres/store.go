// Package postgres implements identity.Repository on PostgreSQL through a
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mtracking/authcore/identity"
)

// Store is a PostgreSQL identity repository.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ identity.Repository = (*Store)(nil)

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Open migrates the database at databaseURL and connects a pool to it.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "identities_email_key":
				return identity.ErrEmailTaken
			case "oauth_links_provider_key", "oauth_links_identity_provider_key":
				return identity.ErrLinkExists
			}
		case "23503", "22P02":
			// Unknown parent row or an id that is not a UUID.
			return identity.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const identityColumns = `id::text, email, credential_hash, display_name, avatar_url,
email_verified, two_factor_enabled, two_factor_secret, roles, created_at, updated_at`

func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	var out identity.Identity
	err := row.Scan(
		&out.ID,
		&out.Email,
		&out.CredentialHash,
		&out.DisplayName,
		&out.AvatarURL,
		&out.EmailVerified,
		&out.TwoFactorEnabled,
		&out.TwoFactorSecret,
		&out.Roles,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(out.TwoFactorSecret) == 0 {
		out.TwoFactorSecret = nil
	}
	return &out, nil
}

func (s *Store) insertIdentity(ctx context.Context, q querier, in *identity.Identity) error {
	if in == nil || identity.NormalizeEmail(in.Email) == "" {
		return identity.ErrInvalid
	}
	in.Email = identity.NormalizeEmail(in.Email)
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Roles == nil {
		in.Roles = []string{}
	}
	now := s.now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	_, err := q.Exec(ctx, `INSERT INTO identities (id, email, credential_hash, display_name, avatar_url,
email_verified, two_factor_enabled, two_factor_secret, roles, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		in.ID, in.Email, in.CredentialHash, in.DisplayName, in.AvatarURL,
		in.EmailVerified, in.TwoFactorEnabled, in.TwoFactorSecret, in.Roles, now,
	)
	return mapErr(err)
}

func (s *Store) CreateIdentity(ctx context.Context, in *identity.Identity) error {
	return s.insertIdentity(ctx, s.pool, in)
}

func (s *Store) IdentityByID(ctx context.Context, id string) (*identity.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`,
		identity.NormalizeEmail(email)))
}

func (s *Store) execOne(ctx context.Context, q querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return s.execOne(ctx, s.pool, `UPDATE identities SET email_verified = TRUE, updated_at = $2 WHERE id = $1`,
		id, s.now().UTC())
}

func (s *Store) SetCredentialHash(ctx context.Context, id, hash string) error {
	return s.execOne(ctx, s.pool, `UPDATE identities SET credential_hash = $2, updated_at = $3 WHERE id = $1`,
		id, hash, s.now().UTC())
}

func (s *Store) SetAvatarIfEmpty(ctx context.Context, id, avatarURL string) error {
	return s.execOne(ctx, s.pool, `UPDATE identities
SET avatar_url = CASE WHEN avatar_url = '' THEN $2 ELSE avatar_url END, updated_at = $3
WHERE id = $1`, id, avatarURL, s.now().UTC())
}

const linkColumns = `id::text, identity_id::text, provider, provider_id, provider_email,
access_token, refresh_token, created_at, updated_at`

func scanLink(row pgx.Row) (*identity.OAuthLink, error) {
	var out identity.OAuthLink
	err := row.Scan(
		&out.ID,
		&out.IdentityID,
		&out.Provider,
		&out.ProviderID,
		&out.ProviderEmail,
		&out.AccessToken,
		&out.RefreshToken,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &out, nil
}

func (s *Store) insertLink(ctx context.Context, q querier, link *identity.OAuthLink) error {
	if link == nil || link.Provider == "" || link.ProviderID == "" || link.IdentityID == "" {
		return identity.ErrInvalid
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	now := s.now().UTC()
	link.CreatedAt, link.UpdatedAt = now, now
	_, err := q.Exec(ctx, `INSERT INTO oauth_links (id, identity_id, provider, provider_id, provider_email,
access_token, refresh_token, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		link.ID, link.IdentityID, link.Provider, link.ProviderID, link.ProviderEmail,
		link.AccessToken, link.RefreshToken, now,
	)
	return mapErr(err)
}

func (s *Store) CreateLink(ctx context.Context, link *identity.OAuthLink) error {
	return s.insertLink(ctx, s.pool, link)
}

func (s *Store) CreateIdentityWithLink(ctx context.Context, in *identity.Identity, link *identity.OAuthLink) error {
	if link == nil {
		return identity.ErrInvalid
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.insertIdentity(ctx, tx, in); err != nil {
			return err
		}
		link.IdentityID = in.ID
		return s.insertLink(ctx, tx, link)
	})
}

func (s *Store) LinkByProvider(ctx context.Context, provider, providerID string) (*identity.OAuthLink, error) {
	return scanLink(s.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM oauth_links
WHERE provider = $1 AND provider_id = $2`, provider, providerID))
}

func (s *Store) LinksForIdentity(ctx context.Context, identityID string) ([]*identity.OAuthLink, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+linkColumns+` FROM oauth_links
WHERE identity_id = $1 ORDER BY provider`, identityID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*identity.OAuthLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateLinkTokens(ctx context.Context, linkID, providerEmail string, accessToken, refreshToken []byte) error {
	return s.execOne(ctx, s.pool, `UPDATE oauth_links
SET provider_email = $2, access_token = $3, refresh_token = $4, updated_at = $5
WHERE id = $1`, linkID, providerEmail, accessToken, refreshToken, s.now().UTC())
}

// DeleteLink locks the identity row so concurrent unlinks of the last two
// providers serialize and at least one method always survives.
func (s *Store) DeleteLink(ctx context.Context, identityID, provider string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var hasCredential bool
		err := tx.QueryRow(ctx, `SELECT credential_hash <> '' FROM identities WHERE id = $1 FOR UPDATE`,
			identityID).Scan(&hasCredential)
		if err != nil {
			return mapErr(err)
		}

		var total, matching int
		err = tx.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE provider = $2)
FROM oauth_links WHERE identity_id = $1`, identityID, provider).Scan(&total, &matching)
		if err != nil {
			return mapErr(err)
		}
		switch {
		case matching == 0:
			return identity.ErrNotFound
		case !hasCredential && total <= 1:
			return identity.ErrLastAuthMethod
		}

		_, err = tx.Exec(ctx, `DELETE FROM oauth_links WHERE identity_id = $1 AND provider = $2`, identityID, provider)
		return mapErr(err)
	})
}

func (s *Store) CreateToken(ctx context.Context, tok *identity.SingleUseToken) error {
	if tok == nil || tok.Digest == "" || tok.IdentityID == "" {
		return identity.ErrInvalid
	}
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	tok.CreatedAt = s.now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO single_use_tokens
(id, identity_id, kind, digest, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		tok.ID, tok.IdentityID, string(tok.Kind), tok.Digest, tok.ExpiresAt.UTC(), tok.CreatedAt)
	return mapErr(err)
}

func (s *Store) ConsumeToken(ctx context.Context, kind identity.TokenKind, digest string, now time.Time) (*identity.SingleUseToken, error) {
	var (
		out     identity.SingleUseToken
		kindRaw string
	)
	err := s.pool.QueryRow(ctx, `UPDATE single_use_tokens SET used_at = $3
WHERE digest = $1 AND kind = $2 AND used_at IS NULL AND expires_at > $3
RETURNING id::text, identity_id::text, kind, digest, expires_at, used_at, created_at`,
		digest, string(kind), now.UTC(),
	).Scan(&out.ID, &out.IdentityID, &kindRaw, &out.Digest, &out.ExpiresAt, &out.UsedAt, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrTokenUnusable
	}
	if err != nil {
		return nil, mapErr(err)
	}
	out.Kind = identity.TokenKind(kindRaw)
	return &out, nil
}

func (s *Store) SaveTwoFactorEnrollment(ctx context.Context, identityID string, secret []byte, backupDigests []string) error {
	if len(secret) == 0 {
		return identity.ErrInvalid
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := s.execOne(ctx, tx, `UPDATE identities
SET two_factor_secret = $2, two_factor_enabled = FALSE, updated_at = $3 WHERE id = $1`,
			identityID, secret, s.now().UTC())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE identity_id = $1`, identityID); err != nil {
			return mapErr(err)
		}
		if len(backupDigests) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO backup_codes (identity_id, digest)
SELECT $1, unnest($2::text[])`, identityID, backupDigests)
		return mapErr(err)
	})
}

func (s *Store) EnableTwoFactor(ctx context.Context, identityID string) error {
	err := s.execOne(ctx, s.pool, `UPDATE identities SET two_factor_enabled = TRUE, updated_at = $2
WHERE id = $1 AND two_factor_secret IS NOT NULL`, identityID, s.now().UTC())
	if errors.Is(err, identity.ErrNotFound) {
		if _, lookupErr := s.IdentityByID(ctx, identityID); lookupErr != nil {
			return lookupErr
		}
		return identity.ErrTwoFactorState
	}
	return err
}

func (s *Store) ClearTwoFactor(ctx context.Context, identityID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		err := s.execOne(ctx, tx, `UPDATE identities
SET two_factor_secret = NULL, two_factor_enabled = FALSE, updated_at = $2 WHERE id = $1`,
			identityID, s.now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM backup_codes WHERE identity_id = $1`, identityID)
		return mapErr(err)
	})
}

func (s *Store) ConsumeBackupCode(ctx context.Context, identityID, digest string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `WITH used AS (
  UPDATE backup_codes SET used_at = $3
  WHERE identity_id = $1 AND digest = $2 AND used_at IS NULL
  RETURNING digest
)
SELECT (SELECT count(*) FROM backup_codes WHERE identity_id = $1 AND used_at IS NULL) - 1
FROM used`, identityID, digest, s.now().UTC()).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, identity.ErrTokenUnusable
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return remaining, nil
}

func (s *Store) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM backup_codes
WHERE identity_id = $1 AND used_at IS NULL`, identityID).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapErr(err)
	}
	return err
}
