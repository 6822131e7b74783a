// Package sqlite implements identity.Repository on an embedded SQLite
// database (modernc.org/sqlite, no cgo). Schema migrations are embedded and
// applied on Open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mtracking/authcore/identity"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides a SQLite-backed identity repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ identity.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite would serialize writers anyway and a single
	// connection avoids SQLITE_BUSY on transaction upgrades.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// mapErr translates driver errors into repository sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			msg := se.Error()
			switch {
			case strings.Contains(msg, "identities.email"):
				return identity.ErrEmailTaken
			case strings.Contains(msg, "oauth_links."):
				return identity.ErrLinkExists
			}
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return identity.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
}

const identityColumns = `id, email, credential_hash, display_name, avatar_url,
email_verified, two_factor_enabled, two_factor_secret, roles, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*identity.Identity, error) {
	var (
		out              identity.Identity
		roles            string
		created, updated int64
	)
	err := row.Scan(
		&out.ID,
		&out.Email,
		&out.CredentialHash,
		&out.DisplayName,
		&out.AvatarURL,
		&out.EmailVerified,
		&out.TwoFactorEnabled,
		&out.TwoFactorSecret,
		&roles,
		&created,
		&updated,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal([]byte(roles), &out.Roles); err != nil {
		return nil, fmt.Errorf("%w: roles column: %v", identity.ErrUnavailable, err)
	}
	if len(out.TwoFactorSecret) == 0 {
		out.TwoFactorSecret = nil
	}
	out.CreatedAt, out.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertIdentity(ctx context.Context, ex execer, in *identity.Identity) error {
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
	roles, err := json.Marshal(in.Roles)
	if err != nil {
		return err
	}
	now := s.now()
	in.CreatedAt, in.UpdatedAt = now, now

	_, err = ex.ExecContext(ctx, `INSERT INTO identities (`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Email, in.CredentialHash, in.DisplayName, in.AvatarURL,
		in.EmailVerified, in.TwoFactorEnabled, in.TwoFactorSecret, string(roles),
		millis(now), millis(now),
	)
	return mapErr(err)
}

func (s *Store) CreateIdentity(ctx context.Context, in *identity.Identity) error {
	return s.insertIdentity(ctx, s.db, in)
}

func (s *Store) IdentityByID(ctx context.Context, id string) (*identity.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = ?`,
		identity.NormalizeEmail(email)))
}

// updateOne runs an UPDATE expected to touch exactly one identity row.
func (s *Store) updateOne(ctx context.Context, ex execer, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return s.updateOne(ctx, s.db, `UPDATE identities SET email_verified = 1, updated_at = ? WHERE id = ?`,
		millis(s.now()), id)
}

func (s *Store) SetCredentialHash(ctx context.Context, id, hash string) error {
	return s.updateOne(ctx, s.db, `UPDATE identities SET credential_hash = ?, updated_at = ? WHERE id = ?`,
		hash, millis(s.now()), id)
}

func (s *Store) SetAvatarIfEmpty(ctx context.Context, id, avatarURL string) error {
	return s.updateOne(ctx, s.db, `UPDATE identities
SET avatar_url = CASE WHEN avatar_url = '' THEN ? ELSE avatar_url END, updated_at = ?
WHERE id = ?`, avatarURL, millis(s.now()), id)
}

const linkColumns = `id, identity_id, provider, provider_id, provider_email,
access_token, refresh_token, created_at, updated_at`

func scanLink(row rowScanner) (*identity.OAuthLink, error) {
	var (
		out              identity.OAuthLink
		created, updated int64
	)
	err := row.Scan(
		&out.ID,
		&out.IdentityID,
		&out.Provider,
		&out.ProviderID,
		&out.ProviderEmail,
		&out.AccessToken,
		&out.RefreshToken,
		&created,
		&updated,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	out.CreatedAt, out.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &out, nil
}

func (s *Store) insertLink(ctx context.Context, ex execer, link *identity.OAuthLink) error {
	if link == nil || link.Provider == "" || link.ProviderID == "" || link.IdentityID == "" {
		return identity.ErrInvalid
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	now := s.now()
	link.CreatedAt, link.UpdatedAt = now, now
	_, err := ex.ExecContext(ctx, `INSERT INTO oauth_links (`+linkColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.IdentityID, link.Provider, link.ProviderID, link.ProviderEmail,
		link.AccessToken, link.RefreshToken, millis(now), millis(now),
	)
	return mapErr(err)
}

func (s *Store) CreateLink(ctx context.Context, link *identity.OAuthLink) error {
	return s.insertLink(ctx, s.db, link)
}

func (s *Store) CreateIdentityWithLink(ctx context.Context, in *identity.Identity, link *identity.OAuthLink) error {
	if link == nil {
		return identity.ErrInvalid
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertIdentity(ctx, tx, in); err != nil {
			return err
		}
		link.IdentityID = in.ID
		return s.insertLink(ctx, tx, link)
	})
}

func (s *Store) LinkByProvider(ctx context.Context, provider, providerID string) (*identity.OAuthLink, error) {
	return scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM oauth_links
WHERE provider = ? AND provider_id = ?`, provider, providerID))
}

func (s *Store) LinksForIdentity(ctx context.Context, identityID string) ([]*identity.OAuthLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM oauth_links
WHERE identity_id = ? ORDER BY provider`, identityID)
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
	return s.updateOne(ctx, s.db, `UPDATE oauth_links
SET provider_email = ?, access_token = ?, refresh_token = ?, updated_at = ?
WHERE id = ?`, providerEmail, accessToken, refreshToken, millis(s.now()), linkID)
}

// DeleteLink is a single statement; SQLite holds the write lock for its whole
// duration, so the remaining-method check cannot race another delete.
func (s *Store) DeleteLink(ctx context.Context, identityID, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_links
WHERE identity_id = ?1 AND provider = ?2
  AND (
    EXISTS (SELECT 1 FROM identities WHERE id = ?1 AND credential_hash <> '')
    OR (SELECT count(*) FROM oauth_links WHERE identity_id = ?1) > 1
  )`, identityID, provider)
	if err != nil {
		return mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapErr(err)
	} else if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM oauth_links WHERE identity_id = ? AND provider = ?)`,
		identityID, provider).Scan(&exists)
	if err != nil {
		return mapErr(err)
	}
	if exists {
		return identity.ErrLastAuthMethod
	}
	return identity.ErrNotFound
}

func (s *Store) CreateToken(ctx context.Context, tok *identity.SingleUseToken) error {
	if tok == nil || tok.Digest == "" || tok.IdentityID == "" {
		return identity.ErrInvalid
	}
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	tok.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO single_use_tokens
(id, identity_id, kind, digest, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.IdentityID, string(tok.Kind), tok.Digest, millis(tok.ExpiresAt), millis(tok.CreatedAt))
	return mapErr(err)
}

func (s *Store) ConsumeToken(ctx context.Context, kind identity.TokenKind, digest string, now time.Time) (*identity.SingleUseToken, error) {
	var (
		out                       identity.SingleUseToken
		kindRaw                   string
		expires, used, createdRaw int64
	)
	err := s.db.QueryRowContext(ctx, `UPDATE single_use_tokens SET used_at = ?1
WHERE digest = ?2 AND kind = ?3 AND used_at IS NULL AND expires_at > ?1
RETURNING id, identity_id, kind, digest, expires_at, used_at, created_at`,
		millis(now), digest, string(kind),
	).Scan(&out.ID, &out.IdentityID, &kindRaw, &out.Digest, &expires, &used, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrTokenUnusable
	}
	if err != nil {
		return nil, mapErr(err)
	}
	usedAt := fromMillis(used)
	out.Kind = identity.TokenKind(kindRaw)
	out.ExpiresAt = fromMillis(expires)
	out.UsedAt = &usedAt
	out.CreatedAt = fromMillis(createdRaw)
	return &out, nil
}

func (s *Store) SaveTwoFactorEnrollment(ctx context.Context, identityID string, secret []byte, backupDigests []string) error {
	if len(secret) == 0 {
		return identity.ErrInvalid
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		err := s.updateOne(ctx, tx, `UPDATE identities
SET two_factor_secret = ?, two_factor_enabled = 0, updated_at = ? WHERE id = ?`,
			secret, millis(s.now()), identityID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE identity_id = ?`, identityID); err != nil {
			return mapErr(err)
		}
		for _, digest := range backupDigests {
			if _, err := tx.ExecContext(ctx, `INSERT INTO backup_codes (identity_id, digest) VALUES (?, ?)`,
				identityID, digest); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func (s *Store) EnableTwoFactor(ctx context.Context, identityID string) error {
	err := s.updateOne(ctx, s.db, `UPDATE identities SET two_factor_enabled = 1, updated_at = ?
WHERE id = ? AND two_factor_secret IS NOT NULL`, millis(s.now()), identityID)
	if errors.Is(err, identity.ErrNotFound) {
		if _, lookupErr := s.IdentityByID(ctx, identityID); lookupErr != nil {
			return lookupErr
		}
		return identity.ErrTwoFactorState
	}
	return err
}

func (s *Store) ClearTwoFactor(ctx context.Context, identityID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		err := s.updateOne(ctx, tx, `UPDATE identities
SET two_factor_secret = NULL, two_factor_enabled = 0, updated_at = ? WHERE id = ?`,
			millis(s.now()), identityID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE identity_id = ?`, identityID)
		return mapErr(err)
	})
}

func (s *Store) ConsumeBackupCode(ctx context.Context, identityID, digest string) (int, error) {
	var remaining int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := s.updateOne(ctx, tx, `UPDATE backup_codes SET used_at = ?
WHERE identity_id = ? AND digest = ? AND used_at IS NULL`, millis(s.now()), identityID, digest)
		if errors.Is(err, identity.ErrNotFound) {
			return identity.ErrTokenUnusable
		}
		if err != nil {
			return err
		}
		return mapErr(tx.QueryRowContext(ctx, `SELECT count(*) FROM backup_codes
WHERE identity_id = ? AND used_at IS NULL`, identityID).Scan(&remaining))
	})
	return remaining, err
}

func (s *Store) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM backup_codes
WHERE identity_id = ? AND used_at IS NULL`, identityID).Scan(&n)
	return n, mapErr(err)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapErr(tx.Commit())
}
