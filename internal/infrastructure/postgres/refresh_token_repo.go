package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/driftmark/gamecore/internal/domain"
)

// RefreshTokenRepo persists issued refresh tokens. Only the SHA-256
// hash of the token text ever reaches this layer.
type RefreshTokenRepo struct {
	db *sql.DB
}

func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo {
	return &RefreshTokenRepo{db: db}
}

const insertToken = `
	INSERT INTO refresh_tokens (account_id, jti, token_hash, user_agent, ip, expires_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, '')::inet, $6)
	RETURNING id, created_at`

// CreateAtLogin persists the refresh record minted by a successful
// login and stamps last_login_at, both in one transaction.
func (r *RefreshTokenRepo) CreateAtLogin(ctx context.Context, rec *domain.RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin login tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, insertToken,
		rec.AccountID, rec.JTI, rec.TokenHash, rec.UserAgent, rec.IP, rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	const touchLogin = `UPDATE credentials SET last_login_at = now() WHERE account_id = $1`
	if _, err := tx.ExecContext(ctx, touchLogin, rec.AccountID); err != nil {
		return fmt.Errorf("stamp last login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit login tx: %w", err)
	}
	return nil
}

// Rotate revokes the old record and inserts its replacement in one
// transaction. When a concurrent rotation already revoked the old jti
// the loser gets auth.refresh_invalid, so a refresh token can never be
// exchanged twice.
func (r *RefreshTokenRepo) Rotate(ctx context.Context, oldJTI string, rec *domain.RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback()

	const revoke = `UPDATE refresh_tokens SET revoked_at = now() WHERE jti = $1 AND revoked_at IS NULL`
	res, err := tx.ExecContext(ctx, revoke, oldJTI)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	if affected == 0 {
		return domain.ErrRefreshInvalid()
	}

	err = tx.QueryRowContext(ctx, insertToken,
		rec.AccountID, rec.JTI, rec.TokenHash, rec.UserAgent, rec.IP, rec.ExpiresAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate tx: %w", err)
	}
	return nil
}

// GetActive looks up a refresh record by jti, filtering to tokens that
// are neither revoked nor expired. Returns (nil, nil) when no active
// record matches.
func (r *RefreshTokenRepo) GetActive(ctx context.Context, jti string) (*domain.RefreshToken, error) {
	const query = `
		SELECT id, account_id, jti, token_hash,
		       coalesce(user_agent, ''), coalesce(ip::text, ''),
		       created_at, expires_at
		FROM refresh_tokens
		WHERE jti = $1 AND revoked_at IS NULL AND expires_at > now()`

	var rec domain.RefreshToken
	err := r.db.QueryRowContext(ctx, query, jti).Scan(
		&rec.ID,
		&rec.AccountID,
		&rec.JTI,
		&rec.TokenHash,
		&rec.UserAgent,
		&rec.IP,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	return &rec, nil
}

// Revoke marks an active record revoked and reports whether anything
// changed. Logout treats both outcomes as success.
func (r *RefreshTokenRepo) Revoke(ctx context.Context, jti string) (bool, error) {
	const revoke = `UPDATE refresh_tokens SET revoked_at = now() WHERE jti = $1 AND revoked_at IS NULL`

	res, err := r.db.ExecContext(ctx, revoke, jti)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return affected > 0, nil
}
