package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/driftmark/gamecore/internal/domain"
)

// AccountRepo persists accounts and their credentials. Tables live in
// the schema selected by DB_SCHEMA via the pool's search_path.
type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// Exists reports whether the username or email is already taken. Email
// comparison is case-insensitive.
func (r *AccountRepo) Exists(ctx context.Context, username, email string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM accounts WHERE username = $1 OR lower(email) = lower($2)
	)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, username, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("account exists probe: %w", err)
	}
	return exists, nil
}

// Create inserts the account and its credentials row in one
// transaction. Email is stored lowercased. A duplicate that slips past
// the Exists pre-check maps to auth.user_exists.
func (r *AccountRepo) Create(ctx context.Context, acct *domain.Account, passwordHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback()

	const insertAccount = `
		INSERT INTO accounts (username, email, status, role)
		VALUES ($1, lower($2), $3, $4)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowContext(ctx, insertAccount,
		acct.Username,
		acct.Email,
		string(acct.Status),
		string(acct.Role),
	).Scan(&acct.ID, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUserExists()
		}
		return fmt.Errorf("insert account: %w", err)
	}
	acct.Email = strings.ToLower(acct.Email)

	const insertCredentials = `
		INSERT INTO credentials (account_id, password_hash, password_updated_at)
		VALUES ($1, $2, now())`

	if _, err := tx.ExecContext(ctx, insertCredentials, acct.ID, passwordHash); err != nil {
		return fmt.Errorf("insert credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register tx: %w", err)
	}
	return nil
}

// GetByUsername loads an account together with its credentials.
// Returns (nil, nil, nil) when the username is unknown; the caller
// decides what an absent account means.
func (r *AccountRepo) GetByUsername(ctx context.Context, username string) (*domain.Account, *domain.Credentials, error) {
	const query = `
		SELECT a.id, a.username, a.email, a.status, a.role, a.created_at, a.updated_at,
		       c.password_hash, c.password_updated_at, c.last_login_at, c.failed_attempts, c.locked_until
		FROM accounts a
		JOIN credentials c ON c.account_id = a.id
		WHERE a.username = $1`

	var (
		acct       domain.Account
		creds      domain.Credentials
		lastLogin  sql.NullTime
		lockedTill sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&acct.ID,
		&acct.Username,
		&acct.Email,
		&acct.Status,
		&acct.Role,
		&acct.CreatedAt,
		&acct.UpdatedAt,
		&creds.PasswordHash,
		&creds.PasswordUpdatedAt,
		&lastLogin,
		&creds.FailedAttempts,
		&lockedTill,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load account %q: %w", username, err)
	}

	creds.AccountID = acct.ID
	if lastLogin.Valid {
		creds.LastLoginAt = &lastLogin.Time
	}
	if lockedTill.Valid {
		creds.LockedUntil = &lockedTill.Time
	}
	return &acct, &creds, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
