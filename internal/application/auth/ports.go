package auth

import (
	"context"
	"time"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/infrastructure/security"
)

// Storage and crypto seams. Production implementations live under
// internal/infrastructure; tests substitute func-field fakes.

type AccountRepo interface {
	Exists(ctx context.Context, username, email string) (bool, error)
	Create(ctx context.Context, acct *domain.Account, passwordHash string) error
	GetByUsername(ctx context.Context, username string) (*domain.Account, *domain.Credentials, error)
}

type RefreshTokenRepo interface {
	CreateAtLogin(ctx context.Context, rec *domain.RefreshToken) error
	Rotate(ctx context.Context, oldJTI string, rec *domain.RefreshToken) error
	GetActive(ctx context.Context, jti string) (*domain.RefreshToken, error)
	Revoke(ctx context.Context, jti string) (bool, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

type TokenManager interface {
	GenerateAccess(accountID int64, username, clientID string, scopes []string) (string, time.Time, error)
	GenerateRefresh(accountID int64, username, clientID string, scopes []string) (token, jti string, expiresAt time.Time, err error)
	VerifyAccess(token string) (*security.Claims, error)
	VerifyRefresh(token string) (*security.Claims, error)
	DecodeForRevocation(token string) (*security.Claims, error)
}

// LoginGuard is the Redis-backed brute-force counter. The service
// fails open when the guard is unreachable: a counting outage must not
// take logins down with it.
type LoginGuard interface {
	IsBanned(ctx context.Context, subject string) (bool, error)
	Fail(ctx context.Context, subject string) (bool, error)
	Reset(ctx context.Context, subject string) error
}
