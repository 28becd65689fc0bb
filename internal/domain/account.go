package domain

import "time"

type AccountStatus string

const (
	StatusActive  AccountStatus = "active"
	StatusBanned  AccountStatus = "banned"
	StatusDeleted AccountStatus = "deleted"
)

type Role string

const (
	// RoleUser is the default role for registered players.
	RoleUser Role = "user"
	// RoleAdmin carries moderation and operational privileges.
	RoleAdmin Role = "admin"
)

func IsValidRole(r string) bool {
	return r == string(RoleUser) || r == string(RoleAdmin)
}

// Account is the identity row. One Credentials per account, many refresh
// tokens over its lifetime.
type Account struct {
	ID        int64
	Username  string
	Email     string
	Status    AccountStatus
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials holds the account's secret material, one-to-one with Account.
// FailedAttempts/LockedUntil exist in the schema for audit; the login hot
// path counts failures in Redis only.
type Credentials struct {
	AccountID         int64
	PasswordHash      string
	PasswordUpdatedAt time.Time
	LastLoginAt       *time.Time
	FailedAttempts    int
	LockedUntil       *time.Time
}

// RefreshToken is the persisted record of an issued refresh JWT. Only the
// SHA-256 hash of the JWT text is stored, never the token itself.
type RefreshToken struct {
	ID        int64
	AccountID int64
	JTI       string
	TokenHash string
	UserAgent string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the token can still be exchanged.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
