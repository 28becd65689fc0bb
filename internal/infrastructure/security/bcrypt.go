package security

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/driftmark/gamecore/internal/domain"
)

// minBcryptCost is the lowest cost the hasher will accept. Anything
// weaker is silently raised to this floor.
const minBcryptCost = 12

// PasswordHasher wraps bcrypt with a pinned minimum cost.
type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < minBcryptCost {
		cost = minBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash derives a bcrypt hash of the password at the configured cost.
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", domain.ErrHashFailed(err)
	}
	return string(hash), nil
}

// Compare reports whether the password matches the stored hash. A
// malformed stored hash counts as a mismatch.
func (h *PasswordHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
