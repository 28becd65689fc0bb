package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/driftmark/gamecore/internal/domain"
)

// Register creates an account with a bcrypt-hashed password. The existence
// pre-check gives the common duplicate a clean answer without burning a
// bcrypt round; the unique indexes still catch the race where two
// registrations slip past it together.
func (s *Service) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	taken, err := s.accounts.Exists(ctx, username, email)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	if taken {
		return nil, domain.ErrUserExists()
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	acct := &domain.Account{
		Username: username,
		Email:    email,
		Status:   domain.StatusActive,
		Role:     domain.RoleUser,
	}
	if err := s.accounts.Create(ctx, acct, hash); err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			// lost the insert race, surfaces as user_exists
			return nil, err
		}
		return nil, domain.ErrDBUnavailable(err)
	}

	s.log.Info().
		Int64("account_id", acct.ID).
		Str("username", acct.Username).
		Msg("account registered")

	return &domain.RegisterResponse{
		AccountID: acct.ID,
		Username:  acct.Username,
		Email:     acct.Email,
	}, nil
}
