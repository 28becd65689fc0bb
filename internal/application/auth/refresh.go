package auth

import (
	"context"
	"errors"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/infrastructure/security"
)

// Refresh exchanges a live refresh token for a new pair and revokes the old
// one in the same transaction. Every verification failure collapses to
// refresh_invalid so callers learn nothing about why a token was rejected.
func (s *Service) Refresh(ctx context.Context, req *domain.RefreshTokenRequest) (*domain.TokenPairResponse, error) {
	claims, err := s.jwt.VerifyRefresh(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, domain.ErrRefreshInvalid()
	}

	rec, err := s.tokens.GetActive(ctx, claims.ID)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	if rec == nil {
		// unknown, revoked or expired jti
		return nil, domain.ErrRefreshInvalid()
	}
	if rec.TokenHash != security.HashToken(req.RefreshToken) {
		// valid signature but not the token we stored for this jti
		s.log.Warn().Str("jti", claims.ID).Int64("account_id", rec.AccountID).Msg("refresh token hash mismatch")
		return nil, domain.ErrRefreshInvalid()
	}

	// account id comes from the stored record, not the token
	pair, next, err := s.mintPair(rec.AccountID, claims.Username, claims.ClientID, claims.Scopes, req.UserAgent, req.IP)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, claims.ID, next); err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			// lost a concurrent rotation race for the same jti
			return nil, err
		}
		return nil, domain.ErrDBUnavailable(err)
	}

	s.log.Info().
		Int64("account_id", rec.AccountID).
		Str("old_jti", claims.ID).
		Str("jti", next.JTI).
		Msg("refresh token rotated")

	return pair, nil
}
