package auth

import (
	"context"

	"github.com/driftmark/gamecore/internal/domain"
)

// Logout revokes the refresh token's jti if it can and reports success
// either way. A logout must never fail from the client's point of view:
// the token it came to kill is expired, garbage or already revoked, and
// all of those leave the client in the logged-out state it asked for.
func (s *Service) Logout(ctx context.Context, req *domain.LogoutRequest) (*domain.LogoutResponse, error) {
	ok := &domain.LogoutResponse{Success: true, Message: "logged out"}

	// lenient decode: signature checked, expiry ignored, so an expired
	// token can still be revoked
	claims, err := s.jwt.DecodeForRevocation(req.RefreshToken)
	if err != nil || claims.ID == "" {
		s.log.Debug().Msg("logout with undecodable refresh token")
		return ok, nil
	}

	revoked, err := s.tokens.Revoke(ctx, claims.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("jti", claims.ID).Msg("logout revocation failed")
		return ok, nil
	}
	if revoked {
		s.log.Info().Str("jti", claims.ID).Msg("refresh token revoked")
	}
	return ok, nil
}
