package auth

import (
	"context"

	"github.com/driftmark/gamecore/internal/domain"
)

// Validate checks an access token and reports the result in the response
// body. A bad token is a normal answer here, not an RPC failure: the reply
// is always a success envelope with valid=false plus the reason.
//
// The check is stateless. Access tokens live minutes, so a DB or Redis
// round trip per validation would cost more than the revocation window
// is worth.
func (s *Service) Validate(ctx context.Context, req *domain.ValidateTokenRequest) (*domain.ValidateTokenResponse, error) {
	claims, err := s.jwt.VerifyAccess(req.AccessToken)
	if err != nil {
		return &domain.ValidateTokenResponse{
			Valid:        false,
			ErrorCode:    domain.CodeOf(err),
			ErrorMessage: domain.MessageOf(err),
		}, nil
	}

	resp := &domain.ValidateTokenResponse{
		Valid:     true,
		UserID:    claims.Subject,
		AccountID: claims.AccountID(),
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes,
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return resp, nil
}
