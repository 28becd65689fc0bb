package auth

import (
	"context"
	"strings"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/metrics"
)

// Issue authenticates username/password and mints a token pair. Failure
// counting lives entirely in Redis; the credentials row is never mutated
// on a bad password.
//
// Order matters here. The ban gate runs before the password check so a
// banned subject cannot keep burning bcrypt rounds, and the account status
// gate runs after it so a probe cannot distinguish "banned account" from
// "wrong password" without first knowing the password.
func (s *Service) Issue(ctx context.Context, req *domain.IssueTokenRequest) (*domain.TokenPairResponse, error) {
	username := strings.TrimSpace(req.Username)

	banned, err := s.guard.IsBanned(ctx, username)
	if err != nil {
		// fail open: Redis being down must not block every login
		s.log.Warn().Err(err).Str("username", username).Msg("login guard unreachable, ban check skipped")
	} else if banned {
		metrics.RecordLoginAttempt("banned")
		return nil, domain.ErrForbidden("too many failed attempts, try again later")
	}

	acct, creds, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	if acct == nil || !s.hasher.Compare(creds.PasswordHash, req.Password) {
		s.recordFailure(ctx, username)
		metrics.RecordLoginAttempt("invalid")
		return nil, domain.ErrInvalidCredentials()
	}

	if acct.Status != domain.StatusActive {
		metrics.RecordLoginAttempt("forbidden")
		return nil, domain.ErrForbidden("account is " + string(acct.Status))
	}

	if err := s.guard.Reset(ctx, username); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("failed to reset login counter")
	}

	pair, rec, err := s.mintPair(acct.ID, acct.Username, req.ClientID, req.Scopes, req.UserAgent, req.IP)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.CreateAtLogin(ctx, rec); err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}

	metrics.RecordLoginAttempt("ok")
	s.log.Info().
		Int64("account_id", acct.ID).
		Str("username", acct.Username).
		Str("jti", rec.JTI).
		Msg("token pair issued")

	return pair, nil
}
