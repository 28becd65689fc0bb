package auth

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/infrastructure/security"
)

// Service implements the five auth RPC operations. It owns no transport
// concerns: the AMQP endpoints decode requests, call these methods, and
// wrap whatever comes back into the reply envelope.
type Service struct {
	accounts  AccountRepo
	tokens    RefreshTokenRepo
	hasher    PasswordHasher
	jwt       TokenManager
	guard     LoginGuard
	accessTTL time.Duration
	log       zerolog.Logger
}

type Deps struct {
	Accounts  AccountRepo
	Tokens    RefreshTokenRepo
	Hasher    PasswordHasher
	JWT       TokenManager
	Guard     LoginGuard
	AccessTTL time.Duration
	Logger    zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		accounts:  d.Accounts,
		tokens:    d.Tokens,
		hasher:    d.Hasher,
		jwt:       d.JWT,
		guard:     d.Guard,
		accessTTL: d.AccessTTL,
		log:       d.Logger,
	}
}

// mintPair issues a fresh access/refresh pair and the refresh token record
// to persist alongside it. The record stores only the SHA-256 hash of the
// refresh JWT.
func (s *Service) mintPair(accountID int64, username, clientID string, scopes []string, userAgent, ip string) (*domain.TokenPairResponse, *domain.RefreshToken, error) {
	access, _, err := s.jwt.GenerateAccess(accountID, username, clientID, scopes)
	if err != nil {
		return nil, nil, err
	}
	refresh, jti, expiresAt, err := s.jwt.GenerateRefresh(accountID, username, clientID, scopes)
	if err != nil {
		return nil, nil, err
	}

	pair := &domain.TokenPairResponse{
		Token:        access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		AccountID:    accountID,
	}
	rec := &domain.RefreshToken{
		AccountID: accountID,
		JTI:       jti,
		TokenHash: security.HashToken(refresh),
		UserAgent: strings.TrimSpace(userAgent),
		IP:        sanitizeIP(ip),
		ExpiresAt: expiresAt,
	}
	return pair, rec, nil
}

// recordFailure bumps the Redis failure counter. Guard outages are logged
// and otherwise ignored so a Redis blip cannot lock out logins entirely.
func (s *Service) recordFailure(ctx context.Context, subject string) {
	banned, err := s.guard.Fail(ctx, subject)
	if err != nil {
		s.log.Warn().Err(err).Str("username", subject).Msg("login guard unreachable, failure not counted")
		return
	}
	if banned {
		s.log.Warn().Str("username", subject).Msg("login failure threshold reached, subject banned")
	}
}

// sanitizeIP returns the canonical text form of ip, or "" when it does not
// parse. The refresh_tokens.ip column is INET; feeding it junk would fail
// the insert.
func sanitizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	return parsed.String()
}
