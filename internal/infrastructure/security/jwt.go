package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/driftmark/gamecore/internal/domain"
)

// Audience markers. Every token carries the configured base audience
// plus exactly one of these, so an access token can never be replayed
// where a refresh token is expected and vice versa.
const (
	audAccess  = "access"
	audRefresh = "refresh"
)

// Claims is the claim set for both access and refresh tokens. Refresh
// tokens additionally carry a jti in RegisteredClaims.ID.
type Claims struct {
	Username string   `json:"username,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// AccountID parses the sub claim. Returns 0 when the subject is
// missing or not numeric.
func (c *Claims) AccountID() int64 {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// TokenConfig carries the signing parameters for a TokenManager.
type TokenConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// CompatAnyAud accepts tokens carrying either audience marker on
	// both verification paths. Off by default; strict separation is
	// the supported mode.
	CompatAnyAud bool
}

// TokenManager mints and verifies HS256 token pairs. The algorithm is
// pinned on both sides so a forged token header cannot select a
// weaker method.
type TokenManager struct {
	secret       []byte
	issuer       string
	audience     string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	compatAnyAud bool
}

func NewTokenManager(cfg TokenConfig) *TokenManager {
	return &TokenManager{
		secret:       []byte(cfg.Secret),
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		compatAnyAud: cfg.CompatAnyAud,
	}
}

// GenerateAccess signs a short-lived access token.
func (tm *TokenManager) GenerateAccess(accountID int64, username, clientID string, scopes []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tm.accessTTL)
	claims := Claims{
		Username: username,
		ClientID: clientID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience, audAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, domain.ErrTokenSignFailed(err)
	}
	return signed, expiresAt, nil
}

// GenerateRefresh signs a refresh token with a fresh jti. The caller
// persists HashToken(token) keyed by the returned jti; the token text
// itself is never stored.
func (tm *TokenManager) GenerateRefresh(accountID int64, username, clientID string, scopes []string) (token, jti string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(tm.refreshTTL)
	jti = uuid.NewString()
	claims := Claims{
		Username: username,
		ClientID: clientID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			Issuer:    tm.issuer,
			Audience:  jwt.ClaimStrings{tm.audience, audRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", "", time.Time{}, domain.ErrTokenSignFailed(err)
	}
	return token, jti, expiresAt, nil
}

// VerifyAccess checks signature, expiry, issuer, and the access
// audience marker. Expired tokens map to auth.token_expired, every
// other failure to auth.invalid_token.
func (tm *TokenManager) VerifyAccess(token string) (*Claims, error) {
	claims, err := tm.parse(token, false)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired()
		}
		return nil, domain.ErrInvalidToken("")
	}
	if !tm.audienceOK(claims.Audience, audAccess, audRefresh) {
		return nil, domain.ErrInvalidToken("audience mismatch")
	}
	return claims, nil
}

// VerifyRefresh checks signature, expiry, issuer, and the refresh
// audience marker. Any failure maps to auth.refresh_invalid.
func (tm *TokenManager) VerifyRefresh(token string) (*Claims, error) {
	claims, err := tm.parse(token, false)
	if err != nil {
		return nil, domain.ErrRefreshInvalid()
	}
	if !tm.audienceOK(claims.Audience, audRefresh, audAccess) {
		return nil, domain.ErrRefreshInvalid()
	}
	return claims, nil
}

// DecodeForRevocation verifies the signature but skips claim
// validation, so logout can resolve the jti of an already expired
// refresh token.
func (tm *TokenManager) DecodeForRevocation(token string) (*Claims, error) {
	claims, err := tm.parse(token, true)
	if err != nil {
		return nil, domain.ErrRefreshInvalid()
	}
	return claims, nil
}

func (tm *TokenManager) parse(token string, lenient bool) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if lenient {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return tm.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// audienceOK requires the base audience plus the wanted marker. With
// CompatAnyAud the alternate marker is accepted too.
func (tm *TokenManager) audienceOK(aud jwt.ClaimStrings, want, alt string) bool {
	if tm.audience != "" && !hasAudience(aud, tm.audience) {
		return false
	}
	if hasAudience(aud, want) {
		return true
	}
	return tm.compatAnyAud && hasAudience(aud, alt)
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// HashToken returns the hex SHA-256 of a token. This is the only
// refresh artifact that reaches storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
