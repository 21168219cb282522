package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any bearer token that fails signature,
// expiry, or claim-shape validation. The HTTP layer maps this to 401; it
// never distinguishes "expired" from "malformed" to the caller, since
// spec.md §6 only specifies unauthenticated -> 401/403, not finer detail.
var ErrInvalidToken = errors.New("auth: invalid bearer token")

// claims is the JWT payload MIRA issues and validates. sub carries the
// user_id (the only claim spec.md's data model requires); cid and tz are
// MIRA-specific additions the teacher's plain user-identity JWT doesn't
// carry, since the continuum engine needs a timezone for the ephemeral
// message-prefix transform and an optional continuum id to pin a request
// to a specific continuum rather than "the" active one.
type claims struct {
	jwt.RegisteredClaims
	ContinuumID string `json:"cid,omitempty"`
	Timezone    string `json:"tz,omitempty"`
}

// JWTService issues and validates HS256 bearer tokens carrying an
// Identity. Grounded on teacher internal/auth/jwt.go's Generate/Validate
// shape; swaps *models.User for the trimmed Identity struct.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService constructs a JWTService. expiry of zero defaults to 24h.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed bearer token for id.
func (s *JWTService) Generate(id Identity) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		ContinuumID: id.ContinuumID,
		Timezone:    id.Timezone,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// ValidateBearer implements httpapi.JWTValidator: it parses and verifies
// token, returning the Identity carried by its claims.
func (s *JWTService) ValidateBearer(_ context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Method)
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: c.Subject, ContinuumID: c.ContinuumID, Timezone: c.Timezone}, nil
}

// StaticAPIKeyValidator resolves a bearer token via a fixed API-key-to-user
// map instead of JWT signature verification, matching spec.md §6's "Auth
// is API-key via Authorization: Bearer …" framing for deployments that
// hand out opaque keys rather than signed tokens.
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator builds a validator from a key->Identity map.
func NewStaticAPIKeyValidator(keys map[string]Identity) *StaticAPIKeyValidator {
	cp := make(map[string]Identity, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &StaticAPIKeyValidator{keys: cp}
}

// ValidateBearer looks up token verbatim; API keys are opaque, not signed.
func (v *StaticAPIKeyValidator) ValidateBearer(_ context.Context, token string) (Identity, error) {
	id, ok := v.keys[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
