package auth

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Roles understood by the API. Viewers may read logs and analytics; admins
// may additionally ingest, purge, export, and inspect token statistics.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Claims defines the JWT payload carried by dashboard bearer tokens.
type Claims struct {
	Subject string `json:"sub_name,omitempty"`
	Role    string `json:"role"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT with the provided secret and ttl.
// Token issuance lives with the identity provider; this helper exists for
// tooling and tests.
func GenerateToken(subject, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "apiwatch",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// CanView reports whether the role may read logs and analytics.
func CanView(role string) bool {
	return role == RoleAdmin || role == RoleViewer
}

// CanAdminister reports whether the role may mutate or export data.
func CanAdminister(role string) bool {
	return role == RoleAdmin
}
