package auth

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// NewKey signs an API key for subject carrying roles, valid for ttl
func NewKey(secret []byte, subject string, ttl time.Duration, roles ...ApiRole) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("empty jwt secret")
	}

	now := time.Now()
	claims := &APIClaim{
		RegisteredClaims: &jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseKey verifies the signature, algorithm, issuer and expiry of key
func ParseKey(secret []byte, key string) (*APIClaim, error) {
	claims := &APIClaim{RegisteredClaims: &jwt.RegisteredClaims{}}
	_, err := jwt.ParseWithClaims(key, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{JwtAlg}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrorInvalidToken, err)
	}

	return claims, nil
}

// VerifyAuthHeader checks a `Bearer <key>` header and requires role on the key
func VerifyAuthHeader(secret []byte, header string, role ApiRole) (*APIClaim, error) {
	scheme, key, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || key == "" {
		return nil, ErrorMalformedAuthHeader
	}

	claims, err := ParseKey(secret, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if !claims.HasRole(role) {
		return nil, ErrorMissingRole
	}
	return claims, nil
}
