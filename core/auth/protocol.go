package auth

import (
	"errors"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	Issuer = "AvaProtocol"
	JwtAlg = "HS256"

	AdminRole    = ApiRole("admin")
	ReadonlyRole = ApiRole("readonly")
)

var (
	ErrorUnAuthorized        = errors.New("unauthorized")
	ErrorInvalidToken        = errors.New("invalid bearer token")
	ErrorMalformedAuthHeader = errors.New("malformed auth header")
	ErrorMissingRole         = errors.New("key does not carry the required role")
)

type ApiRole string

// APIClaim is the payload of every key the bundler issues. Subject names the
// operator the key was created for.
type APIClaim struct {
	*jwt.RegisteredClaims
	Roles []ApiRole `json:"roles"`
}

func (c *APIClaim) HasRole(role ApiRole) bool {
	for _, r := range c.Roles {
		// admin implies every other role
		if r == role || r == AdminRole {
			return true
		}
	}
	return false
}
