package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token cannot be parsed or verified.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the parts of an access token crmgate cares about.
type Claims struct {
	Subject   string
	Username  string
	Groups    []string
	ExpiresAt time.Time
}

// PrimaryGroup returns the first group claim, or "" if there is none.
func (c Claims) PrimaryGroup() string {
	if len(c.Groups) == 0 {
		return ""
	}
	return c.Groups[0]
}

// AccessClaims is the JWT claim set of a Cognito-style access token.
type AccessClaims struct {
	Username string   `json:"username,omitempty"`
	Groups   []string `json:"cognito:groups,omitempty"`
	TokenUse string   `json:"token_use,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Claims converts the JWT claim set.
func (a *AccessClaims) Claims() Claims {
	c := Claims{
		Subject:  a.Subject,
		Username: a.Username,
		Groups:   append([]string(nil), a.Groups...),
	}
	if a.ExpiresAt != nil {
		c.ExpiresAt = a.ExpiresAt.Time
	}
	if c.Username == "" {
		c.Username = a.Subject
	}
	return c
}

// ParseUnverified extracts claims from a token this process obtained
// directly from the provider. It must not be used on tokens received from
// a client; use a Verifier for those.
func ParseUnverified(token string) (Claims, error) {
	var ac AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &ac); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return ac.Claims(), nil
}
