// Package identity defines the contract crmgate expects from an identity
// provider, the provider error type, token claim parsing and token caches.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider error codes. They follow the names used by Cognito user pools so
// every provider reports failures the same way.
const (
	CodeUserNotFound          = "UserNotFoundException"
	CodeNotAuthorized         = "NotAuthorizedException"
	CodeUserNotConfirmed      = "UserNotConfirmedException"
	CodeLimitExceeded         = "LimitExceededException"
	CodeTooManyRequests       = "TooManyRequestsException"
	CodeInvalidParameter      = "InvalidParameterException"
	CodeCodeMismatch          = "CodeMismatchException"
	CodeExpiredCode           = "ExpiredCodeException"
	CodeInvalidPassword       = "InvalidPasswordException"
	CodePasswordResetRequired = "PasswordResetRequiredException"
	CodeUnknown               = "UnknownException"
)

var (
	// ErrNoSession is returned when there is no signed-in user.
	ErrNoSession = errors.New("no active session")
	// ErrChallengeRequired is returned when sign-in needs a further step
	// (e.g. a forced password change) that crmgate does not handle.
	ErrChallengeRequired = errors.New("additional sign-in challenge required")
)

// Error is a failure reported by the identity provider.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the provider error code carried by err, or "" when err is
// not an *Error.
func CodeOf(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// Tokens is the token set issued for a session.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Username     string    `json:"username"`
}

// Expired reports whether the access token is past its expiry at now.
func (t Tokens) Expired(now time.Time) bool {
	return t.ExpiresAt.IsZero() || !now.Before(t.ExpiresAt)
}

// Session is the result of FetchSession.
type Session struct {
	Tokens Tokens
	Claims Claims
}

// User is the currently signed-in user.
type User struct {
	Username   string
	UserID     string
	Attributes map[string]string
}

// Provider is the identity provider the session manager talks to.
type Provider interface {
	SignIn(ctx context.Context, username, password string) error
	// FetchSession returns the current tokens, refreshing them when they
	// have expired. It returns ErrNoSession when nobody is signed in.
	FetchSession(ctx context.Context) (Session, error)
	CurrentUser(ctx context.Context) (User, error)
	// SignOut ends the session. With global set every session of the user
	// is invalidated, not only this one.
	SignOut(ctx context.Context, global bool) error
	ResetPassword(ctx context.Context, username string) error
	ConfirmResetPassword(ctx context.Context, username, code, newPassword string) error
}

// Verifier checks an access token presented to the gateway.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (Claims, error)
}
