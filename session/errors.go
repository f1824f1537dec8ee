package session

import (
	"errors"
	"fmt"
)

// ErrNoAccess is returned by SignIn when the user has no role.
var ErrNoAccess = errors.New("no access permissions")

// Error is a user-facing failure of a manager action. Message is localized
// and is also stored in the manager's Error field.
type Error struct {
	Op      Op
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
