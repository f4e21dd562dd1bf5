package session

import (
	"errors"
	"fmt"
)

var (
	ErrProfileNotFound    = errors.New("profile not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailInUse         = errors.New("email already in use")
	ErrTooManyAttempts    = errors.New("too many failed sign-in attempts")
	ErrSessionClosed      = errors.New("session closed")
	ErrNotSignedIn        = errors.New("not signed in")
)

// ProfileIncompleteError reports that an identity was created but its role
// documents could not be written. The identity stays signed in with no role.
type ProfileIncompleteError struct {
	IdentityID string
	Err        error
}

func (e *ProfileIncompleteError) Error() string {
	return fmt.Sprintf("identity %s created but profile write failed: %v", e.IdentityID, e.Err)
}

func (e *ProfileIncompleteError) Unwrap() error { return e.Err }
