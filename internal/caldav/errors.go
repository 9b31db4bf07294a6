package caldav

import (
	"errors"
	"fmt"
	"net"
)

// AuthError means the server rejected the credentials. It is not retried
// automatically.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "credentials rejected"
	}
	return fmt.Sprintf("caldav auth failed (%d): %s; generate a new app-specific password for this account and connect again", e.Status, reason)
}

// TransportError is a network or server fault. It is retried on the next
// scheduled pass.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("caldav %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the failure looks transient (timeouts, resets).
func (e *TransportError) Temporary() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsAuth reports whether err carries an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classify wraps err as a TransportError unless it is already an auth
// failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return &TransportError{Op: op, Err: err}
}

// ErrPreconditionFailed means a conditional write lost: the object changed
// since its etag was read, or a create found the name taken.
var ErrPreconditionFailed = errors.New("precondition failed")
