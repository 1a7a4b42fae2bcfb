package autarco

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrLoginRejected is wrapped by an AuthError when the portal refused the
	// credentials.
	ErrLoginRejected = errors.New("login rejected by upstream")

	// ErrAuthRejected is matched by a FetchError of KindAuthRejected.
	ErrAuthRejected = errors.New("upstream rejected the session")
	// ErrParse is matched by a FetchError of KindParse.
	ErrParse = errors.New("failed to parse upstream response")
	// ErrTransport is matched by a FetchError of KindTransport.
	ErrTransport = errors.New("upstream request failed")

	// errUnauthorized signals a data request was rejected and the session
	// should be invalidated. It never leaves the package.
	errUnauthorized = errors.New("unauthorized")
)

// AuthError is returned when logging in to the upstream portal failed, either
// because the credentials were rejected or the portal could not be reached.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "upstream login failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Kind classifies a FetchError.
type Kind int

const (
	// KindTransport is a network level failure or an unexpected status code.
	KindTransport Kind = iota
	// KindAuthRejected means the data request was rejected even after
	// logging in again.
	KindAuthRejected
	// KindParse means the response was missing fields or malformed.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthRejected:
		return "auth_rejected"
	case KindParse:
		return "parse"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindAuthRejected:
		return ErrAuthRejected
	case KindParse:
		return ErrParse
	default:
		return ErrTransport
	}
}

// FetchError is returned when the statistics could not be fetched with an
// otherwise valid login.
type FetchError struct {
	Kind Kind
	Err  error
}

func (e *FetchError) Error() string {
	return e.Kind.sentinel().Error() + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrParse) and friends.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Timeout reports whether the underlying failure was a timeout.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

func parseError(format string, args ...any) error {
	return &FetchError{Kind: KindParse, Err: fmt.Errorf(format, args...)}
}

func transportError(err error) error {
	return &FetchError{Kind: KindTransport, Err: err}
}
