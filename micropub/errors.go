package micropub

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can decide whether retrying
// could ever help. The core never retries on its own.
type ErrorKind string

const (
	// KindValidation is a local, pre-network rejection. Never retried.
	KindValidation ErrorKind = "validation"
	// KindAuth means the credentials were refused (401/403). Requires
	// reconfiguration, not retry.
	KindAuth ErrorKind = "auth"
	// KindRateLimit is a 429. RetryAfter carries the server's hint; the
	// caller decides whether and when to retry.
	KindRateLimit ErrorKind = "rate_limit"
	// KindService is a 5xx or transport failure. Caller-driven retry.
	KindService ErrorKind = "service"
	// KindSchema means a response or payload did not match the expected
	// structure. Retrying will not fix a shape mismatch.
	KindSchema ErrorKind = "schema"
	// KindConflict is a concurrent operation on the same entity.
	KindConflict ErrorKind = "conflict"
	// KindConfiguration is a missing endpoint or credential.
	KindConfiguration ErrorKind = "configuration"
)

// Error is the taxonomy error carried across the client, codecs, and
// pipelines. RetryAfter is populated for KindRateLimit only, in seconds.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy kind to an underlying error.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Errors outside
// the taxonomy report KindService, the catch-all for unexpected failure.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindService
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
