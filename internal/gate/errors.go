package gate

import (
	"fmt"
	"time"
)

// ErrorKind is the rejection taxonomy surfaced to callers.
type ErrorKind string

const (
	KindUnauthorized   ErrorKind = "unauthorized"
	KindRateLimited    ErrorKind = "rate_limited"
	KindBadInput       ErrorKind = "bad_input"
	KindExecutionError ErrorKind = "execution_error"
	KindCancelled      ErrorKind = "cancelled"
)

// Error is the uniform failure every rejected request produces. Callers
// always receive one of these, never a raw internal error.
type Error struct {
	Kind       ErrorKind
	Message    string
	Field      string        // bad_input only
	RetryAfter time.Duration // rate_limited only
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response is the wire shape of an Error.
type Response struct {
	ErrorKind  string  `json:"errorKind"`
	Message    string  `json:"message"`
	Field      string  `json:"field,omitempty"`
	RetryAfter float64 `json:"retryAfter,omitempty"` // seconds
}

// Response converts the error to its wire shape.
func (e *Error) Response() Response {
	return Response{
		ErrorKind:  string(e.Kind),
		Message:    e.Message,
		Field:      e.Field,
		RetryAfter: e.RetryAfter.Seconds(),
	}
}
