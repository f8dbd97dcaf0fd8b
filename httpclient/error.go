package httpclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedMethod is returned when a request method is not one
	// the client can send.
	ErrUnsupportedMethod = errors.New("httpclient: unsupported method")

	// ErrNotLiteralAddr is returned when a URL host is not a literal IP
	// address. The client performs no name resolution.
	ErrNotLiteralAddr = errors.New("httpclient: host is not a literal address")

	// ErrNoAuthority is returned when a URL carries no authority to
	// derive the Host header or destination from.
	ErrNoAuthority = errors.New("httpclient: url has no authority")

	// ErrNoRequest is returned by Start when no request was generated.
	ErrNoRequest = errors.New("httpclient: request not generated")

	// ErrHeaderLimit is returned through Handle.Err when a response
	// carries more headers than the configured maximum. The response is
	// aborted, not truncated.
	ErrHeaderLimit = errors.New("httpclient: too many response headers")

	// ErrAdmissionDenied is returned by Start when the route's admission
	// limiter refuses a new connection.
	ErrAdmissionDenied = errors.New("httpclient: route admission denied")
)

// ConfigError reports an engine configuration rejected at Build time.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid client configuration: %s", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// FieldError represents a single validation error for a specific field.
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors represents a collection of field errors.
type FieldErrors []FieldError

// Error implements the error interface, returning a human-readable
// summary of all field errors.
func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}
