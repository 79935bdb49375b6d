package master

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
)

var (
	// ErrStaleResponse matches every *StaleResponseError.
	ErrStaleResponse = errors.New("stale response")

	// ErrRemoteListUnavailable is returned when the full package listing
	// comes back empty. A real index is never empty, so this is a server
	// or transport problem and the run must abort.
	ErrRemoteListUnavailable = errors.New("unable to get full list of packages")

	// ErrPackageNotFound matches every *PackageNotFoundError.
	ErrPackageNotFound = errors.New("package not found")

	// ErrConfiguration is returned by constructors for unusable settings.
	ErrConfiguration = errors.New("invalid master configuration")

	// ErrTimeout marks errors caused by the per-operation or global timeout.
	ErrTimeout = errors.New("timeout")

	// ErrSerialRequirementUnspecified is returned for a zero RequiredSerial.
	ErrSerialRequirementUnspecified = errors.New("serial requirement not specified; use AtLeast or NoSerialRequirement")

	// ErrSessionClosed is returned when a request is issued outside Open/Close.
	ErrSessionClosed = errors.New("session is not open")
)

// StaleResponseError reports a response whose serial is behind the
// required serial, typically served from a CDN or proxy cache.
type StaleResponseError struct {
	Path        string
	Required    int64
	Observed    int64
	HasObserved bool
}

func (e *StaleResponseError) Error() string {
	got := "none"
	if e.HasObserved {
		got = strconv.FormatInt(e.Observed, 10)
	}
	return fmt.Sprintf("expected PyPI serial %d for request %s but got %s", e.Required, e.Path, got)
}

// Is makes errors.Is(err, ErrStaleResponse) work.
func (e *StaleResponseError) Is(target error) bool {
	return target == ErrStaleResponse
}

// PackageNotFoundError is returned when the index answers 404 for a package.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return e.Name + " no longer exists on PyPI"
}

func (e *PackageNotFoundError) Is(target error) bool {
	return target == ErrPackageNotFound
}

// HTTPStatusError is returned for every non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("status %d for %s", e.StatusCode, e.URL)
}

// RPCFaultError is an XML-RPC fault returned by the index.
type RPCFaultError struct {
	Procedure Procedure
	Message   string
}

func (e *RPCFaultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Procedure, e.Message)
}

// IsTimeout reports whether err was caused by a session timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// statusCode returns the HTTP status carried by err, or 0.
func statusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
