package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sync engine errors.
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrDecryption     = errors.New("decryption failed")
)

// Remote/transport errors.
var (
	ErrUnauthorized = errors.New("remote rejected credentials")
	ErrNotFound     = errors.New("remote object not found")
	ErrRateLimited  = errors.New("remote rate limit exceeded")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)

// RemoteCallError is returned for any failed remote API call. Status is
// the HTTP status code, or 0 when the request never produced a response.
type RemoteCallError struct {
	Operation string
	Status    int
	Message   string
	// RateLimited is set when the server signalled an exhausted quota on a
	// status that is not 429 (GitHub answers 403 in that case).
	RateLimited bool
	Err         error
}

func (e *RemoteCallError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Operation, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// Is maps the status code onto the package sentinels so callers can use
// errors.Is(err, ErrUnauthorized) without inspecting codes.
func (e *RemoteCallError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests || e.RateLimited
	case ErrUnauthorized:
		return !e.RateLimited && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrAPIRequest:
		return true
	}

	return false
}

// IsTransient reports whether retrying the same call may succeed.
func (e *RemoteCallError) IsTransient() bool {
	if e.Status == 0 || e.RateLimited {
		return true
	}

	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// DecryptionError wraps an authentication or format failure while
// decrypting a path or blob.
type DecryptionError struct {
	Op  string
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypting %s: %v", e.Op, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}
