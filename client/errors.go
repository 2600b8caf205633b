package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoRefreshToken means a refresh was needed but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrRefreshDenied means the authentication service rejected the refresh
	// or could not be reached.
	ErrRefreshDenied = errors.New("token refresh denied")
	// ErrAuthorizationFailed means the request was rejected again after a
	// successful refresh.
	ErrAuthorizationFailed = errors.New("authorization failed after token refresh")
	// ErrSessionExpired is the single signal callers check to send the user
	// back to login.
	ErrSessionExpired = errors.New("session expired")
)

// SessionExpiredError reports an unrecoverable authentication failure.
// It matches ErrSessionExpired and unwraps to the cause.
type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionExpired, e.Cause)
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Cause
}

// NetworkError is a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the error body shape used by the backend services.
type ErrorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// StatusError is a non-2xx response surfaced unchanged to the caller.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// Message extracts the human-readable message from the response body.
func (e *StatusError) Message() string {
	var errResp ErrorResponse
	if err := json.Unmarshal(e.Body, &errResp); err == nil {
		for _, s := range []string{errResp.Error, errResp.Detail, errResp.Message} {
			if s != "" {
				return s
			}
		}
	}
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return http.StatusText(e.StatusCode)
	}
	return body
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
