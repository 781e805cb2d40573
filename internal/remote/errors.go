package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the bearer token was rejected; re-authenticate and retry.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials means sign-in was refused for the given username/password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTooLarge means the server refused the payload size.
	ErrTooLarge = errors.New("file too large for upload")
)

// RejectedError is a client-side refusal other than auth or size.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server: http %d: %s", e.Status, e.Body)
}

// StatusError is an unexpected server status, usually transient.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status: http %d", e.Status) }
