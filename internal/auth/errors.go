package auth

import "errors"

var (
	// ErrAuthFailed is returned when no valid token could be obtained.
	ErrAuthFailed = errors.New("could not authenticate")
	// ErrNoCredentials means no username/password was ever configured.
	ErrNoCredentials = errors.New("no credentials configured")
)
