package auth

import "errors"

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUsernameTaken is returned when an active profile already uses the username.
	ErrUsernameTaken = errors.New("auth: username taken")
	// ErrProfileFetchFailed wraps failures of the background profile fetch.
	// It is logged and never returned to callers.
	ErrProfileFetchFailed = errors.New("auth: profile fetch failed")
	// ErrUnauthorized is returned when the effective role is below the required one.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrStoreDisposed is returned by operations on a disposed store.
	ErrStoreDisposed = errors.New("auth: store disposed")
	// ErrSessionMissing means no browser session was attached to the request.
	ErrSessionMissing = errors.New("auth: browser session missing")
)
