package gateway

import "errors"

var (
	// ErrNotFound indicates no row matched the filter.
	ErrNotFound = errors.New("gateway: not found")
	// ErrInvalidGrant indicates a rejected password, refresh or verification token.
	ErrInvalidGrant = errors.New("gateway: invalid grant")
	// ErrTokenExpired indicates an access token past its expiry.
	ErrTokenExpired = errors.New("gateway: token expired")
	// ErrEmailNotConfirmed indicates sign-in before the sign-up mail was confirmed.
	ErrEmailNotConfirmed = errors.New("gateway: email not confirmed")
	// ErrUserExists indicates sign-up with an email already registered.
	ErrUserExists = errors.New("gateway: user already registered")
	// ErrUsernameExists indicates sign-up metadata naming a username an active
	// profile already holds.
	ErrUsernameExists = errors.New("gateway: username already taken")
	// ErrSessionMissing indicates an operation requiring a session without one.
	ErrSessionMissing = errors.New("gateway: session missing")
	// ErrTableNotAllowed indicates a row query against a table outside the allow list.
	ErrTableNotAllowed = errors.New("gateway: table not allowed")
	// ErrStorageDisabled indicates object storage is not configured.
	ErrStorageDisabled = errors.New("gateway: object storage disabled")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = errors.New("gateway: password too short")
)
