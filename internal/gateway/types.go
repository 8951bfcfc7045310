package gateway

import (
	"encoding/json"
	"errors"
	"time"
)

// Identity is the authenticated principal as recorded by the platform.
type Identity struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Role     string   `json:"role,omitempty"`
	Metadata Metadata `json:"user_metadata,omitempty"`
}

// Session wraps an identity with its token pair.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
}

// Expired reports whether the access token is past its expiry, allowing skew.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s == nil {
		return true
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// Metadata carries free-form account attributes set at sign-up.
type Metadata map[string]any

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// Filter selects rows by column equality.
type Filter map[string]any

// Row is a single relational row encoded as a JSON object.
type Row json.RawMessage

// Decode unmarshals the row into v.
func (r Row) Decode(v any) error {
	if len(r) == 0 {
		return errors.New("gateway: empty row")
	}
	return json.Unmarshal(r, v)
}

// EventKind names an auth lifecycle event.
type EventKind string

// Auth lifecycle events.
const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to subscribers on every session change. Session is
// nil for EventSignedOut.
type AuthEvent struct {
	Kind    EventKind
	Session *Session
}
