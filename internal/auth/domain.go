package auth

import (
	"strings"
	"time"

	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
)

// ProfilesTable holds the application-owned user profiles.
const ProfilesTable = "profiles"

// Profile enriches an identity with application attributes.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName prefers the full name and falls back to the username.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Username
	}
	return name
}

// ProfileFields are collected at sign-up and stored as account metadata.
type ProfileFields struct {
	Username  string
	FirstName string
	LastName  string
}

// Phase tells whether a profile was synthesized or fetched.
type Phase int

const (
	// PhaseOptimistic marks a profile synthesized from identity claims.
	PhaseOptimistic Phase = iota + 1
	// PhaseConfirmed marks the authoritative row.
	PhaseConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseOptimistic:
		return "optimistic"
	case PhaseConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// ProfileState is a profile tagged with its phase.
type ProfileState struct {
	Phase Phase
	Value Profile
}

// Confirmed reports whether the value came from the profiles table.
func (p *ProfileState) Confirmed() bool {
	return p != nil && p.Phase == PhaseConfirmed
}

// applyOptimistic installs a fallback profile unless a confirmed profile for
// the same principal is already present.
func applyOptimistic(cur *ProfileState, p Profile) *ProfileState {
	if cur.Confirmed() && cur.Value.ID == p.ID {
		return cur
	}
	return &ProfileState{Phase: PhaseOptimistic, Value: p}
}

// applyConfirmed installs the authoritative profile. A result for a different
// principal, or one arriving when no profile is held, leaves cur unchanged.
// The phase never moves back from confirmed to optimistic.
func applyConfirmed(cur *ProfileState, p Profile) *ProfileState {
	if cur == nil || cur.Value.ID != p.ID {
		return cur
	}
	return &ProfileState{Phase: PhaseConfirmed, Value: p}
}

// fallbackProfile synthesizes a profile from identity claims.
func fallbackProfile(identity gateway.Identity, fallbackRole rbac.Role, now time.Time) Profile {
	username := identity.Metadata.String("username")
	if username == "" {
		username, _, _ = strings.Cut(identity.Email, "@")
	}
	role, ok := rbac.ParseRole(identity.Role)
	if !ok {
		role = fallbackRole
	}
	return Profile{
		ID:        identity.ID,
		Username:  username,
		Email:     identity.Email,
		FirstName: identity.Metadata.String("first_name"),
		LastName:  identity.Metadata.String("last_name"),
		Role:      role.String(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// State is a snapshot of the session store.
type State struct {
	Identity    *gateway.Identity
	Session     *gateway.Session
	Profile     *ProfileState
	Loading     bool
	Initialized bool
}

// Authenticated reports whether an identity is present.
func (s State) Authenticated() bool {
	return s.Identity != nil
}

// CurrentProfile returns the held profile or nil.
func (s State) CurrentProfile() *Profile {
	if s.Profile == nil {
		return nil
	}
	p := s.Profile.Value
	return &p
}

// Role resolves the effective role: the profile role, then the identity
// claim, then user.
func (s State) Role() rbac.Role {
	var profileRole, claimRole string
	if s.Profile != nil {
		profileRole = s.Profile.Value.Role
	}
	if s.Identity != nil {
		claimRole = s.Identity.Role
	}
	return rbac.EffectiveRole(profileRole, claimRole)
}

// Capabilities derives the capability set of the effective role.
func (s State) Capabilities() rbac.CapabilitySet {
	return rbac.For(s.Role())
}
