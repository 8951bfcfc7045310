package rbac

import "strings"

// Role is the coarse application role stored on a profile.
type Role string

// Known roles, ordered by RoleHierarchy.
const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Roles lists every known role from lowest to highest rank.
func Roles() []Role {
	return []Role{RoleUser, RoleManager, RoleAdmin}
}

// ParseRole normalises raw into a known Role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, true
	case RoleManager:
		return RoleManager, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Rank returns the position of r in the hierarchy; unknown roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleManager:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r satisfies a required minimum role. An empty
// requirement is always satisfied.
func (r Role) AtLeast(required Role) bool {
	if required == "" {
		return true
	}
	return r.Rank() >= required.Rank()
}

func (r Role) String() string {
	return string(r)
}

// EffectiveRole picks the first non-empty candidate (profile role first, then
// the identity claim) and falls back to RoleUser when nothing usable is found.
func EffectiveRole(candidates ...string) Role {
	for _, raw := range candidates {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if role, ok := ParseRole(raw); ok {
			return role
		}
		return RoleUser
	}
	return RoleUser
}
