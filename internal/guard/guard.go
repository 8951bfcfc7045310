// Package guard decides whether a protected page may be served to the
// principal of the current browser session.
package guard

import (
	"net/url"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
)

// Status is the outcome of one navigation attempt.
type Status int

const (
	// StatusChecking means the session store is still loading.
	StatusChecking Status = iota
	// StatusUnauthenticated means nobody is signed in.
	StatusUnauthenticated
	// StatusUnauthorized means the effective role ranks below the requirement.
	StatusUnauthorized
	// StatusAllowed means the page may be served.
	StatusAllowed
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusUnauthenticated:
		return "denied-unauthenticated"
	case StatusUnauthorized:
		return "denied-unauthorized"
	case StatusAllowed:
		return "allowed"
	default:
		return "unknown"
	}
}

// Decision is the result of Evaluate.
type Decision struct {
	Status   Status
	Role     rbac.Role
	Required rbac.Role
	// Redirect is set for StatusUnauthenticated and points at the login
	// page carrying the requested location as its return target.
	Redirect string
}

// Evaluate decides a navigation to location. It depends only on its
// arguments, so re-evaluating an unchanged state yields the same decision.
func Evaluate(st auth.State, required rbac.Role, location, loginPath string) Decision {
	d := Decision{Status: StatusChecking, Required: required}
	if st.Loading || !st.Initialized {
		return d
	}
	if !st.Authenticated() {
		d.Status = StatusUnauthenticated
		d.Redirect = LoginURL(loginPath, location)
		return d
	}
	d.Role = st.Role()
	if !d.Role.AtLeast(required) {
		d.Status = StatusUnauthorized
		return d
	}
	d.Status = StatusAllowed
	return d
}

// LoginURL builds the login location returning to location afterwards.
func LoginURL(loginPath, location string) string {
	if location == "" {
		return loginPath
	}
	return loginPath + "?" + url.Values{"next": {location}}.Encode()
}
