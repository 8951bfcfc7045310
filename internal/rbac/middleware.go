package rbac

import (
	"log/slog"
	"net/http"
	"strings"
)

// CapabilitySource resolves the capability set of the principal behind a request.
type CapabilitySource interface {
	Capabilities(r *http.Request) (CapabilitySet, bool)
}

// Middleware wires capability checks for HTTP handlers.
type Middleware struct {
	Source CapabilitySource
	Logger *slog.Logger
}

// RequireAny ensures the current principal holds at least one of the capabilities.
func (m Middleware) RequireAny(caps ...Capability) func(http.Handler) http.Handler {
	normalized := normalizeCapabilities(caps)
	return m.require("rbac require any", normalized, func(set CapabilitySet) bool {
		return hasAnyCapability(set, normalized)
	})
}

// RequireAll ensures the current principal holds every capability.
func (m Middleware) RequireAll(caps ...Capability) func(http.Handler) http.Handler {
	normalized := normalizeCapabilities(caps)
	return m.require("rbac require all", normalized, func(set CapabilitySet) bool {
		return hasAllCapabilities(set, normalized)
	})
}

func (m Middleware) require(op string, required []Capability, allowed func(CapabilitySet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if m.Source == nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.String("reason", "capability source missing"))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			set, ok := m.Source.Capabilities(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if allowed(set) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info(op+" denied", slog.String("role", set.Role().String()), slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func normalizeCapabilities(caps []Capability) []Capability {
	unique := make(map[Capability]struct{}, len(caps))
	normalized := make([]Capability, 0, len(caps))
	for _, c := range caps {
		c = Capability(strings.TrimSpace(strings.ToLower(string(c))))
		if c == "" {
			continue
		}
		if _, seen := unique[c]; seen {
			continue
		}
		unique[c] = struct{}{}
		normalized = append(normalized, c)
	}
	return normalized
}

func hasAnyCapability(set CapabilitySet, required []Capability) bool {
	if len(required) == 0 {
		return true
	}
	for _, c := range required {
		if set.Can(c) {
			return true
		}
	}
	return false
}

func hasAllCapabilities(set CapabilitySet, required []Capability) bool {
	for _, c := range required {
		if !set.Can(c) {
			return false
		}
	}
	return true
}
