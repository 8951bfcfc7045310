package guard

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/platform/httpx"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
)

// StoreResolver finds the session store behind a request.
type StoreResolver interface {
	StoreFor(r *http.Request) (*auth.Store, error)
}

// Recorder observes guard decisions.
type Recorder interface {
	RecordGuardDecision(status string)
}

// Config configures a Guard.
type Config struct {
	Stores    StoreResolver
	Templates *view.Engine
	CSRF      *shared.CSRFManager
	Logger    *slog.Logger
	LoginPath string
	Recorder  Recorder
}

// Guard turns decisions into HTTP responses.
type Guard struct {
	stores    StoreResolver
	templates *view.Engine
	csrf      *shared.CSRFManager
	logger    *slog.Logger
	loginPath string
	recorder  Recorder
	now       func() time.Time
}

// New constructs a Guard.
func New(cfg Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/login"
	}
	return &Guard{
		stores:    cfg.Stores,
		templates: cfg.Templates,
		csrf:      cfg.CSRF,
		logger:    cfg.Logger,
		loginPath: cfg.LoginPath,
		recorder:  cfg.Recorder,
		now:       time.Now,
	}
}

type deniedPage struct {
	Role     rbac.Role
	Required rbac.Role
	Back     string
}

// Require protects a handler. An empty role admits any signed-in user. On
// success the auth state snapshot is placed in the request context.
func (g *Guard) Require(required rbac.Role) func(http.Handler) http.Handler {
	if required != "" && !required.Valid() {
		panic(fmt.Sprintf("guard: unknown role %q", required))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store, err := g.stores.StoreFor(r)
			if err != nil {
				g.logger.Error("guard resolve store", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			st := store.State()
			if st.Session != nil && st.Session.Expired(g.now(), 0) {
				if err := store.Revalidate(r.Context()); err != nil {
					g.logger.Warn("guard revalidate session", slog.Any("error", err))
				}
				st = store.State()
			}

			d := Evaluate(st, required, r.URL.RequestURI(), g.loginPath)
			if g.recorder != nil {
				g.recorder.RecordGuardDecision(d.Status.String())
			}
			switch d.Status {
			case StatusAllowed:
				next.ServeHTTP(w, r.WithContext(auth.ContextWithState(r.Context(), st)))
			case StatusChecking:
				g.checking(w, r)
			case StatusUnauthenticated:
				if wantsJSON(r) {
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
					return
				}
				http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
			case StatusUnauthorized:
				g.logger.Info("guard denied",
					slog.String("path", r.URL.Path),
					slog.String("role", d.Role.String()),
					slog.String("required", d.Required.String()))
				if wantsJSON(r) {
					httpx.Problem(w, http.StatusForbidden, "Forbidden", auth.ErrUnauthorized.Error())
					return
				}
				g.render(w, r, http.StatusForbidden, "pages/denied.html", "Access denied", deniedPage{
					Role:     d.Role,
					Required: d.Required,
					Back:     backLink(r),
				})
			}
		})
	}
}

func (g *Guard) checking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", "1")
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusServiceUnavailable, "Checking", "session is loading")
		return
	}
	g.render(w, r, http.StatusOK, "pages/loading.html", "Loading", map[string]string{"Location": r.URL.RequestURI()})
}

func (g *Guard) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	var csrfToken string
	if g.csrf != nil && sess != nil {
		csrfToken, _ = g.csrf.EnsureToken(sess)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := g.templates.Render(w, page, view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		CurrentPath: r.URL.Path,
		Data:        data,
	})
	if err != nil {
		g.logger.Error("guard render", slog.String("page", page), slog.Any("error", err))
	}
}

// backLink returns the local referring page, or "/".
func backLink(r *http.Request) string {
	ref := r.Referer()
	if ref == "" {
		return "/"
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Host != "" && u.Host != r.Host) {
		return "/"
	}
	back := u.RequestURI()
	if back == r.URL.RequestURI() {
		return "/"
	}
	return auth.SafeRedirect(back)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// ContextCapabilities reads capabilities from the state placed in the
// request context by Require.
type ContextCapabilities struct{}

// Capabilities implements rbac.CapabilitySource.
func (ContextCapabilities) Capabilities(r *http.Request) (rbac.CapabilitySet, bool) {
	st, ok := auth.StateFromContext(r.Context())
	if !ok || !st.Authenticated() {
		return rbac.CapabilitySet{}, false
	}
	return st.Capabilities(), true
}
