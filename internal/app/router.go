package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/guard"
	"github.com/odyssey-erp/equiptrack/internal/media"
	"github.com/odyssey-erp/equiptrack/internal/observability"
	"github.com/odyssey-erp/equiptrack/internal/platform/httpx"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
	"github.com/odyssey-erp/equiptrack/jobs"
	"github.com/odyssey-erp/equiptrack/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Templates          *view.Engine
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	AuthHandler        *auth.Handler
	VerifyHandler      *gateway.VerifyHandler
	Guard              *guard.Guard
	PermissionsHandler *rbac.PermissionsHandler
	MediaHandler       *media.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

type homePage struct {
	Profile      auth.Profile
	Phase        auth.Phase
	Role         rbac.Role
	Capabilities []rbac.Capability
}

type managePage struct {
	Role      rbac.Role
	CanUpload bool
}

// NewRouter constructs the chi.Router with dashboard defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	render := func(w http.ResponseWriter, r *http.Request, page, title string, data any) {
		sess := shared.SessionFromContext(r.Context())
		csrfToken, _ := params.CSRFManager.EnsureToken(sess)
		var flash *shared.FlashMessage
		if sess != nil {
			flash = sess.PopFlash()
		}
		err := params.Templates.Render(w, page, view.TemplateData{
			Title:       title,
			CSRFToken:   csrfToken,
			Flash:       flash,
			CurrentPath: r.URL.Path,
			Data:        data,
		})
		if err != nil {
			params.Logger.Error("render page", slog.String("page", page), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}

	r.Group(func(r chi.Router) {
		r.Use(params.Guard.Require(""))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			st, _ := auth.StateFromContext(r.Context())
			page := homePage{Role: st.Role(), Capabilities: st.Capabilities().Granted()}
			if p := st.CurrentProfile(); p != nil {
				page.Profile = *p
				page.Phase = st.Profile.Phase
			}
			render(w, r, "pages/home.html", "Dashboard", page)
		})

		r.Get("/me/capabilities", func(w http.ResponseWriter, r *http.Request) {
			st, _ := auth.StateFromContext(r.Context())
			httpx.JSON(w, http.StatusOK, map[string]any{
				"role":         st.Role(),
				"capabilities": st.Capabilities().Map(),
			})
		})
	})

	r.With(params.Guard.Require(rbac.RoleManager)).Get("/manage", func(w http.ResponseWriter, r *http.Request) {
		st, _ := auth.StateFromContext(r.Context())
		caps := st.Capabilities()
		render(w, r, "pages/manage.html", "Manage", managePage{
			Role:      caps.Role(),
			CanUpload: params.MediaHandler != nil && caps.Can(rbac.CapEquipmentAdd),
		})
	})

	r.With(params.Guard.Require(rbac.RoleAdmin)).Get("/admin", func(w http.ResponseWriter, r *http.Request) {
		st, _ := auth.StateFromContext(r.Context())
		render(w, r, "pages/admin.html", "Administration", managePage{Role: st.Role()})
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.VerifyHandler != nil {
		r.Route("/gateway", params.VerifyHandler.MountRoutes)
	}
	if params.PermissionsHandler != nil {
		r.Route("/permissions", func(r chi.Router) {
			r.Use(params.Guard.Require(""))
			params.PermissionsHandler.MountRoutes(r)
		})
	}
	if params.MediaHandler != nil {
		r.Route("/media", params.MediaHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
