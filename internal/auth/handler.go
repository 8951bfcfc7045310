package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/shared"
	"github.com/odyssey-erp/equiptrack/internal/view"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	registry       *Registry
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, registry *Registry, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		registry:       registry,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Get("/signup", h.showSignup)
	r.Post("/signup", h.handleSignup)
	r.Post("/logout", h.handleLogout)
	r.Get("/reset", h.showReset)
	r.Post("/reset", h.handleReset)
	r.Get("/recover", h.showRecover)
	r.Post("/recover", h.handleRecover)
	r.Get("/callback", h.showCallback)
}

type loginForm struct {
	Username string `validate:"required,max=64"`
	Password string `validate:"required"`
	Next     string
}

type signupForm struct {
	Email     string `validate:"required,email"`
	Username  string `validate:"required,min=3,max=32,alphanum"`
	FirstName string `validate:"max=64"`
	LastName  string `validate:"max=64"`
	Password  string `validate:"required,min=8"`
	Confirm   string `validate:"required,eqfield=Password"`
}

type resetForm struct {
	Email string `validate:"required,email"`
}

type recoverForm struct {
	Token    string `validate:"required"`
	Password string `validate:"required,min=8"`
	Confirm  string `validate:"required,eqfield=Password"`
}

type formPage struct {
	Form   any
	Errors map[string]string
}

type noticePage struct {
	Heading string
	Message string
	Link    string
	Label   string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	next := SafeRedirect(r.URL.Query().Get("next"))
	if store, err := h.registry.StoreFor(r); err == nil && store.State().Authenticated() {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "pages/login.html", "Sign in", formPage{Form: loginForm{Next: next}})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
		Next:     SafeRedirect(r.PostFormValue("next")),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil {
			h.logger.Error("resolve auth store", slog.Any("error", ErrSessionMissing))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		// Sign in under a fresh browser session id so an id known before
		// login never carries the authenticated state.
		id := h.sessionManager.NewID()
		store, err := h.registry.Store(r.Context(), id)
		if err != nil {
			h.logger.Error("resolve auth store", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		err = store.SignIn(r.Context(), form.Username, form.Password)
		if err != nil {
			h.registry.Evict(id)
		}
		switch {
		case err == nil:
			previous := sess.ID
			h.sessionManager.Renew(sess, id)
			h.retire(r, previous)
			h.flash(r, "success", "Welcome back")
			http.Redirect(w, r, form.Next, http.StatusSeeOther)
			return
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, gateway.ErrInvalidGrant):
			errs["general"] = "Invalid username or password"
		case errors.Is(err, gateway.ErrEmailNotConfirmed):
			errs["general"] = "Confirm your email address before signing in"
		default:
			h.logger.Error("sign in", slog.Any("error", err))
			errs["general"] = "Sign-in is unavailable right now, please try again"
		}
	}
	form.Password = ""
	h.render(w, r, http.StatusBadRequest, "pages/login.html", "Sign in", formPage{Form: form, Errors: errs})
}

// retire signs out and drops the store of a replaced browser session id.
func (h *Handler) retire(r *http.Request, id string) {
	store, ok := h.registry.Lookup(id)
	if !ok {
		return
	}
	if store.State().Authenticated() {
		if err := store.SignOut(r.Context()); err != nil {
			h.logger.Warn("sign out replaced session", slog.Any("error", err))
		}
	}
	h.registry.Evict(id)
}

func (h *Handler) showSignup(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/signup.html", "Create account", formPage{Form: signupForm{}})
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := signupForm{
		Email:     strings.TrimSpace(r.PostFormValue("email")),
		Username:  strings.TrimSpace(r.PostFormValue("username")),
		FirstName: strings.TrimSpace(r.PostFormValue("first_name")),
		LastName:  strings.TrimSpace(r.PostFormValue("last_name")),
		Password:  r.PostFormValue("password"),
		Confirm:   r.PostFormValue("confirm"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		store, err := h.registry.StoreFor(r)
		if err != nil {
			h.logger.Error("resolve auth store", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		err = store.SignUp(r.Context(), form.Email, form.Password, ProfileFields{
			Username:  form.Username,
			FirstName: form.FirstName,
			LastName:  form.LastName,
		})
		switch {
		case err == nil:
			h.render(w, r, http.StatusOK, "pages/notice.html", "Check your inbox", noticePage{
				Heading: "Check your inbox",
				Message: "We sent a confirmation link to " + form.Email + ". Follow it to activate your account.",
				Link:    "/auth/login",
				Label:   "Back to sign in",
			})
			return
		case errors.Is(err, ErrUsernameTaken):
			errs["Username"] = "This username is already taken"
		case errors.Is(err, gateway.ErrUserExists):
			errs["Email"] = "An account with this email already exists"
		case errors.Is(err, gateway.ErrWeakPassword):
			errs["Password"] = "Password is too short"
		default:
			h.logger.Error("sign up", slog.Any("error", err))
			errs["general"] = "Sign-up is unavailable right now, please try again"
		}
	}
	form.Password, form.Confirm = "", ""
	h.render(w, r, http.StatusBadRequest, "pages/signup.html", "Create account", formPage{Form: form, Errors: errs})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if store, err := h.registry.StoreFor(r); err == nil {
			if err := store.SignOut(r.Context()); err != nil {
				h.logger.Warn("sign out", slog.Any("error", err))
			}
		}
		h.registry.Evict(sess.ID)
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (h *Handler) showReset(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/reset.html", "Reset password", formPage{Form: resetForm{}})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := resetForm{Email: strings.TrimSpace(r.PostFormValue("email"))}
	if errs := h.validate(form); len(errs) > 0 {
		h.render(w, r, http.StatusBadRequest, "pages/reset.html", "Reset password", formPage{Form: form, Errors: errs})
		return
	}
	store, err := h.registry.StoreFor(r)
	if err != nil {
		h.logger.Error("resolve auth store", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := store.ResetPassword(r.Context(), form.Email); err != nil {
		h.logger.Error("request password reset", slog.Any("error", err))
	}
	h.render(w, r, http.StatusOK, "pages/notice.html", "Reset password", noticePage{
		Heading: "Check your inbox",
		Message: "If " + form.Email + " belongs to an account, a reset link is on its way.",
		Link:    "/auth/login",
		Label:   "Back to sign in",
	})
}

func (h *Handler) showRecover(w http.ResponseWriter, r *http.Request) {
	form := recoverForm{Token: r.URL.Query().Get("token")}
	h.render(w, r, http.StatusOK, "pages/recover.html", "Choose a new password", formPage{Form: form})
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := recoverForm{
		Token:    r.PostFormValue("token"),
		Password: r.PostFormValue("password"),
		Confirm:  r.PostFormValue("confirm"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		store, err := h.registry.StoreFor(r)
		if err != nil {
			h.logger.Error("resolve auth store", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		err = store.CompletePasswordReset(r.Context(), form.Token, form.Password)
		switch {
		case err == nil:
			h.flash(r, "success", "Password updated, please sign in")
			http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
			return
		case errors.Is(err, gateway.ErrInvalidGrant):
			errs["general"] = "This reset link is invalid or has expired"
		case errors.Is(err, gateway.ErrWeakPassword):
			errs["Password"] = "Password is too short"
		default:
			h.logger.Error("complete password reset", slog.Any("error", err))
			errs["general"] = "Password reset is unavailable right now, please try again"
		}
	}
	form.Password, form.Confirm = "", ""
	h.render(w, r, http.StatusBadRequest, "pages/recover.html", "Choose a new password", formPage{Form: form, Errors: errs})
}

func (h *Handler) showCallback(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/notice.html", "Account confirmed", noticePage{
		Heading: "Account confirmed",
		Message: "Your email address is confirmed. You can sign in now.",
		Link:    "/auth/login",
		Label:   "Sign in",
	})
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldMessage(fieldErr)
			}
		} else {
			errs["general"] = err.Error()
		}
	}
	return errs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "min":
		return "Must be at least " + fe.Param() + " characters"
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "alphanum":
		return "Use letters and digits only"
	case "eqfield":
		return "Passwords do not match"
	default:
		return fe.Error()
	}
}

func (h *Handler) flash(r *http.Request, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, page, viewData); err != nil {
		h.logger.Error("render auth page", slog.String("page", page), slog.Any("error", err))
	}
}

// SafeRedirect returns target when it is a local absolute path and "/"
// otherwise.
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}
