package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// VerifyHandler serves the links embedded in confirmation mail.
type VerifyHandler struct {
	backend  *Backend
	logger   *slog.Logger
	fallback string
}

// NewVerifyHandler constructs a VerifyHandler. fallback is used when the
// confirmation carried no redirect target.
func NewVerifyHandler(backend *Backend, logger *slog.Logger, fallback string) *VerifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == "" {
		fallback = "/"
	}
	return &VerifyHandler{backend: backend, logger: logger, fallback: fallback}
}

// MountRoutes registers the verification endpoint.
func (h *VerifyHandler) MountRoutes(r chi.Router) {
	r.Get("/verify", h.handleVerify)
}

func (h *VerifyHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("type") != "signup" {
		http.Error(w, "unsupported verification type", http.StatusBadRequest)
		return
	}
	target, err := h.backend.ConfirmSignup(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) || errors.Is(err, ErrNotFound) {
			http.Error(w, "confirmation link is invalid or has expired", http.StatusBadRequest)
			return
		}
		h.logger.Error("confirm signup", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if target == "" {
		target = h.fallback
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
