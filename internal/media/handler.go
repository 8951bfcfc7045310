// Package media accepts equipment photo and document uploads.
package media

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/equiptrack/internal/auth"
	"github.com/odyssey-erp/equiptrack/internal/gateway"
	"github.com/odyssey-erp/equiptrack/internal/guard"
	"github.com/odyssey-erp/equiptrack/internal/platform/httpx"
	"github.com/odyssey-erp/equiptrack/internal/rbac"
)

const formField = "file"

var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Uploader stores content for the signed-in user.
type Uploader interface {
	Upload(r *http.Request, key string, content io.Reader, contentType string) (string, error)
}

// StoreUploader uploads through the auth store resolved for the request.
type StoreUploader struct {
	Stores guard.StoreResolver
}

// Upload implements Uploader.
func (u StoreUploader) Upload(r *http.Request, key string, content io.Reader, contentType string) (string, error) {
	store, err := u.Stores.StoreFor(r)
	if err != nil {
		return "", err
	}
	return store.Upload(r.Context(), key, content, contentType)
}

// Handler serves POST /media.
type Handler struct {
	uploader Uploader
	guard    *guard.Guard
	rbac     rbac.Middleware
	logger   *slog.Logger
	maxBytes int64
	now      func() time.Time
}

// NewHandler constructs a media handler.
func NewHandler(uploader Uploader, g *guard.Guard, rbacMW rbac.Middleware, logger *slog.Logger, maxBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Handler{uploader: uploader, guard: g, rbac: rbacMW, logger: logger, maxBytes: maxBytes, now: time.Now}
}

// MountRoutes registers the upload route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.RoleManager))
		r.Use(h.rbac.RequireAll(rbac.CapEquipmentAdd))
		r.Post("/", h.upload)
	})
}

type uploadResponse struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<10)
	file, _, err := r.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Too Large", "file exceeds the upload limit")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "could not read upload")
		return
	}
	if int64(len(data)) > h.maxBytes {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Too Large", "file exceeds the upload limit")
		return
	}
	if len(data) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "file is empty")
		return
	}
	contentType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	ext, ok := allowedTypes[contentType]
	if !ok {
		httpx.Problem(w, http.StatusUnsupportedMediaType, "Unsupported Media Type", contentType)
		return
	}

	key := path.Join("equipment", h.now().UTC().Format("2006/01"), uuid.NewString()+ext)
	url, err := h.uploader.Upload(r, key, bytes.NewReader(data), contentType)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrStorageDisabled):
		httpx.Problem(w, http.StatusServiceUnavailable, "Storage Disabled", "object storage is not configured")
		return
	case errors.Is(err, auth.ErrUnauthorized):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	default:
		h.logger.Error("media upload", slog.String("key", key), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Upload Failed", "")
		return
	}
	h.logger.Info("media uploaded", slog.String("key", key), slog.Int("size", len(data)))
	httpx.JSON(w, http.StatusCreated, uploadResponse{Key: key, URL: url, ContentType: contentType, Size: len(data)})
}
