package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ripperfox/ripperfox/internal/downloader"
	"github.com/ripperfox/ripperfox/internal/jobs"
	"github.com/ripperfox/ripperfox/internal/logctx"
	"github.com/ripperfox/ripperfox/internal/settings"
	"github.com/ripperfox/ripperfox/internal/updater"
)

const maxBodyBytes = 1 << 20

// SettingsStore reads and updates user settings.
type SettingsStore interface {
	Runtime() settings.Settings
	Update(ctx context.Context, patch settings.Patch) (settings.Settings, error)
}

// Updater starts yt-dlp updates and reports their progress.
type Updater interface {
	Trigger(ctx context.Context) error
	Status() updater.UpdateJob
}

// Dispatcher starts downloads.
type Dispatcher interface {
	Dispatch(ctx context.Context, rawURL string) (string, error)
}

// JobHistory exposes the tracked jobs.
type JobHistory interface {
	Snapshot(limit int) []jobs.Job
	Clear() int
	Limit() int
}

type downloadRequest struct {
	URL string `json:"url" validate:"required"`
}

type downloadResponse struct {
	JobID string `json:"job_id"`
}

// Handler serves the local API used by the browser extension and the tray.
type Handler struct {
	settings   SettingsStore
	updater    Updater
	dispatcher Dispatcher
	jobs       JobHistory
	validator  *validator.Validate
}

// NewHandler creates the API handler. A nil updater makes the update routes
// answer 503.
func NewHandler(store SettingsStore, upd Updater, dispatcher Dispatcher, history JobHistory) *Handler {
	return &Handler{
		settings:   store,
		updater:    upd,
		dispatcher: dispatcher,
		jobs:       history,
		validator:  validator.New(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", h.HandleGetSettings)
		r.Post("/settings", h.HandleUpdateSettings)
		r.Post("/update-yt-dlp", h.HandleTriggerUpdate)
		r.Get("/update-status", h.HandleUpdateStatus)
		r.Post("/download", h.HandleDownload)
		r.Get("/status", h.HandleStatus)
		r.Delete("/status", h.HandleClearStatus)
	})

	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Runtime())
}

// HandleUpdateSettings merges a partial settings document and persists it.
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var patch settings.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		logger.Warn("failed to decode settings", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	updated, err := h.settings.Update(r.Context(), patch)
	if err != nil {
		logger.Error("failed to save settings", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")

		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) HandleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if h.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "yt-dlp updater unavailable")
		return
	}

	if err := h.updater.Trigger(r.Context()); err != nil {
		if errors.Is(err, updater.ErrUpdateInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		logger.Error("failed to start update", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start update")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, _ *http.Request) {
	if h.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "yt-dlp updater unavailable")
		return
	}

	writeJSON(w, http.StatusOK, h.updater.Status())
}

// HandleDownload starts a download and returns its job id without waiting.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		logger.Warn("failed to decode download request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "No URL provided")
		return
	}

	id, err := h.dispatcher.Dispatch(r.Context(), req.URL)
	switch {
	case errors.Is(err, downloader.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "No URL provided")
	case errors.Is(err, downloader.ErrTooManyJobs):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		logger.Error("failed to dispatch download", "url", req.URL, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start download")
	default:
		writeJSON(w, http.StatusOK, downloadResponse{JobID: id})
	}
}

// HandleStatus returns the most recent jobs keyed by id, oldest first.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	out := orderedmap.New[string, jobs.Job]()

	for _, job := range h.jobs.Snapshot(h.jobs.Limit()) {
		out.Set(job.ID, job)
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleClearStatus(w http.ResponseWriter, r *http.Request) {
	n := h.jobs.Clear()
	logctx.LoggerFromContext(r.Context()).Info("job history cleared", "count", n)

	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
