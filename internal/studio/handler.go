// Package studio is the headless control surface of the live client: an HTTP
// API to start and stop capture, list live streams and watch them.
package studio

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"livecast/internal/capture"
	"livecast/internal/directory"
	"livecast/internal/live"
	"livecast/internal/playback"
)

// Handler exposes the studio endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the studio endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/streams", h.ListStreams)
	r.Route("/capture", func(r chi.Router) {
		r.Post("/start", h.StartCapture)
		r.Post("/stop", h.StopCapture)
		r.Get("/status", h.CaptureStatus)
	})
	r.Get("/watch", h.ListWatches)
	r.Route("/watch/{stream_id}", func(r chi.Router) {
		r.Post("/", h.Watch)
		r.Get("/", h.WatchStatus)
		r.Delete("/", h.Unwatch)
		r.Post("/play", h.Play)
	})
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.svc.ListStreams(r.Context())
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	if streams == nil {
		streams = []directory.Stream{}
	}
	h.writeJSON(w, http.StatusOK, streams)
}

// StartCapture handles POST /capture/start.
// Body (optional): { "title": "...", "description": "..." }.
func (h *Handler) StartCapture(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp, err := h.svc.StartCapture(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, capture.ErrSessionActive), errors.Is(err, capture.ErrStopped):
			h.fail(w, http.StatusConflict, err)
		case errors.Is(err, live.ErrPermissionDenied):
			h.fail(w, http.StatusForbidden, err)
		case errors.Is(err, live.ErrDirectoryUnavailable):
			h.fail(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, live.ErrDeviceUnavailable):
			h.fail(w, http.StatusFailedDependency, err)
		default:
			h.fail(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.log.Info("capture started", slog.String("stream_id", string(resp.StreamKey)))
	h.writeJSON(w, http.StatusCreated, resp)
}

// StopCapture handles POST /capture/stop.
func (h *Handler) StopCapture(w http.ResponseWriter, r *http.Request) {
	h.svc.StopCapture()
	h.writeJSON(w, http.StatusOK, h.svc.CaptureStatus())
}

// CaptureStatus handles GET /capture/status.
func (h *Handler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.CaptureStatus())
}

// ListWatches handles GET /watch.
func (h *Handler) ListWatches(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Watches())
}

// Watch handles POST /watch/{stream_id}.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	id := live.StreamID(chi.URLParam(r, "stream_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, err := h.svc.Watch(id)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyWatching), errors.Is(err, playback.ErrSurfaceInUse):
			h.fail(w, http.StatusConflict, err)
		case errors.Is(err, live.ErrManifestUnavailable):
			h.fail(w, http.StatusNotFound, err)
		case errors.Is(err, live.ErrUnsupportedPlayback):
			h.fail(w, http.StatusNotImplemented, err)
		default:
			h.fail(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, st)
}

// WatchStatus handles GET /watch/{stream_id}.
func (h *Handler) WatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.WatchStatus(live.StreamID(chi.URLParam(r, "stream_id")))
	if err != nil {
		h.fail(w, http.StatusNotFound, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Play handles POST /watch/{stream_id}/play, the user play gesture.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Play(live.StreamID(chi.URLParam(r, "stream_id")))
	switch {
	case errors.Is(err, ErrNotWatching):
		h.fail(w, http.StatusNotFound, err)
	case err != nil:
		h.fail(w, http.StatusConflict, err)
	default:
		h.writeJSON(w, http.StatusOK, st)
	}
}

// Unwatch handles DELETE /watch/{stream_id}.
func (h *Handler) Unwatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unwatch(live.StreamID(chi.URLParam(r, "stream_id"))); err != nil {
		h.fail(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	} else {
		h.log.Info("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	msg := live.UserMessage(err)
	switch {
	case errors.Is(err, ErrAlreadyWatching), errors.Is(err, ErrNotWatching),
		errors.Is(err, capture.ErrSessionActive), errors.Is(err, capture.ErrStopped),
		errors.Is(err, playback.ErrSurfaceInUse):
		msg = err.Error()
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", slog.String("error", err.Error()))
	}
}
