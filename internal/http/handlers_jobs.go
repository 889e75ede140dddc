package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// JobHandlers serves the job submission, status, and artifact endpoints.
type JobHandlers struct {
	Jobs     *service.JobService
	Delivery *service.DeliveryService
	Logger   *slog.Logger
}

// Submit handles POST /api/jobs. The delivery mode decides the response:
// sync blocks until the job settles (or the wait window closes) and returns
// the status view; push and poll return 202 with the consumption handles.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Jobs.Create(r.Context(), &req)
	if err != nil {
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation_failed", Err: err})
			return
		}
		h.logError(r, "create job failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "create_failed", Err: err})
		return
	}

	if req.Delivery == model.DeliverySync {
		view, err := h.Delivery.Wait(r.Context(), job.ID, waitFromQuery(r))
		if err != nil {
			h.logError(r, "sync wait failed", err)
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "wait_failed", Err: err})
			return
		}
		WriteJSON(w, http.StatusOK, view)
		return
	}

	WriteJSON(w, http.StatusAccepted, model.SubmitAccepted{
		JobID:        job.ID,
		Status:       job.Status,
		StreamHandle: "/api/jobs/" + job.ID + "/events",
		PollHandle:   "/api/jobs/" + job.ID,
	})
}

// Status handles GET /api/jobs/{id}: the stateless poll projection.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, err := h.Jobs.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
			return
		}
		h.logError(r, "status read failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "status_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, view)
}

// Wait handles GET /api/jobs/{id}/wait: block until the job settles or the
// wait window closes, then return the freshest view either way.
func (h *JobHandlers) Wait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, err := h.Delivery.Wait(r.Context(), id, waitFromQuery(r))
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: err})
			return
		}
		if r.Context().Err() != nil {
			// Client went away mid-wait; nothing sensible left to write.
			return
		}
		h.logError(r, "wait failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "wait_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, view)
}

// Stats handles GET /api/jobs/{kind}/stats.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var kind model.JobKind
	if err := kind.UnmarshalText([]byte(r.PathValue("kind"))); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_kind", Err: err})
		return
	}

	stats, err := h.Jobs.Stats(r.Context(), kind)
	if err != nil {
		h.logError(r, "stats read failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// SaveArtifact handles POST /api/artifacts/{id}/save: clear the artifact's
// expiry so the sweep keeps its hands off it.
func (h *JobHandlers) SaveArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	artifact, err := h.Jobs.SaveArtifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrArtifactNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "artifact_not_found", Err: err})
			return
		}
		h.logError(r, "save artifact failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "save_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, artifact.Summary())
}

// ArtifactContent handles GET /api/artifacts/{id}/content: stream the stored
// payload with its recorded content type.
func (h *JobHandlers) ArtifactContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	artifact, obj, err := h.Jobs.ArtifactContent(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrArtifactNotFound) || errors.Is(err, data.ErrObjectNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "artifact_not_found", Err: err})
			return
		}
		h.logError(r, "artifact content read failed", err)
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "content_failed", Err: err})
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = artifact.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Body); err != nil {
		h.logError(r, "artifact content write failed", err)
	}
}

func (h *JobHandlers) logError(r *http.Request, msg string, err error) {
	if h.Logger != nil {
		h.Logger.ErrorContext(r.Context(), msg, "path", r.URL.Path, "error", err)
	}
}

// waitFromQuery reads a wait window in seconds from ?wait=N. Zero means the
// service default; the delivery layer clamps the upper bound.
func waitFromQuery(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
