package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

const maxListLimit = 500

type handler struct {
	cfg     Config
	jobs    storage.JobStore
	reports storage.ReportStore
	logger  *observability.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.cfg.ServiceName})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.cfg.Checks))
	for name := range h.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.cfg.Checks[name](r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			h.logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

// getJob handles GET /jobs/{jobId}.
func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid jobId", err.Error())
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "failed to load job", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// listJobs handles GET /jobs?deal_id=&document_id=&type=&limit=.
func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		DealID:     q.Get("deal_id"),
		DocumentID: q.Get("document_id"),
		Type:       storage.JobType(q.Get("type")),
	}
	if filter.DealID == "" && filter.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "deal_id or document_id is required", "")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "")
		return
	}
	if jobs == nil {
		jobs = []*storage.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// getReport handles GET /reports/{reportId}.
func (h *handler) getReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "reportId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reportId", err.Error())
		return
	}

	rep, err := h.reports.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("report_id", id.String()).Msg("failed to load report")
		writeError(w, http.StatusInternalServerError, "failed to load report", "")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}
