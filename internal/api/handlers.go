package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_jobs/internal/auth"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/store"
	"github.com/austindbirch/harbor_jobs/internal/submit"
)

// maxBodyBytes bounds a submission body; 10,000 items of a few KB fit.
const maxBodyBytes = 64 << 20

type handlers struct {
	queue  *queue.Queue
	submit Submitter
	nudge  submit.Notifier
	log    *logging.Logger
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message, Details: details}})
}

func tenantOf(r *http.Request) string {
	t, _ := auth.GetTenantIDFromContext(r.Context())
	return t
}

// validationStatus maps a rejected submission to its HTTP status.
func validationStatus(code string) int {
	switch code {
	case submit.CodeSchemaValidationFailed:
		return http.StatusUnprocessableEntity
	case submit.CodeActionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (h *handlers) internal(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.log.WithContext(r.Context()).WithTenant(tenantOf(r)).WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, "INTERNAL", msg, nil)
}

func (h *handlers) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submit.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON", nil)
		return
	}

	res, err := h.submit.SubmitBatch(r.Context(), tenantOf(r), req)
	if err != nil {
		var ve *submit.ValidationError
		if errors.As(err, &ve) {
			writeError(w, validationStatus(ve.Code), ve.Code, ve.Message, ve.Details)
			return
		}
		h.internal(w, r, err, "submit batch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// pageParams reads limit and cursor; a malformed limit is a 400.
func pageParams(w http.ResponseWriter, r *http.Request) (limit int, cursor string, ok bool) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > jobs.MaxPageSize {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer between 1 and 100", nil)
			return 0, "", false
		}
		limit = n
	}
	return limit, q.Get("cursor"), true
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, cursor, ok := pageParams(w, r)
	if !ok {
		return
	}
	f := jobs.JobFilter{
		TenantID: tenantOf(r),
		Type:     r.URL.Query().Get("type"),
		Status:   jobs.Status(r.URL.Query().Get("status")),
		Cursor:   cursor,
		Limit:    limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown job status "+strconv.Quote(string(f.Status)), nil)
		return
	}

	page, err := h.queue.Store().ListJobs(r.Context(), f)
	if err != nil {
		h.internal(w, r, err, "list jobs failed")
		return
	}
	if page.Rows == nil {
		page.Rows = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, page)
}

// ownedJob resolves {id} for the caller's tenant, writing 404 when it does
// not exist or belongs to someone else.
func (h *handlers) ownedJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := chi.URLParam(r, "id")
	j, err := h.queue.Store().GetForTenant(r.Context(), id, tenantOf(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job "+id+" not found", nil)
		return nil, false
	}
	if err != nil {
		h.internal(w, r, err, "get job failed")
		return nil, false
	}
	return j, true
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	if j, ok := h.ownedJob(w, r); ok {
		writeJSON(w, http.StatusOK, j)
	}
}

func (h *handlers) listItems(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	limit, cursor, ok := pageParams(w, r)
	if !ok {
		return
	}
	f := jobs.ItemFilter{
		JobID:  j.ID,
		Status: jobs.ItemStatus(r.URL.Query().Get("status")),
		Cursor: cursor,
		Limit:  limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown item status "+strconv.Quote(string(f.Status)), nil)
		return
	}

	page, err := h.queue.Store().ListItems(r.Context(), f)
	if err != nil {
		h.internal(w, r, err, "list items failed")
		return
	}
	if page.Rows == nil {
		page.Rows = []*jobs.Item{}
	}
	writeJSON(w, http.StatusOK, page)
}

type countsResponse struct {
	JobID  string          `json:"job_id"`
	Counts jobs.ItemCounts `json:"counts"`
	Total  int             `json:"total"`
}

func (h *handlers) countItems(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	counts, err := h.queue.Store().CountItemsByStatus(r.Context(), j.ID)
	if err != nil {
		h.internal(w, r, err, "count items failed")
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{JobID: j.ID, Counts: counts, Total: counts.Total()})
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	out, err := h.queue.CancelJob(r.Context(), j.ID)
	if errors.Is(err, queue.ErrNotCancellable) {
		writeError(w, http.StatusConflict, "NOT_CANCELLABLE", "job is "+string(j.Status), nil)
		return
	}
	if err != nil {
		h.internal(w, r, err, "cancel job failed")
		return
	}
	h.log.WithContext(r.Context()).WithTenant(tenantOf(r)).WithJob(j.ID).Info("job cancelled")
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	out, err := h.queue.RetryJob(r.Context(), j.ID)
	if errors.Is(err, queue.ErrNotRetryable) {
		writeError(w, http.StatusConflict, "NOT_RETRYABLE", "job is "+string(j.Status), nil)
		return
	}
	if err != nil {
		h.internal(w, r, err, "retry job failed")
		return
	}
	log := h.log.WithContext(r.Context()).WithTenant(tenantOf(r)).WithJob(j.ID)
	if h.nudge != nil {
		if err := h.nudge.Nudge(r.Context()); err != nil {
			log.WithError(err).Warn("nudge after retry failed")
		}
	}
	log.Info("job re-queued")
	writeJSON(w, http.StatusOK, out)
}
