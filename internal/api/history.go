package api

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultHistoryLimit = 50

// historyJobSummary is the list-view shape for GET /api/history/websets.
type historyJobSummary struct {
	JobID              string `json:"jobId"`
	OriginalQuery      string `json:"originalQuery"`
	Status             string `json:"status"`
	TotalItems         int64  `json:"totalItems"`
	UniqueItems        int64  `json:"uniqueItems"`
	DuplicatesRejected int64  `json:"duplicatesRejected"`
	CreatedAt          string `json:"createdAt"`
}

// HistoryList serves GET /api/history/websets?limit=N, returning the most
// recently created jobs (§4.10).
func (h *Handler) HistoryList(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.Store.ListJobs(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	summaries := make([]historyJobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, historyJobSummary{
			JobID:              j.JobID,
			OriginalQuery:      j.OriginalQuery,
			Status:             string(j.Status),
			TotalItems:         j.TotalItems,
			UniqueItems:        j.UniqueItems,
			DuplicatesRejected: j.DuplicatesRejected,
			CreatedAt:          j.CreatedAt.Format(httpTimeLayout),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"websets": summaries})
}

const httpTimeLayout = "2006-01-02T15:04:05Z07:00"

// historyJobDetail is the detail-view shape for GET
// /api/history/websets/{id}, including the full item list and a rejection
// reason breakdown (§4.10).
type historyJobDetail struct {
	Job   any `json:"job"`
	Items any `json:"items"`
}

// HistoryDetail serves GET /api/history/websets/{id}.
func (h *Handler) HistoryDetail(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/history/websets/")
	if jobID == "" {
		WriteError(w, http.StatusNotFound, NotFoundError("websetId is required"))
		return
	}

	job, ok, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}
	if !ok {
		WriteError(w, http.StatusNotFound, NotFoundError("webset not found"))
		return
	}

	items, err := h.Store.ListItems(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	WriteJSON(w, http.StatusOK, historyJobDetail{Job: job, Items: items})
}
