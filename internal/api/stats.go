package api

import (
	"net/http"
)

// StatsOverview serves GET /api/stats/overview: aggregate counters across
// every job the service has seen (§4.10, §6).
func (h *Handler) StatsOverview(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListJobs(r.Context(), 0)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, RequestError{Status: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	var totalItems, uniqueItems, rejected int64
	reasons := make(map[string]int64)
	for _, j := range jobs {
		totalItems += j.TotalItems
		uniqueItems += j.UniqueItems
		rejected += j.DuplicatesRejected
		for reason, count := range j.RejectionReasons {
			reasons[reason] += count
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"websets":            len(jobs),
		"totalItems":         totalItems,
		"uniqueItems":        uniqueItems,
		"duplicatesRejected": rejected,
		"rejectionReasons":   reasons,
		"pendingDecisions":   h.Metrics.PendingDecisions(),
	})
}

// StatsDatabase serves GET /api/stats/database: persistence-layer retry
// counters, surfaced for operators watching storage health (§6's
// persistence retry metrics, carried through to an inspectable endpoint
// rather than only /metrics).
func (h *Handler) StatsDatabase(w http.ResponseWriter, r *http.Request) {
	retries := h.Metrics.PersistenceRetryCounts()
	out := make([]map[string]any, 0, len(retries))
	for label, count := range retries {
		out = append(out, map[string]any{
			"operation": label.Operation,
			"status":    label.Status,
			"count":     count,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"persistenceRetries": out})
}

// StatsURLResolution serves GET /api/stats/url-resolution: occupancy of the
// shared redirect-resolution cache (§5, §9).
func (h *Handler) StatsURLResolution(w http.ResponseWriter, r *http.Request) {
	if h.Resolver == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	stats := h.Resolver.Stats()
	WriteJSON(w, http.StatusOK, map[string]any{
		"enabled":  h.EnableURLResolution,
		"entries":  stats.Entries,
		"capacity": stats.Capacity,
	})
}
