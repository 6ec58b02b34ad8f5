package handlers

import (
	"net/http"
	"time"

	"github.com/pipebridge/slack-approval/internal/logging"
	"github.com/pipebridge/slack-approval/internal/metrics"
)

/* StatusHandlers handles health and status endpoints */
type StatusHandlers struct {
	logger  *logging.Logger
	started time.Time
}

/* NewStatusHandlers creates new status handlers */
func NewStatusHandlers(logger *logging.Logger) *StatusHandlers {
	return &StatusHandlers{logger: logger, started: time.Now()}
}

/* Health returns a liveness response */
func (h *StatusHandlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":    "ok",
		"service":   "slack-approval",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

/* Status returns uptime plus a host and process snapshot */
func (h *StatusHandlers) Status(w http.ResponseWriter, r *http.Request) {
	snapshot, err := metrics.CollectProcessSnapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to collect process snapshot", err, nil)
		http.Error(w, "Failed to collect process snapshot", http.StatusInternalServerError)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"process":        snapshot,
	}, http.StatusOK)
}
