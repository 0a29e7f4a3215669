package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
)

type APIHandler struct {
	storage   interfaces.StorageManager
	startTime time.Time
	logger    arbor.ILogger
}

func NewAPIHandler(storage interfaces.StorageManager, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		storage:   storage,
		startTime: time.Now(),
		logger:    logger,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusHandler handles GET /api/status with pipeline activity counts
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	active, err := h.storage.TaskStorage().ListNonTerminalTasks(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count active tasks")
		WriteError(w, http.StatusInternalServerError, "failed to read task state")
		return
	}

	documents := make(map[string]bool)
	for _, task := range active {
		documents[task.DocumentID] = true
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"version":          common.GetVersion(),
		"uptime":           time.Since(h.startTime).Round(time.Second).String(),
		"active_tasks":     len(active),
		"active_documents": len(documents),
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
