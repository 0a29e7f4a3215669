package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - live task updates per owner
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Documents
	mux.HandleFunc("/api/documents", s.app.DocumentHandler.SubmitHandler) // POST - submit a drawing
	mux.HandleFunc("/api/documents/", s.handleDocumentRoutes)             // GET/DELETE /{id} and subpaths

	// API routes - Tasks
	mux.HandleFunc("/api/tasks/", s.handleTaskRoutes) // GET /{id}, POST /{id}/cancel

	// API routes - System
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleDocumentRoutes routes /api/documents/{id} requests
func (s *Server) handleDocumentRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if path == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	// GET /api/documents/{id}/result
	if r.Method == "GET" && strings.HasSuffix(path, "/result") {
		s.app.DocumentHandler.GetResultHandler(w, r, strings.TrimSuffix(path, "/result"))
		return
	}

	// GET /api/documents/{id}/tasks
	if r.Method == "GET" && strings.HasSuffix(path, "/tasks") {
		s.app.DocumentHandler.GetTasksHandler(w, r, strings.TrimSuffix(path, "/tasks"))
		return
	}

	// DELETE /api/documents/{id}
	if r.Method == "DELETE" && !strings.Contains(path, "/") {
		s.app.DocumentHandler.DeleteHandler(w, r, path)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleTaskRoutes routes /api/tasks/{id} requests
func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if path == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	// POST /api/tasks/{id}/cancel
	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.DocumentHandler.CancelTaskHandler(w, r, strings.TrimSuffix(path, "/cancel"))
		return
	}

	// GET /api/tasks/{id}
	if r.Method == "GET" && !strings.Contains(path, "/") {
		s.app.DocumentHandler.GetTaskHandler(w, r, path)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
