package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// maxUploadBytes caps submitted drawings at 50 MB
const maxUploadBytes = 50 << 20

// DocumentSubmitter accepts drawings into the processing pipeline
type DocumentSubmitter interface {
	Submit(ctx context.Context, submission *models.DrawingSubmission) (string, []*models.TaskRecord, error)
}

// DocumentHandler handles HTTP requests for drawing documents
type DocumentHandler struct {
	submitter DocumentSubmitter
	canceller interfaces.TaskCanceller
	deleter   interfaces.DocumentDeleter
	storage   interfaces.StorageManager
	logger    arbor.ILogger
}

// NewDocumentHandler creates a new DocumentHandler
func NewDocumentHandler(submitter DocumentSubmitter, canceller interfaces.TaskCanceller, deleter interfaces.DocumentDeleter, storage interfaces.StorageManager, logger arbor.ILogger) *DocumentHandler {
	return &DocumentHandler{
		submitter: submitter,
		canceller: canceller,
		deleter:   deleter,
		storage:   storage,
		logger:    logger,
	}
}

// SubmitHandler handles POST /api/documents. Accepts a multipart form with
// "file" and "owner_id" fields, or a JSON DrawingSubmission body with
// base64-encoded content. Responds immediately with the document ID and the
// created task records; processing continues asynchronously.
func (h *DocumentHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	submission, err := parseSubmission(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	documentID, tasks, err := h.submitter.Submit(r.Context(), submission)
	if err != nil {
		var stageErr *interfaces.StageError
		if errors.As(err, &stageErr) && stageErr.Kind == models.ErrorKindValidation {
			WriteError(w, http.StatusBadRequest, stageErr.Detail)
			return
		}
		h.logger.Error().Err(err).Msg("Failed to submit document")
		WriteError(w, http.StatusInternalServerError, "failed to submit document")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"document_id": documentID,
		"tasks":       tasks,
	})
}

// parseSubmission reads a submission from either a multipart form or a JSON body
func parseSubmission(r *http.Request) (*models.DrawingSubmission, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, errors.New("failed to parse multipart form")
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("missing file field")
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, errors.New("failed to read uploaded file")
		}

		return &models.DrawingSubmission{
			OwnerID:  r.FormValue("owner_id"),
			FileName: header.Filename,
			Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), "."),
			Content:  content,
		}, nil
	}

	var submission models.DrawingSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if submission.Format == "" && submission.FileName != "" {
		submission.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(submission.FileName)), ".")
	}
	return &submission, nil
}

// GetTasksHandler handles GET /api/documents/{id}/tasks
func (h *DocumentHandler) GetTasksHandler(w http.ResponseWriter, r *http.Request, documentID string) {
	tasks, err := h.storage.TaskStorage().ListTasksByDocument(r.Context(), documentID)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", documentID).Msg("Failed to list document tasks")
		WriteError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if len(tasks) == 0 {
		WriteError(w, http.StatusNotFound, "document not found")
		return
	}
	WriteJSON(w, http.StatusOK, tasks)
}

// GetResultHandler handles GET /api/documents/{id}/result. Returns 404 until
// the aggregate merge has produced a canonical result; the result may carry
// incomplete=true when slices failed or were revoked.
func (h *DocumentHandler) GetResultHandler(w http.ResponseWriter, r *http.Request, documentID string) {
	result, err := h.storage.ResultStorage().GetResult(r.Context(), documentID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "result not available")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// DeleteHandler handles DELETE /api/documents/{id}
func (h *DocumentHandler) DeleteHandler(w http.ResponseWriter, r *http.Request, documentID string) {
	if err := h.deleter.DeleteDocument(r.Context(), documentID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			WriteError(w, http.StatusNotFound, "document not found")
			return
		}
		h.logger.Error().Err(err).Str("document_id", documentID).Msg("Failed to delete document")
		WriteError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	WriteSuccess(w, "document deleted")
}

// GetTaskHandler handles GET /api/tasks/{id}
func (h *DocumentHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.storage.TaskStorage().GetTask(r.Context(), taskID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// CancelTaskHandler handles POST /api/tasks/{id}/cancel
func (h *DocumentHandler) CancelTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := h.canceller.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, interfaces.ErrAlreadyTerminal) {
			WriteJSON(w, http.StatusConflict, map[string]string{
				"status": "rejected",
				"reason": "already_terminal",
			})
			return
		}
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	WriteSuccess(w, "cancellation requested")
}
