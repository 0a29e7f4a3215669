package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

type fakeSubmitter struct {
	lastSubmission *models.DrawingSubmission
	err            error
}

func (f *fakeSubmitter) Submit(ctx context.Context, submission *models.DrawingSubmission) (string, []*models.TaskRecord, error) {
	f.lastSubmission = submission
	if f.err != nil {
		return "", nil, f.err
	}
	return "doc-123", []*models.TaskRecord{models.NewSliceTask(submission.OwnerID, "doc-123", 0)}, nil
}

func newTestDocumentHandler(submitter *fakeSubmitter) *DocumentHandler {
	return NewDocumentHandler(submitter, nil, nil, nil, arbor.NewLogger())
}

func TestSubmit_JSONBody(t *testing.T) {
	submitter := &fakeSubmitter{}
	handler := newTestDocumentHandler(submitter)

	body, err := json.Marshal(models.DrawingSubmission{
		OwnerID:  "alice",
		FileName: "plan.pdf",
		Format:   "pdf",
		Content:  []byte("%PDF-1.4"),
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, submitter.lastSubmission)
	assert.Equal(t, "alice", submitter.lastSubmission.OwnerID)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "doc-123", resp["document_id"])
}

func TestSubmit_JSONFormatDerivedFromFileName(t *testing.T) {
	submitter := &fakeSubmitter{}
	handler := newTestDocumentHandler(submitter)

	body, _ := json.Marshal(map[string]interface{}{
		"owner_id":  "alice",
		"file_name": "plan.PDF",
		"content":   []byte("%PDF-1.4"),
	})

	req := httptest.NewRequest("POST", "/api/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.SubmitHandler(rec, req)

	require.NotNil(t, submitter.lastSubmission)
	assert.Equal(t, "pdf", submitter.lastSubmission.Format)
}

func TestSubmit_MultipartForm(t *testing.T) {
	submitter := &fakeSubmitter{}
	handler := newTestDocumentHandler(submitter)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "drawing.png")
	require.NoError(t, err)
	part.Write([]byte("\x89PNGdata"))
	writer.WriteField("owner_id", "bob")
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/documents", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()

	handler.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, submitter.lastSubmission)
	assert.Equal(t, "bob", submitter.lastSubmission.OwnerID)
	assert.Equal(t, "png", submitter.lastSubmission.Format)
	assert.Equal(t, "drawing.png", submitter.lastSubmission.FileName)
}

func TestSubmit_ValidationErrorReturns400(t *testing.T) {
	submitter := &fakeSubmitter{err: interfaces.NewValidationError("unsupported format", nil)}
	handler := newTestDocumentHandler(submitter)

	body, _ := json.Marshal(models.DrawingSubmission{
		OwnerID:  "alice",
		FileName: "plan.tiff",
		Format:   "tiff",
		Content:  []byte("data"),
	})

	req := httptest.NewRequest("POST", "/api/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_RejectsWrongMethod(t *testing.T) {
	handler := newTestDocumentHandler(&fakeSubmitter{})

	req := httptest.NewRequest("GET", "/api/documents", nil)
	rec := httptest.NewRecorder()

	handler.SubmitHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCancelTask_AlreadyTerminalReturnsConflict(t *testing.T) {
	storage := newFakeTaskStorage()
	task := models.NewSliceTask("alice", "doc-1", 0)
	task.MarkSuccess(nil)
	storage.SaveTask(context.Background(), task)

	handler := NewDocumentHandler(nil, &fakeCanceller{storage: storage}, nil, nil, arbor.NewLogger())

	req := httptest.NewRequest("POST", "/api/tasks/"+task.TaskID+"/cancel", nil)
	rec := httptest.NewRecorder()

	handler.CancelTaskHandler(rec, req, task.TaskID)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_terminal", resp["reason"])
}
