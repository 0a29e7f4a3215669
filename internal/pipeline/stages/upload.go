// -----------------------------------------------------------------------
// Stage executors - one per pipeline stage, stateless and retry-safe.
// Each validates its input kind, does its work, and returns a classified
// error on failure.
// -----------------------------------------------------------------------

package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// UploadExecutor persists a submitted page to the object store. Page bytes
// are stashed in memory at submission time and released once stored, so a
// retry re-reads the same bytes.
type UploadExecutor struct {
	store  interfaces.ObjectStore
	logger arbor.ILogger

	mu    sync.Mutex
	stash map[string][]byte
}

func NewUploadExecutor(store interfaces.ObjectStore, logger arbor.ILogger) *UploadExecutor {
	return &UploadExecutor{
		store:  store,
		logger: logger,
		stash:  make(map[string][]byte),
	}
}

// Stash registers the raw page bytes for a task ahead of its upload stage
func (e *UploadExecutor) Stash(taskID string, page []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stash[taskID] = page
}

// Discard drops stashed bytes for a task that will never upload
func (e *UploadExecutor) Discard(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stash, taskID)
}

func (e *UploadExecutor) Stage() models.Stage {
	return models.StageUploading
}

func (e *UploadExecutor) Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error) {
	e.mu.Lock()
	page, ok := e.stash[task.TaskID]
	e.mu.Unlock()
	if !ok {
		return nil, interfaces.NewFatalError("page data no longer available", nil)
	}

	name := fmt.Sprintf("page_%03d", task.SliceIndex)
	uri, err := e.store.Store(ctx, task.DocumentID, name, page)
	if err != nil {
		return nil, classify("failed to store page", err)
	}

	e.Discard(task.TaskID)

	return &models.StageResult{
		Kind:   models.ResultKindUpload,
		Upload: &models.UploadResult{URI: uri, Bytes: len(page)},
	}, nil
}

// classify passes pre-classified stage errors through and treats everything
// else from a collaborator as transient
func classify(detail string, err error) error {
	var stageErr *interfaces.StageError
	if errors.As(err, &stageErr) {
		return err
	}
	return interfaces.NewTransientError(detail, err)
}

// requireKind validates the chained input at a stage boundary
func requireKind(input *models.StageResult, kind models.ResultKind) error {
	if input == nil {
		return interfaces.NewValidationError(fmt.Sprintf("missing %s input", kind), nil)
	}
	if err := input.Validate(); err != nil {
		return interfaces.NewValidationError("malformed stage input", err)
	}
	if input.Kind != kind {
		return interfaces.NewValidationError(
			fmt.Sprintf("expected %s input, got %s", kind, input.Kind), nil)
	}
	return nil
}
