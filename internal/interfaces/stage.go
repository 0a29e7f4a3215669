package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/takeoff/internal/models"
)

// ErrAlreadyTerminal is returned when cancellation targets a task that has
// already reached success, failure, or revoked.
var ErrAlreadyTerminal = errors.New("task already terminal")

// StageError is a classified stage failure. Executors classify every error
// before returning it; the orchestrator inspects only the Kind, never
// collaborator-specific details.
type StageError struct {
	Kind   models.ErrorKind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewValidationError classifies malformed input - fatal immediately, no retry
func NewValidationError(detail string, err error) *StageError {
	return &StageError{Kind: models.ErrorKindValidation, Detail: detail, Err: err}
}

// NewTransientError classifies collaborator timeouts and network failures -
// retried per the orchestrator's backoff policy
func NewTransientError(detail string, err error) *StageError {
	return &StageError{Kind: models.ErrorKindTransient, Detail: detail, Err: err}
}

// NewFatalError classifies unrecoverable conditions - no retry
func NewFatalError(detail string, err error) *StageError {
	return &StageError{Kind: models.ErrorKindFatal, Detail: detail, Err: err}
}

// StageExecutor runs one pipeline stage for one task. Executors are
// stateless, side-effect-safe under retry, and observe ctx cancellation at
// their checkpoints.
type StageExecutor interface {
	// Stage returns the pipeline stage this executor handles
	Stage() models.Stage

	// Execute runs the stage against the prior stage's output, returning the
	// stage's result or a classified *StageError
	Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error)
}

// TaskCanceller exposes cooperative cancellation to the connection hub
type TaskCanceller interface {
	// Cancel transitions a non-terminal task to revoked. Returns
	// ErrAlreadyTerminal if the task has already finished.
	Cancel(ctx context.Context, taskID string) error
}

// DocumentDeleter removes a document's tasks and results
type DocumentDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) error
}
