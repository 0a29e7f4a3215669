package interfaces

import (
	"context"

	"github.com/ternarybob/takeoff/internal/models"
)

// TaskStorage persists task records. Exactly one record exists per
// (document_id, slice_index) pair; updates are in-place.
type TaskStorage interface {
	SaveTask(ctx context.Context, task *models.TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error)

	// ListTasksByOwner returns tasks for an owner, optionally restricted to
	// non-terminal records (the subscribe-replay set)
	ListTasksByOwner(ctx context.Context, ownerID string, includeTerminal bool) ([]*models.TaskRecord, error)

	// ListTasksByDocument returns all slice tasks plus the aggregate task
	ListTasksByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error)

	// ListNonTerminalTasks returns every non-terminal record (watchdog scan)
	ListNonTerminalTasks(ctx context.Context) ([]*models.TaskRecord, error)

	// DeleteDocumentTasks removes all records for a document
	DeleteDocumentTasks(ctx context.Context, documentID string) error

	// DeleteTerminalTasks removes an owner's terminal records, returning the
	// number deleted
	DeleteTerminalTasks(ctx context.Context, ownerID string) (int, error)
}

// ResultStorage persists canonical merged results, one per document
type ResultStorage interface {
	SaveResult(ctx context.Context, result *models.CanonicalResult) error
	GetResult(ctx context.Context, documentID string) (*models.CanonicalResult, error)
	DeleteResult(ctx context.Context, documentID string) error
}

// StorageManager aggregates storage access and owns the connection lifecycle
type StorageManager interface {
	TaskStorage() TaskStorage
	ResultStorage() ResultStorage
	Close() error
}
