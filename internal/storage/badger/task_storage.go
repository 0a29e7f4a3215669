package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskStorage interface for Badger
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) SaveTask(ctx context.Context, task *models.TaskRecord) error {
	if task.TaskID == "" {
		return fmt.Errorf("task ID is required")
	}

	if err := s.db.Store().Upsert(task.TaskID, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	var task models.TaskRecord
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasksByOwner(ctx context.Context, ownerID string, includeTerminal bool) ([]*models.TaskRecord, error) {
	var tasks []models.TaskRecord
	if err := s.db.Store().Find(&tasks, badgerhold.Where("OwnerID").Eq(ownerID)); err != nil {
		return nil, fmt.Errorf("failed to list tasks for owner %s: %w", ownerID, err)
	}

	result := make([]*models.TaskRecord, 0, len(tasks))
	for i := range tasks {
		if !includeTerminal && tasks[i].IsTerminal() {
			continue
		}
		result = append(result, &tasks[i])
	}
	sortTasks(result)
	return result, nil
}

func (s *TaskStorage) ListTasksByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error) {
	var tasks []models.TaskRecord
	if err := s.db.Store().Find(&tasks, badgerhold.Where("DocumentID").Eq(documentID)); err != nil {
		return nil, fmt.Errorf("failed to list tasks for document %s: %w", documentID, err)
	}

	result := make([]*models.TaskRecord, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	sortTasks(result)
	return result, nil
}

func (s *TaskStorage) ListNonTerminalTasks(ctx context.Context) ([]*models.TaskRecord, error) {
	var tasks []models.TaskRecord
	query := badgerhold.Where("Status").Ne(models.TaskStatusSuccess).
		And("Status").Ne(models.TaskStatusFailure).
		And("Status").Ne(models.TaskStatusRevoked)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list non-terminal tasks: %w", err)
	}

	result := make([]*models.TaskRecord, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	sortTasks(result)
	return result, nil
}

func (s *TaskStorage) DeleteDocumentTasks(ctx context.Context, documentID string) error {
	if err := s.db.Store().DeleteMatching(&models.TaskRecord{}, badgerhold.Where("DocumentID").Eq(documentID)); err != nil {
		return fmt.Errorf("failed to delete tasks for document %s: %w", documentID, err)
	}
	return nil
}

func (s *TaskStorage) DeleteTerminalTasks(ctx context.Context, ownerID string) (int, error) {
	var tasks []models.TaskRecord
	if err := s.db.Store().Find(&tasks, badgerhold.Where("OwnerID").Eq(ownerID)); err != nil {
		return 0, fmt.Errorf("failed to list tasks for owner %s: %w", ownerID, err)
	}

	deleted := 0
	for i := range tasks {
		if !tasks[i].IsTerminal() {
			continue
		}
		if err := s.db.Store().Delete(tasks[i].TaskID, &models.TaskRecord{}); err != nil {
			return deleted, fmt.Errorf("failed to delete task %s: %w", tasks[i].TaskID, err)
		}
		deleted++
	}
	return deleted, nil
}

// sortTasks orders by document then slice index so replays are stable
func sortTasks(tasks []*models.TaskRecord) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DocumentID != tasks[j].DocumentID {
			return tasks[i].DocumentID < tasks[j].DocumentID
		}
		return tasks[i].SliceIndex < tasks[j].SliceIndex
	})
}
