package badger

import (
	"context"
	"os"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/models"
)

func setupTestStorage(t *testing.T) (*Manager, func()) {
	tmpDir, err := os.MkdirTemp("", "takeoff-storage-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	logger := arbor.NewLogger()
	config := &common.BadgerConfig{Path: tmpDir}

	manager, err := NewManager(config, logger)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create storage manager: %v", err)
	}

	cleanup := func() {
		manager.Close()
		os.RemoveAll(tmpDir)
	}

	return manager.(*Manager), cleanup
}

func TestTaskStorage_SaveAndGet(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.TaskStorage()

	task := models.NewSliceTask("user-1", "doc-1", 0)
	if err := storage.SaveTask(ctx, task); err != nil {
		t.Fatalf("Failed to save task: %v", err)
	}

	got, err := storage.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.TaskID != task.TaskID {
		t.Errorf("Expected task ID %s, got %s", task.TaskID, got.TaskID)
	}
	if got.Stage != models.StageQueued {
		t.Errorf("Expected stage queued, got %s", got.Stage)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("Expected status pending, got %s", got.Status)
	}
}

func TestTaskStorage_GetMissing(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	if _, err := manager.TaskStorage().GetTask(context.Background(), "task_missing"); err == nil {
		t.Error("Expected error for missing task")
	}
}

func TestTaskStorage_SaveRequiresID(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	task := &models.TaskRecord{}
	if err := manager.TaskStorage().SaveTask(context.Background(), task); err == nil {
		t.Error("Expected error for task without ID")
	}
}

func TestTaskStorage_ListByOwnerExcludesTerminal(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.TaskStorage()

	active := models.NewSliceTask("user-1", "doc-1", 0)
	done := models.NewSliceTask("user-1", "doc-1", 1)
	done.MarkSuccess(&models.StageResult{
		Kind:     models.ResultKindQuantity,
		Quantity: &models.QuantityResult{},
	})
	other := models.NewSliceTask("user-2", "doc-2", 0)

	for _, task := range []*models.TaskRecord{active, done, other} {
		if err := storage.SaveTask(ctx, task); err != nil {
			t.Fatalf("Failed to save task: %v", err)
		}
	}

	nonTerminal, err := storage.ListTasksByOwner(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(nonTerminal) != 1 {
		t.Fatalf("Expected 1 non-terminal task, got %d", len(nonTerminal))
	}
	if nonTerminal[0].TaskID != active.TaskID {
		t.Errorf("Expected task %s, got %s", active.TaskID, nonTerminal[0].TaskID)
	}

	all, err := storage.ListTasksByOwner(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 tasks including terminal, got %d", len(all))
	}
}

func TestTaskStorage_ListByDocumentOrdered(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.TaskStorage()

	aggregate := models.NewAggregateTask("user-1", "doc-1")
	slice1 := models.NewSliceTask("user-1", "doc-1", 1)
	slice0 := models.NewSliceTask("user-1", "doc-1", 0)

	for _, task := range []*models.TaskRecord{slice1, aggregate, slice0} {
		if err := storage.SaveTask(ctx, task); err != nil {
			t.Fatalf("Failed to save task: %v", err)
		}
	}

	tasks, err := storage.ListTasksByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(tasks))
	}
	// Aggregate sorts first because its slice index is -1
	if !tasks[0].IsAggregate() {
		t.Error("Expected aggregate task first")
	}
	if tasks[1].SliceIndex != 0 || tasks[2].SliceIndex != 1 {
		t.Errorf("Expected slice order 0,1, got %d,%d", tasks[1].SliceIndex, tasks[2].SliceIndex)
	}
}

func TestTaskStorage_DeleteDocumentTasks(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.TaskStorage()

	keep := models.NewSliceTask("user-1", "doc-keep", 0)
	gone := models.NewSliceTask("user-1", "doc-gone", 0)
	for _, task := range []*models.TaskRecord{keep, gone} {
		if err := storage.SaveTask(ctx, task); err != nil {
			t.Fatalf("Failed to save task: %v", err)
		}
	}

	if err := storage.DeleteDocumentTasks(ctx, "doc-gone"); err != nil {
		t.Fatalf("Failed to delete document tasks: %v", err)
	}

	if _, err := storage.GetTask(ctx, gone.TaskID); err == nil {
		t.Error("Expected deleted task to be missing")
	}
	if _, err := storage.GetTask(ctx, keep.TaskID); err != nil {
		t.Errorf("Expected kept task to survive: %v", err)
	}
}

func TestTaskStorage_DeleteTerminalTasks(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.TaskStorage()

	active := models.NewSliceTask("user-1", "doc-1", 0)
	failed := models.NewSliceTask("user-1", "doc-1", 1)
	failed.MarkFailure(&models.TaskError{Kind: models.ErrorKindFatal, Detail: "unreadable page"})
	revoked := models.NewSliceTask("user-1", "doc-1", 2)
	revoked.MarkRevoked()

	for _, task := range []*models.TaskRecord{active, failed, revoked} {
		if err := storage.SaveTask(ctx, task); err != nil {
			t.Fatalf("Failed to save task: %v", err)
		}
	}

	deleted, err := storage.DeleteTerminalTasks(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to delete terminal tasks: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted tasks, got %d", deleted)
	}

	remaining, err := storage.ListTasksByOwner(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(remaining) != 1 || remaining[0].TaskID != active.TaskID {
		t.Errorf("Expected only the active task to remain")
	}
}

func TestResultStorage_SaveGetDelete(t *testing.T) {
	manager, cleanup := setupTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	storage := manager.ResultStorage()

	result := &models.CanonicalResult{
		DocumentID: "doc-1",
		Components: []models.Component{
			{ComponentID: "c1", Type: "duct", Label: "D-101", Quantity: 2, Confidence: 0.9, SourceSlice: 0},
		},
	}
	result.Summary = models.NewSummary(result.Components)

	if err := storage.SaveResult(ctx, result); err != nil {
		t.Fatalf("Failed to save result: %v", err)
	}

	got, err := storage.GetResult(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if len(got.Components) != 1 || got.Components[0].Label != "D-101" {
		t.Error("Result round trip lost component data")
	}
	if got.Summary.TotalComponents != 1 {
		t.Errorf("Expected summary total 1, got %d", got.Summary.TotalComponents)
	}

	if err := storage.DeleteResult(ctx, "doc-1"); err != nil {
		t.Fatalf("Failed to delete result: %v", err)
	}
	if _, err := storage.GetResult(ctx, "doc-1"); err == nil {
		t.Error("Expected result to be deleted")
	}

	// Deleting a missing result is not an error
	if err := storage.DeleteResult(ctx, "doc-missing"); err != nil {
		t.Errorf("Expected delete of missing result to be a no-op: %v", err)
	}
}
