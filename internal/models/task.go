// -----------------------------------------------------------------------
// Task Record - the unit of pipeline work and its mutable state
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/ternarybob/takeoff/internal/common"
)

// Stage identifies the pipeline position of a task.
// Stages only advance forward in pipeline order; failed is terminal from any
// stage, and a retry re-enters the stage that failed.
type Stage string

const (
	StageQueued              Stage = "queued"
	StageUploading           Stage = "uploading"
	StageOCRProcessing       Stage = "ocr_processing"
	StageComponentDetection  Stage = "component_detection"
	StageGPTAnalysis         Stage = "gpt_analysis"
	StageQuantityCalculation Stage = "quantity_calculation"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// pipelineOrder is the fixed forward order of work stages
var pipelineOrder = []Stage{
	StageQueued,
	StageUploading,
	StageOCRProcessing,
	StageComponentDetection,
	StageGPTAnalysis,
	StageQuantityCalculation,
	StageCompleted,
}

// stageStartProgress is the document-relative progress value at the start of
// each stage. A retry resets progress to the failed stage's start value.
var stageStartProgress = map[Stage]int{
	StageQueued:              0,
	StageUploading:           5,
	StageOCRProcessing:       25,
	StageComponentDetection:  45,
	StageGPTAnalysis:         65,
	StageQuantityCalculation: 85,
	StageCompleted:           100,
	StageFailed:              0,
}

// Next returns the stage following s in pipeline order.
// Returns false for terminal stages and for the last work stage's successor
// lookup beyond completed.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range pipelineOrder {
		if stage == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// StartProgress returns the progress value at the start of the stage
func (s Stage) StartProgress() int {
	return stageStartProgress[s]
}

// IsTerminal returns true for completed and failed stages
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsValid returns true if s is a known stage
func (s Stage) IsValid() bool {
	_, ok := stageStartProgress[s]
	return ok
}

// TaskStatus describes execution health, orthogonal to Stage
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusStarted    TaskStatus = "started"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailure    TaskStatus = "failure"
	TaskStatusRetry      TaskStatus = "retry"
	TaskStatusRevoked    TaskStatus = "revoked"
)

// IsTerminal returns true for success, failure, and revoked
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure || s == TaskStatusRevoked
}

// ErrorKind classifies stage failures for the retry policy
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindFatal      ErrorKind = "fatal"
)

// TaskError carries a classified error on a failed task
type TaskError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// AggregateSliceIndex marks the per-document aggregate task
const AggregateSliceIndex = -1

// TaskRecord is the unit of work. One record exists per (document, slice)
// pair; the aggregate record uses SliceIndex = -1. Records are mutated only
// by the orchestrator and stage executors, never by clients.
type TaskRecord struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	DocumentID string `json:"document_id"`
	SliceIndex int    `json:"slice_index"`

	Stage    Stage      `json:"stage"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`

	Result *StageResult `json:"result,omitempty"`
	Error  *TaskError   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`

	// InputURI carries the stored artifact location between stages
	InputURI string `json:"input_uri,omitempty"`
}

// NewSliceTask creates the task record for one page of a document
func NewSliceTask(ownerID, documentID string, sliceIndex int) *TaskRecord {
	now := time.Now()
	return &TaskRecord{
		TaskID:     common.NewTaskID(),
		OwnerID:    ownerID,
		DocumentID: documentID,
		SliceIndex: sliceIndex,
		Stage:      StageQueued,
		Status:     TaskStatusPending,
		Progress:   0,
		Message:    "Queued for processing",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewAggregateTask creates the per-document aggregate placeholder. It stays
// pending until every slice task reaches a terminal status.
func NewAggregateTask(ownerID, documentID string) *TaskRecord {
	task := NewSliceTask(ownerID, documentID, AggregateSliceIndex)
	task.Message = "Waiting for page results"
	return task
}

// IsAggregate returns true for the per-document aggregate record
func (t *TaskRecord) IsAggregate() bool {
	return t.SliceIndex == AggregateSliceIndex
}

// IsTerminal returns true if no further transitions will occur
func (t *TaskRecord) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// touch advances UpdatedAt, keeping it strictly monotonic per task even when
// two mutations land within clock resolution.
func (t *TaskRecord) touch() {
	now := time.Now()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Microsecond)
	}
	t.UpdatedAt = now
}

// MarkStarted records the first stage execution of a task
func (t *TaskRecord) MarkStarted() {
	t.Status = TaskStatusStarted
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	t.touch()
}

// MarkProcessing updates progress within the current attempt. Progress is
// monotonically non-decreasing within an attempt; lower values are ignored.
func (t *TaskRecord) MarkProcessing(progress int, message string) {
	t.Status = TaskStatusProcessing
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.touch()
}

// AdvanceStage moves the task to the next pipeline stage and resets progress
// to the new stage's start value. The retry budget is per stage, so the
// counter resets on every advance.
func (t *TaskRecord) AdvanceStage(next Stage) {
	t.Stage = next
	t.Status = TaskStatusPending
	t.Progress = next.StartProgress()
	t.RetryCount = 0
	t.Message = fmt.Sprintf("Entering %s", next)
	t.touch()
}

// MarkSuccess records terminal success with the final stage result
func (t *TaskRecord) MarkSuccess(result *StageResult) {
	t.Stage = StageCompleted
	t.Status = TaskStatusSuccess
	t.Progress = 100
	t.Message = "Processing completed"
	t.Result = result
	t.Error = nil
	now := time.Now()
	t.CompletedAt = &now
	t.touch()
}

// MarkFailure records a terminal failure with its classified error
func (t *TaskRecord) MarkFailure(taskErr *TaskError) {
	t.Stage = StageFailed
	t.Status = TaskStatusFailure
	t.Error = taskErr
	t.Message = fmt.Sprintf("Processing failed: %s", taskErr.Detail)
	now := time.Now()
	t.CompletedAt = &now
	t.touch()
}

// MarkRetry re-enters the current stage after a transient failure. Progress
// resets to the stage's start value.
func (t *TaskRecord) MarkRetry(detail string) {
	t.Status = TaskStatusRetry
	t.RetryCount++
	t.Progress = t.Stage.StartProgress()
	t.Message = fmt.Sprintf("Retrying %s (attempt %d): %s", t.Stage, t.RetryCount+1, detail)
	t.touch()
}

// MarkRevoked records cooperative cancellation. Not an error state.
func (t *TaskRecord) MarkRevoked() {
	t.Status = TaskStatusRevoked
	t.Message = "Task cancelled"
	now := time.Now()
	t.CompletedAt = &now
	t.touch()
}

// Clone returns a snapshot copy safe to hand to subscribers
func (t *TaskRecord) Clone() *TaskRecord {
	clone := *t
	if t.Result != nil {
		result := *t.Result
		clone.Result = &result
	}
	if t.Error != nil {
		taskErr := *t.Error
		clone.Error = &taskErr
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
