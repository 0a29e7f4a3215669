// -----------------------------------------------------------------------
// Task orchestrator - owns the task lifecycle: submission, stage
// execution, retry with exponential backoff, cooperative cancellation,
// and the per-document aggregate merge.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/merger"
	"github.com/ternarybob/takeoff/internal/models"
	"github.com/ternarybob/takeoff/internal/pipeline/stages"
)

// Orchestrator drives tasks through the pipeline stages. It is the only
// writer of task records; clients observe tasks through broadcasts and
// reads, never by mutating them.
type Orchestrator struct {
	config      *common.PipelineConfig
	storage     interfaces.StorageManager
	events      interfaces.EventService
	broadcaster *Broadcaster
	merger      *merger.Merger
	objects     interfaces.ObjectStore
	splitter    interfaces.PageSplitter
	uploader    *stages.UploadExecutor
	executors   map[models.Stage]interfaces.StageExecutor
	pool        *workerPool
	validate    *validator.Validate
	logger      arbor.ILogger

	mu         sync.Mutex
	cancelled  map[string]bool
	active     map[string]bool
	inflight   map[string]context.CancelFunc
	timers     map[string]*time.Timer
	aggregated map[string]bool
}

// NewOrchestrator wires the pipeline. The upload executor is passed
// explicitly because submission stashes page bytes into it.
func NewOrchestrator(
	config *common.PipelineConfig,
	storage interfaces.StorageManager,
	events interfaces.EventService,
	broadcaster *Broadcaster,
	resultMerger *merger.Merger,
	objects interfaces.ObjectStore,
	splitter interfaces.PageSplitter,
	uploader *stages.UploadExecutor,
	executors []interfaces.StageExecutor,
	logger arbor.ILogger,
) *Orchestrator {
	byStage := make(map[models.Stage]interfaces.StageExecutor, len(executors))
	for _, e := range executors {
		byStage[e.Stage()] = e
	}

	o := &Orchestrator{
		config:      config,
		storage:     storage,
		events:      events,
		broadcaster: broadcaster,
		merger:      resultMerger,
		objects:     objects,
		splitter:    splitter,
		uploader:    uploader,
		executors:   byStage,
		validate:    validator.New(),
		logger:      logger,
		cancelled:   make(map[string]bool),
		active:      make(map[string]bool),
		inflight:    make(map[string]context.CancelFunc),
		timers:      make(map[string]*time.Timer),
		aggregated:  make(map[string]bool),
	}
	o.pool = newWorkerPool(config.Workers, config.QueueSize, o.processTask, logger)
	return o
}

// Start launches the worker pool and re-enqueues any non-terminal tasks
// left over from a previous run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.pool.Start()

	leftover, err := o.storage.TaskStorage().ListNonTerminalTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for leftover tasks: %w", err)
	}
	for _, task := range leftover {
		if task.IsAggregate() {
			continue
		}
		if err := o.pool.Enqueue(task.TaskID); err != nil {
			o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to re-enqueue leftover task")
		}
	}
	if len(leftover) > 0 {
		o.logger.Info().Int("count", len(leftover)).Msg("Re-enqueued leftover tasks")
	}
	return nil
}

// Stop halts workers and pending retry timers. In-flight stages run to
// completion.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.pool.Stop()
}

// Submit validates a drawing, splits it into page slices, creates one task
// per slice plus the document aggregate, and queues the slices for
// processing. Returns the document ID and the created records.
func (o *Orchestrator) Submit(ctx context.Context, submission *models.DrawingSubmission) (string, []*models.TaskRecord, error) {
	if err := o.validate.Struct(submission); err != nil {
		return "", nil, interfaces.NewValidationError("invalid submission", err)
	}

	pages, err := o.splitter.Split(ctx, submission.Content, submission.Format)
	if err != nil {
		var stageErr *interfaces.StageError
		if errors.As(err, &stageErr) {
			return "", nil, err
		}
		return "", nil, interfaces.NewValidationError("failed to split document", err)
	}
	if len(pages) == 0 {
		return "", nil, interfaces.NewValidationError("document contains no pages", nil)
	}

	documentID := common.NewDocumentID()
	tasks := make([]*models.TaskRecord, 0, len(pages)+1)

	for i, page := range pages {
		task := models.NewSliceTask(submission.OwnerID, documentID, i)
		o.uploader.Stash(task.TaskID, page)
		tasks = append(tasks, task)
	}
	tasks = append(tasks, models.NewAggregateTask(submission.OwnerID, documentID))

	for _, task := range tasks {
		if err := o.commit(ctx, task); err != nil {
			return "", nil, fmt.Errorf("failed to persist task: %w", err)
		}
	}

	for _, task := range tasks {
		if task.IsAggregate() {
			continue
		}
		if err := o.pool.Enqueue(task.TaskID); err != nil {
			return "", nil, fmt.Errorf("failed to queue task %s: %w", task.TaskID, err)
		}
	}

	o.logger.Info().
		Str("document_id", documentID).
		Str("owner_id", submission.OwnerID).
		Int("pages", len(pages)).
		Msg("Document submitted")

	return documentID, tasks, nil
}

// Cancel requests cooperative cancellation of a task. A task waiting in the
// queue or backing off is revoked immediately; an in-flight stage is
// interrupted and revoked at its next checkpoint. Cancellation of a
// terminal task returns ErrAlreadyTerminal and changes nothing.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return interfaces.ErrAlreadyTerminal
	}

	o.mu.Lock()
	o.cancelled[taskID] = true
	cancel, running := o.inflight[taskID]
	held := o.active[taskID]
	timer, waiting := o.timers[taskID]
	if waiting {
		timer.Stop()
		delete(o.timers, taskID)
	}
	o.mu.Unlock()

	if running {
		// The worker observes the cancelled context and finalizes the record
		cancel()
		return nil
	}
	if held {
		// A worker holds the task between checkpoints; it observes the flag
		// and finalizes the record itself
		return nil
	}

	task.MarkRevoked()
	if err := o.commit(ctx, task); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.cancelled, taskID)
	o.mu.Unlock()
	o.uploader.Discard(taskID)
	o.logger.Info().Str("task_id", taskID).Msg("Task cancelled")
	o.checkDocument(ctx, task.DocumentID)
	return nil
}

// DeleteDocument cancels and removes every task for a document along with
// its stored pages and merged result, then announces the removal.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) error {
	tasks, err := o.storage.TaskStorage().ListTasksByDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("document not found: %s", documentID)
	}

	for _, task := range tasks {
		if task.IsTerminal() {
			continue
		}
		if err := o.Cancel(ctx, task.TaskID); err != nil && !errors.Is(err, interfaces.ErrAlreadyTerminal) {
			o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to cancel task during delete")
		}
	}

	if err := o.storage.TaskStorage().DeleteDocumentTasks(ctx, documentID); err != nil {
		return err
	}
	if err := o.storage.ResultStorage().DeleteResult(ctx, documentID); err != nil {
		o.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to delete merged result")
	}
	if err := o.objects.Delete(ctx, documentID); err != nil {
		o.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to delete stored pages")
	}

	o.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventDrawingDeleted,
		Payload: map[string]string{"document_id": documentID},
	})

	o.logger.Info().Str("document_id", documentID).Msg("Document deleted")
	return nil
}

// commit persists a task mutation and hands a snapshot to the broadcaster.
// Broadcast order per task matches commit order.
func (o *Orchestrator) commit(ctx context.Context, task *models.TaskRecord) error {
	if err := o.storage.TaskStorage().SaveTask(ctx, task); err != nil {
		return err
	}
	o.broadcaster.Enqueue(task.Clone())
	return nil
}

// processTask is the worker entry point: runs one task as far as it can go
// in this dequeue, which is to a terminal state unless a retry backoff
// hands it back to the queue.
func (o *Orchestrator) processTask(ctx context.Context, taskID string) {
	// While a worker holds the task, Cancel defers the terminal commit to
	// the worker's own checkpoints instead of writing the record itself
	o.mu.Lock()
	o.active[taskID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, taskID)
		o.mu.Unlock()
	}()

	task, err := o.storage.TaskStorage().GetTask(ctx, taskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to load task")
		return
	}
	if task.IsTerminal() {
		return
	}

	if task.IsAggregate() {
		o.runAggregate(ctx, task)
		return
	}
	o.runSlice(ctx, task)
}

func (o *Orchestrator) runSlice(ctx context.Context, task *models.TaskRecord) {
	logger := o.logger.WithCorrelationId(task.TaskID)

	if task.Stage == models.StageQueued {
		task.MarkStarted()
		task.AdvanceStage(models.StageUploading)
		if err := o.commit(ctx, task); err != nil {
			logger.Error().Err(err).Msg("Failed to commit stage advance")
			return
		}
	}

	for !task.IsTerminal() {
		if o.isCancelled(task.TaskID) {
			o.finalizeRevoked(ctx, task)
			return
		}

		executor, ok := o.executors[task.Stage]
		if !ok {
			task.MarkFailure(&models.TaskError{
				Kind:   models.ErrorKindFatal,
				Detail: fmt.Sprintf("no executor for stage %s", task.Stage),
			})
			o.finalize(ctx, task)
			return
		}

		task.MarkProcessing(task.Stage.StartProgress(), fmt.Sprintf("Processing %s", task.Stage))
		if err := o.commit(ctx, task); err != nil {
			logger.Error().Err(err).Msg("Failed to commit progress")
			return
		}

		claimed := task.Stage
		output, err := o.executeStage(ctx, executor, task)
		if err != nil {
			if o.isCancelled(task.TaskID) {
				o.finalizeRevoked(ctx, task)
				return
			}
			if ctx.Err() != nil {
				// Shutdown: leave the record as-is for the restart scan
				return
			}
			o.handleStageError(ctx, task, err, logger)
			return
		}

		// The stored record must still be at the claimed stage; anything else
		// means a concurrent writer touched the task and the advance is void
		stored, err := o.storage.TaskStorage().GetTask(ctx, task.TaskID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reload task before advance")
			return
		}
		if stored.IsTerminal() {
			return
		}
		if stored.Stage != claimed {
			task.MarkFailure(&models.TaskError{
				Kind:   models.ErrorKindFatal,
				Detail: fmt.Sprintf("stage moved from %s to %s during execution", claimed, stored.Stage),
			})
			o.finalize(ctx, task)
			return
		}

		o.applyStageOutput(task, output)
		if err := o.commit(ctx, task); err != nil {
			logger.Error().Err(err).Msg("Failed to commit stage result")
			return
		}
	}

	o.finalizeCleanup(ctx, task)
}

// executeStage runs one stage attempt under the configured timeout with the
// cancel hook registered for the duration of the attempt
func (o *Orchestrator) executeStage(ctx context.Context, executor interfaces.StageExecutor, task *models.TaskRecord) (*models.StageResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeoutDuration())
	o.mu.Lock()
	o.inflight[task.TaskID] = cancel
	if o.cancelled[task.TaskID] {
		// Cancel raced the registration; interrupt the attempt right away
		cancel()
	}
	o.mu.Unlock()

	output, err := executor.Execute(stageCtx, task, task.Result)

	o.mu.Lock()
	delete(o.inflight, task.TaskID)
	o.mu.Unlock()
	cancel()

	return output, err
}

// applyStageOutput chains the stage result into the record and either
// advances the stage or marks terminal success after the final stage
func (o *Orchestrator) applyStageOutput(task *models.TaskRecord, output *models.StageResult) {
	task.Result = output
	if output.Kind == models.ResultKindUpload {
		task.InputURI = output.Upload.URI
	}

	if task.Stage == models.StageQuantityCalculation {
		task.MarkSuccess(output)
		return
	}
	next, ok := task.Stage.Next()
	if !ok {
		task.MarkFailure(&models.TaskError{Kind: models.ErrorKindFatal, Detail: "no next stage"})
		return
	}
	task.AdvanceStage(next)
}

// handleStageError classifies a stage failure and either schedules a retry
// or fails the task. Either way the worker is done with the task; a retry
// comes back through the queue after the backoff delay.
func (o *Orchestrator) handleStageError(ctx context.Context, task *models.TaskRecord, err error, logger arbor.ILogger) {
	kind := models.ErrorKindFatal
	detail := err.Error()

	var stageErr *interfaces.StageError
	switch {
	case errors.As(err, &stageErr):
		kind = stageErr.Kind
		detail = stageErr.Detail
		if stageErr.Err != nil {
			detail = fmt.Sprintf("%s: %v", stageErr.Detail, stageErr.Err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = models.ErrorKindTransient
		detail = fmt.Sprintf("stage %s timed out", task.Stage)
	}

	if kind != models.ErrorKindTransient {
		task.MarkFailure(&models.TaskError{Kind: kind, Detail: detail})
		logger.Warn().Str("stage", string(task.Stage)).Str("kind", string(kind)).Msg("Task failed")
		o.finalize(ctx, task)
		return
	}

	if task.RetryCount >= o.config.MaxRetries {
		task.MarkFailure(&models.TaskError{
			Kind:   models.ErrorKindTransient,
			Detail: fmt.Sprintf("retries exhausted: %s", detail),
		})
		logger.Warn().Str("stage", string(task.Stage)).Int("attempts", task.RetryCount+1).Msg("Task failed after retries")
		o.finalize(ctx, task)
		return
	}

	delay := backoffDelay(o.config.RetryBaseDelayDuration(), o.config.RetryMaxDelayDuration(), task.RetryCount)
	task.MarkRetry(detail)
	if err := o.commit(ctx, task); err != nil {
		logger.Error().Err(err).Msg("Failed to commit retry")
		return
	}

	logger.Info().
		Str("stage", string(task.Stage)).
		Int("retry", task.RetryCount).
		Str("delay", delay.String()).
		Msg("Scheduling retry")

	o.mu.Lock()
	o.timers[task.TaskID] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, task.TaskID)
		o.mu.Unlock()
		if err := o.pool.Enqueue(task.TaskID); err != nil {
			o.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to re-enqueue retry")
		}
	})
	o.mu.Unlock()
}

// backoffDelay doubles the base delay per completed retry, capped at max
func backoffDelay(base, max time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (o *Orchestrator) isCancelled(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[taskID]
}

func (o *Orchestrator) finalizeRevoked(ctx context.Context, task *models.TaskRecord) {
	task.MarkRevoked()
	o.finalize(ctx, task)
}

// finalize commits a terminal record and runs post-terminal cleanup
func (o *Orchestrator) finalize(ctx context.Context, task *models.TaskRecord) {
	if err := o.commit(ctx, task); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to commit terminal state")
		return
	}
	o.finalizeCleanup(ctx, task)
}

func (o *Orchestrator) finalizeCleanup(ctx context.Context, task *models.TaskRecord) {
	o.uploader.Discard(task.TaskID)
	o.mu.Lock()
	delete(o.cancelled, task.TaskID)
	o.mu.Unlock()
	if !task.IsAggregate() {
		o.checkDocument(ctx, task.DocumentID)
	}
}

// checkDocument triggers the aggregate merge once every slice task for the
// document has reached a terminal status
func (o *Orchestrator) checkDocument(ctx context.Context, documentID string) {
	tasks, err := o.storage.TaskStorage().ListTasksByDocument(ctx, documentID)
	if err != nil {
		o.logger.Error().Err(err).Str("document_id", documentID).Msg("Failed to check document completion")
		return
	}

	var aggregate *models.TaskRecord
	for _, task := range tasks {
		if task.IsAggregate() {
			aggregate = task
			continue
		}
		if !task.IsTerminal() {
			return
		}
	}
	if aggregate == nil || aggregate.IsTerminal() {
		return
	}

	o.mu.Lock()
	if o.aggregated[documentID] {
		o.mu.Unlock()
		return
	}
	o.aggregated[documentID] = true
	o.mu.Unlock()

	if err := o.pool.Enqueue(aggregate.TaskID); err != nil {
		o.logger.Error().Err(err).Str("document_id", documentID).Msg("Failed to queue aggregate merge")
		o.mu.Lock()
		delete(o.aggregated, documentID)
		o.mu.Unlock()
	}
}

// runAggregate merges terminal slice results into the canonical document
// result. Slices that failed or were revoked are reported as missing; the
// merge proceeds with whatever succeeded.
func (o *Orchestrator) runAggregate(ctx context.Context, task *models.TaskRecord) {
	defer func() {
		o.mu.Lock()
		delete(o.aggregated, task.DocumentID)
		o.mu.Unlock()
	}()

	if o.isCancelled(task.TaskID) {
		o.finalizeRevoked(ctx, task)
		return
	}

	task.MarkStarted()
	task.MarkProcessing(90, "Merging page results")
	if err := o.commit(ctx, task); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to commit aggregate start")
		return
	}

	tasks, err := o.storage.TaskStorage().ListTasksByDocument(ctx, task.DocumentID)
	if err != nil {
		task.MarkFailure(&models.TaskError{Kind: models.ErrorKindFatal, Detail: "failed to load slice results"})
		o.finalize(ctx, task)
		return
	}

	var slices []models.SliceResult
	var missing []int
	for _, t := range tasks {
		if t.IsAggregate() {
			continue
		}
		if t.Status == models.TaskStatusSuccess && t.Result != nil && t.Result.Quantity != nil {
			slices = append(slices, models.SliceResult{
				SliceIndex: t.SliceIndex,
				Components: t.Result.Quantity.Components,
			})
		} else {
			missing = append(missing, t.SliceIndex)
		}
	}

	if len(slices) == 0 {
		task.MarkFailure(&models.TaskError{Kind: models.ErrorKindFatal, Detail: "no page produced a result"})
		o.finalize(ctx, task)
		return
	}

	result := o.merger.Merge(task.DocumentID, slices, missing)
	if err := o.storage.ResultStorage().SaveResult(ctx, result); err != nil {
		task.MarkFailure(&models.TaskError{Kind: models.ErrorKindFatal, Detail: "failed to persist merged result"})
		o.finalize(ctx, task)
		return
	}

	task.MarkSuccess(&models.StageResult{
		Kind: models.ResultKindQuantity,
		Quantity: &models.QuantityResult{
			Components: result.Components,
			Summary:    result.Summary,
		},
	})
	if result.Incomplete {
		task.Message = fmt.Sprintf("Completed with %d missing pages", len(result.MissingSlices))
	}
	o.finalize(ctx, task)

	o.logger.Info().
		Str("document_id", task.DocumentID).
		Int("components", len(result.Components)).
		Int("missing_slices", len(result.MissingSlices)).
		Msg("Document merge completed")
}
