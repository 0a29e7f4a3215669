package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/merger"
	"github.com/ternarybob/takeoff/internal/models"
	"github.com/ternarybob/takeoff/internal/pipeline/stages"
	"github.com/ternarybob/takeoff/internal/services/events"
)

// ---------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------

type memTaskStorage struct {
	mu    sync.Mutex
	tasks map[string]*models.TaskRecord
}

func newMemTaskStorage() *memTaskStorage {
	return &memTaskStorage{tasks: make(map[string]*models.TaskRecord)}
}

func (s *memTaskStorage) SaveTask(ctx context.Context, task *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

func (s *memTaskStorage) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return task.Clone(), nil
}

func (s *memTaskStorage) list(filter func(*models.TaskRecord) bool) []*models.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TaskRecord
	for _, task := range s.tasks {
		if filter(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SliceIndex < out[j].SliceIndex })
	return out
}

func (s *memTaskStorage) ListTasksByOwner(ctx context.Context, ownerID string, includeTerminal bool) ([]*models.TaskRecord, error) {
	return s.list(func(t *models.TaskRecord) bool {
		return t.OwnerID == ownerID && (includeTerminal || !t.IsTerminal())
	}), nil
}

func (s *memTaskStorage) ListTasksByDocument(ctx context.Context, documentID string) ([]*models.TaskRecord, error) {
	return s.list(func(t *models.TaskRecord) bool { return t.DocumentID == documentID }), nil
}

func (s *memTaskStorage) ListNonTerminalTasks(ctx context.Context) ([]*models.TaskRecord, error) {
	return s.list(func(t *models.TaskRecord) bool { return !t.IsTerminal() }), nil
}

func (s *memTaskStorage) DeleteDocumentTasks(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		if task.DocumentID == documentID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *memTaskStorage) DeleteTerminalTasks(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, task := range s.tasks {
		if task.OwnerID == ownerID && task.IsTerminal() {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

type memResultStorage struct {
	mu      sync.Mutex
	results map[string]*models.CanonicalResult
}

func newMemResultStorage() *memResultStorage {
	return &memResultStorage{results: make(map[string]*models.CanonicalResult)}
}

func (s *memResultStorage) SaveResult(ctx context.Context, result *models.CanonicalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.DocumentID] = result
	return nil
}

func (s *memResultStorage) GetResult(ctx context.Context, documentID string) (*models.CanonicalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[documentID]
	if !ok {
		return nil, fmt.Errorf("result not found for document: %s", documentID)
	}
	return result, nil
}

func (s *memResultStorage) DeleteResult(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, documentID)
	return nil
}

type memStorageManager struct {
	tasks   *memTaskStorage
	results *memResultStorage
}

func newMemStorageManager() *memStorageManager {
	return &memStorageManager{tasks: newMemTaskStorage(), results: newMemResultStorage()}
}

func (m *memStorageManager) TaskStorage() interfaces.TaskStorage     { return m.tasks }
func (m *memStorageManager) ResultStorage() interfaces.ResultStorage { return m.results }
func (m *memStorageManager) Close() error                            { return nil }

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (s *memObjectStore) Store(ctx context.Context, documentID, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uri := "mem://" + documentID + "/" + name
	s.objects[uri] = data
	return uri, nil
}

func (s *memObjectStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", uri)
	}
	return data, nil
}

func (s *memObjectStore) Delete(ctx context.Context, documentID string) error {
	return nil
}

type fakeSplitter struct {
	pages int
}

func (s *fakeSplitter) Split(ctx context.Context, data []byte, format string) ([][]byte, error) {
	pages := make([][]byte, s.pages)
	for i := range pages {
		pages[i] = []byte(fmt.Sprintf("page-%d", i))
	}
	return pages, nil
}

type fakeOCR struct {
	calls int32
	fn    func(ctx context.Context) error
}

func (s *fakeOCR) RecognizeText(ctx context.Context, page []byte) (*models.OCRResult, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.fn != nil {
		if err := s.fn(ctx); err != nil {
			return nil, err
		}
	}
	return &models.OCRResult{Text: "VALVE V-101 DN50", Labels: []string{"V-101"}}, nil
}

type fakeDetector struct{}

func (s *fakeDetector) DetectComponents(ctx context.Context, ocr *models.OCRResult, sliceIndex int) ([]models.Component, error) {
	return []models.Component{
		{Type: "valve", Label: "V-101", Quantity: 1, Confidence: 0.7, SourceSlice: sliceIndex},
	}, nil
}

type fakeAnalyzer struct{}

func (s *fakeAnalyzer) AnalyzeComponents(ctx context.Context, page []byte, detected []models.Component) (*models.AnalysisResult, error) {
	out := make([]models.Component, len(detected))
	copy(out, detected)
	for i := range out {
		out[i].Confidence = 0.9
	}
	return &models.AnalysisResult{Components: out}, nil
}

// ---------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------

type testHarness struct {
	orchestrator *Orchestrator
	storage      *memStorageManager
	events       interfaces.EventService
	broadcaster  *Broadcaster
	ocr          *fakeOCR
}

func testConfig() *common.PipelineConfig {
	return &common.PipelineConfig{
		Workers:        2,
		QueueSize:      64,
		StageTimeout:   "2s",
		MaxRetries:     2,
		RetryBaseDelay: "1ms",
		RetryMaxDelay:  "10ms",
		StallCeiling:   "30m",
	}
}

func newHarness(t *testing.T, pages int) *testHarness {
	logger := arbor.NewLogger()
	storage := newMemStorageManager()
	eventService := events.NewService(logger)
	broadcaster := NewBroadcaster(eventService, logger)
	store := newMemObjectStore()
	ocr := &fakeOCR{}

	uploader := stages.NewUploadExecutor(store, logger)
	executors := []interfaces.StageExecutor{
		uploader,
		stages.NewOCRExecutor(store, ocr, logger),
		stages.NewDetectionExecutor(&fakeDetector{}, logger),
		stages.NewAnalysisExecutor(store, &fakeAnalyzer{}, logger),
		stages.NewQuantityExecutor(logger),
	}

	resultMerger := merger.New(&common.MergerConfig{
		LabelDistance:      2,
		DimensionTolerance: 0.05,
		ConfidenceEpsilon:  0.1,
	}, logger)

	o := NewOrchestrator(testConfig(), storage, eventService, broadcaster, resultMerger,
		store, &fakeSplitter{pages: pages}, uploader, executors, logger)

	t.Cleanup(func() {
		o.Stop()
		broadcaster.Close()
	})

	return &testHarness{
		orchestrator: o,
		storage:      storage,
		events:       eventService,
		broadcaster:  broadcaster,
		ocr:          ocr,
	}
}

func submitDrawing(t *testing.T, h *testHarness) (string, []*models.TaskRecord) {
	documentID, tasks, err := h.orchestrator.Submit(context.Background(), &models.DrawingSubmission{
		OwnerID:  "user-1",
		FileName: "plan.pdf",
		Format:   "pdf",
		Content:  []byte("%PDF-fake"),
	})
	require.NoError(t, err)
	return documentID, tasks
}

func waitForTerminal(t *testing.T, h *testHarness, taskID string) *models.TaskRecord {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.storage.tasks.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", taskID)
	return nil
}

func aggregateOf(tasks []*models.TaskRecord) *models.TaskRecord {
	for _, task := range tasks {
		if task.IsAggregate() {
			return task
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------

func TestSubmit_HappyPathCompletesAndMerges(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.orchestrator.Start(context.Background()))

	documentID, tasks := submitDrawing(t, h)
	require.Len(t, tasks, 3, "two slices plus the aggregate")

	aggregate := aggregateOf(tasks)
	require.NotNil(t, aggregate)

	final := waitForTerminal(t, h, aggregate.TaskID)
	assert.Equal(t, models.TaskStatusSuccess, final.Status)
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 100, final.Progress)

	for _, task := range tasks {
		if task.IsAggregate() {
			continue
		}
		sliceTask := waitForTerminal(t, h, task.TaskID)
		assert.Equal(t, models.TaskStatusSuccess, sliceTask.Status)
	}

	// Both pages found the same valve, so the merged result has one component
	result, err := h.storage.results.GetResult(context.Background(), documentID)
	require.NoError(t, err)
	assert.False(t, result.Incomplete)
	assert.Len(t, result.Components, 1)
	assert.Equal(t, 1, result.Summary.TotalComponents)
}

func TestSubmit_RejectsInvalidSubmission(t *testing.T) {
	h := newHarness(t, 1)

	_, _, err := h.orchestrator.Submit(context.Background(), &models.DrawingSubmission{
		OwnerID: "user-1",
		Format:  "docx",
		Content: []byte("data"),
	})
	require.Error(t, err)

	var stageErr *interfaces.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.ErrorKindValidation, stageErr.Kind)
}

func TestStageOrder_NeverMovesBackward(t *testing.T) {
	stageIndex := map[models.Stage]int{
		models.StageQueued:              0,
		models.StageUploading:           1,
		models.StageOCRProcessing:       2,
		models.StageComponentDetection:  3,
		models.StageGPTAnalysis:         4,
		models.StageQuantityCalculation: 5,
		models.StageCompleted:           6,
	}

	h := newHarness(t, 1)

	var mu sync.Mutex
	seen := make(map[string][]models.Stage)
	h.events.Subscribe(interfaces.EventTaskUpdate, func(ctx context.Context, event interfaces.Event) error {
		task := event.Payload.(*models.TaskRecord)
		mu.Lock()
		seen[task.TaskID] = append(seen[task.TaskID], task.Stage)
		mu.Unlock()
		return nil
	})

	require.NoError(t, h.orchestrator.Start(context.Background()))
	_, tasks := submitDrawing(t, h)
	waitForTerminal(t, h, aggregateOf(tasks).TaskID)
	h.broadcaster.Close()

	mu.Lock()
	defer mu.Unlock()
	for taskID, sequence := range seen {
		last := -1
		for _, stage := range sequence {
			idx, ok := stageIndex[stage]
			if !ok {
				continue
			}
			if idx < last {
				t.Errorf("task %s moved backward: %v", taskID, sequence)
				break
			}
			last = idx
		}
	}
}

func TestRetry_TransientFailureBoundedAttempts(t *testing.T) {
	h := newHarness(t, 1)
	h.ocr.fn = func(ctx context.Context) error {
		return interfaces.NewTransientError("collaborator unavailable", nil)
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	sliceTask := waitForTerminal(t, h, tasks[0].TaskID)

	assert.Equal(t, models.TaskStatusFailure, sliceTask.Status)
	assert.Equal(t, models.StageFailed, sliceTask.Stage)
	require.NotNil(t, sliceTask.Error)
	assert.Equal(t, models.ErrorKindTransient, sliceTask.Error.Kind)

	// max_retries + 1 attempts, then failure
	attempts := atomic.LoadInt32(&h.ocr.calls)
	assert.Equal(t, int32(testConfig().MaxRetries+1), attempts)

	// All pages failed, so the aggregate fails too
	aggregate := waitForTerminal(t, h, aggregateOf(tasks).TaskID)
	assert.Equal(t, models.TaskStatusFailure, aggregate.Status)
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t, 1)
	var calls int32
	h.ocr.fn = func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return interfaces.NewTransientError("first attempt fails", nil)
		}
		return nil
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	sliceTask := waitForTerminal(t, h, tasks[0].TaskID)
	assert.Equal(t, models.TaskStatusSuccess, sliceTask.Status)
}

func TestValidationFailure_NoRetry(t *testing.T) {
	h := newHarness(t, 1)
	h.ocr.fn = func(ctx context.Context) error {
		return interfaces.NewValidationError("page is unreadable", nil)
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	sliceTask := waitForTerminal(t, h, tasks[0].TaskID)

	assert.Equal(t, models.TaskStatusFailure, sliceTask.Status)
	require.NotNil(t, sliceTask.Error)
	assert.Equal(t, models.ErrorKindValidation, sliceTask.Error.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.ocr.calls), "validation errors are not retried")
}

func TestPartialFailure_MergeMarkedIncomplete(t *testing.T) {
	h := newHarness(t, 2)
	var calls int32
	h.ocr.fn = func(ctx context.Context) error {
		// First page to arrive fails fatally, the other succeeds
		if atomic.AddInt32(&calls, 1) == 1 {
			return interfaces.NewFatalError("corrupt page", nil)
		}
		return nil
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	documentID, tasks := submitDrawing(t, h)
	aggregate := waitForTerminal(t, h, aggregateOf(tasks).TaskID)
	assert.Equal(t, models.TaskStatusSuccess, aggregate.Status)

	result, err := h.storage.results.GetResult(context.Background(), documentID)
	require.NoError(t, err)
	assert.True(t, result.Incomplete)
	assert.Len(t, result.MissingSlices, 1)
	assert.Len(t, result.Components, 1, "surviving page still contributes")
}

func TestCancel_QueuedTaskRevokedImmediately(t *testing.T) {
	// Workers never started, so submitted tasks sit in the queue
	h := newHarness(t, 1)

	_, tasks := submitDrawing(t, h)
	taskID := tasks[0].TaskID

	require.NoError(t, h.orchestrator.Cancel(context.Background(), taskID))

	task, err := h.storage.tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRevoked, task.Status)
	assert.Nil(t, task.Error, "cancellation is not an error")
}

func TestCancel_TerminalTaskReturnsAlreadyTerminal(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	sliceTask := waitForTerminal(t, h, tasks[0].TaskID)
	require.Equal(t, models.TaskStatusSuccess, sliceTask.Status)

	err := h.orchestrator.Cancel(context.Background(), sliceTask.TaskID)
	require.ErrorIs(t, err, interfaces.ErrAlreadyTerminal)

	// Record unchanged by the rejected cancel
	after, err := h.storage.tasks.GetTask(context.Background(), sliceTask.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, after.Status)
}

func TestCancel_InFlightStageInterrupted(t *testing.T) {
	h := newHarness(t, 1)
	started := make(chan struct{})
	var once sync.Once
	h.ocr.fn = func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	taskID := tasks[0].TaskID

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	require.NoError(t, h.orchestrator.Cancel(context.Background(), taskID))

	task := waitForTerminal(t, h, taskID)
	assert.Equal(t, models.TaskStatusRevoked, task.Status)
	assert.Nil(t, task.Error)
}

func TestCancel_QueuedTaskClearsCancelFlag(t *testing.T) {
	h := newHarness(t, 1)

	_, tasks := submitDrawing(t, h)
	taskID := tasks[0].TaskID

	require.NoError(t, h.orchestrator.Cancel(context.Background(), taskID))

	h.orchestrator.mu.Lock()
	_, tracked := h.orchestrator.cancelled[taskID]
	h.orchestrator.mu.Unlock()
	assert.False(t, tracked, "revoking a queued task must not leave a cancel flag behind")
}

func TestCancel_WorkerHeldTaskNeverOverwritten(t *testing.T) {
	// Workers never started; the worker hold is simulated directly so Cancel
	// hits the window between the dequeue and the stage registration
	h := newHarness(t, 1)
	ctx := context.Background()
	o := h.orchestrator

	_, tasks := submitDrawing(t, h)
	taskID := tasks[0].TaskID

	o.mu.Lock()
	o.active[taskID] = true
	o.mu.Unlock()

	require.NoError(t, o.Cancel(ctx, taskID))

	// Cancel left the record to the worker instead of committing a terminal
	// state it could then overwrite
	mid, err := h.storage.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, mid.IsTerminal())

	o.mu.Lock()
	delete(o.active, taskID)
	o.mu.Unlock()

	// The worker picks the task up and finalizes it at its first checkpoint
	o.processTask(ctx, taskID)

	final, err := h.storage.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRevoked, final.Status)

	o.mu.Lock()
	_, tracked := o.cancelled[taskID]
	o.mu.Unlock()
	assert.False(t, tracked)
}

func TestStageAdvance_AbortsWhenStoredStageMoved(t *testing.T) {
	h := newHarness(t, 1)
	var once sync.Once
	h.ocr.fn = func(ctx context.Context) error {
		// Move the persisted record to another stage while the attempt runs
		once.Do(func() {
			tasks, _ := h.storage.tasks.ListNonTerminalTasks(context.Background())
			for _, task := range tasks {
				if task.IsAggregate() {
					continue
				}
				task.Stage = models.StageComponentDetection
				h.storage.tasks.SaveTask(context.Background(), task)
			}
		})
		return nil
	}
	require.NoError(t, h.orchestrator.Start(context.Background()))

	_, tasks := submitDrawing(t, h)
	sliceTask := waitForTerminal(t, h, tasks[0].TaskID)

	assert.Equal(t, models.TaskStatusFailure, sliceTask.Status)
	require.NotNil(t, sliceTask.Error)
	assert.Equal(t, models.ErrorKindFatal, sliceTask.Error.Kind)
	assert.Contains(t, sliceTask.Error.Detail, "stage moved")
}

func TestDeleteDocument_RemovesTasksAndResult(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.orchestrator.Start(context.Background()))

	documentID, tasks := submitDrawing(t, h)
	waitForTerminal(t, h, aggregateOf(tasks).TaskID)

	deleted := make(chan struct{})
	h.events.Subscribe(interfaces.EventDrawingDeleted, func(ctx context.Context, event interfaces.Event) error {
		close(deleted)
		return nil
	})

	require.NoError(t, h.orchestrator.DeleteDocument(context.Background(), documentID))

	remaining, err := h.storage.tasks.ListTasksByDocument(context.Background(), documentID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = h.storage.results.GetResult(context.Background(), documentID)
	assert.Error(t, err)

	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Error("drawing_deleted event was not published")
	}
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 0))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 8*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 32*time.Second, backoffDelay(base, max, 4))
	assert.Equal(t, time.Minute, backoffDelay(base, max, 5))
	assert.Equal(t, time.Minute, backoffDelay(base, max, 50))
}
