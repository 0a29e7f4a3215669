package stages

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// AnalysisExecutor refines detected components with the AI collaborator.
// The stored page is re-fetched so the analyzer can see the drawing itself,
// not just the detection output.
type AnalysisExecutor struct {
	store    interfaces.ObjectStore
	analyzer interfaces.AnalysisService
	logger   arbor.ILogger
}

func NewAnalysisExecutor(store interfaces.ObjectStore, analyzer interfaces.AnalysisService, logger arbor.ILogger) *AnalysisExecutor {
	return &AnalysisExecutor{store: store, analyzer: analyzer, logger: logger}
}

func (e *AnalysisExecutor) Stage() models.Stage {
	return models.StageGPTAnalysis
}

func (e *AnalysisExecutor) Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error) {
	if err := requireKind(input, models.ResultKindDetection); err != nil {
		return nil, err
	}

	page, err := e.store.Fetch(ctx, task.InputURI)
	if err != nil {
		return nil, classify("failed to fetch stored page", err)
	}

	result, err := e.analyzer.AnalyzeComponents(ctx, page, input.Detection.Components)
	if err != nil {
		return nil, classify("component analysis failed", err)
	}

	e.logger.Debug().
		Str("task_id", task.TaskID).
		Int("components", len(result.Components)).
		Msg("AI analysis completed")

	return &models.StageResult{Kind: models.ResultKindAnalysis, Analysis: result}, nil
}
