package stages

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// DetectionExecutor derives candidate components from OCR output
type DetectionExecutor struct {
	detector interfaces.DetectionService
	logger   arbor.ILogger
}

func NewDetectionExecutor(detector interfaces.DetectionService, logger arbor.ILogger) *DetectionExecutor {
	return &DetectionExecutor{detector: detector, logger: logger}
}

func (e *DetectionExecutor) Stage() models.Stage {
	return models.StageComponentDetection
}

func (e *DetectionExecutor) Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error) {
	if err := requireKind(input, models.ResultKindOCR); err != nil {
		return nil, err
	}

	components, err := e.detector.DetectComponents(ctx, input.OCR, task.SliceIndex)
	if err != nil {
		return nil, classify("component detection failed", err)
	}

	e.logger.Debug().
		Str("task_id", task.TaskID).
		Int("components", len(components)).
		Msg("Component detection completed")

	return &models.StageResult{
		Kind:      models.ResultKindDetection,
		Detection: &models.DetectionResult{Components: components},
	}, nil
}
