package stages

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// OCRExecutor runs text recognition against the stored page
type OCRExecutor struct {
	store  interfaces.ObjectStore
	ocr    interfaces.OCRService
	logger arbor.ILogger
}

func NewOCRExecutor(store interfaces.ObjectStore, ocr interfaces.OCRService, logger arbor.ILogger) *OCRExecutor {
	return &OCRExecutor{store: store, ocr: ocr, logger: logger}
}

func (e *OCRExecutor) Stage() models.Stage {
	return models.StageOCRProcessing
}

func (e *OCRExecutor) Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error) {
	if err := requireKind(input, models.ResultKindUpload); err != nil {
		return nil, err
	}

	page, err := e.store.Fetch(ctx, input.Upload.URI)
	if err != nil {
		return nil, classify("failed to fetch stored page", err)
	}

	result, err := e.ocr.RecognizeText(ctx, page)
	if err != nil {
		return nil, classify("text recognition failed", err)
	}

	e.logger.Debug().
		Str("task_id", task.TaskID).
		Int("text_length", len(result.Text)).
		Int("labels", len(result.Labels)).
		Msg("OCR completed")

	return &models.StageResult{Kind: models.ResultKindOCR, OCR: result}, nil
}
