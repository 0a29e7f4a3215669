package stages

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/models"
)

// QuantityExecutor is the final per-slice stage. It is pure computation:
// normalizes the analyzed components, fills defaults, and produces the
// slice-level summary.
type QuantityExecutor struct {
	logger arbor.ILogger
}

func NewQuantityExecutor(logger arbor.ILogger) *QuantityExecutor {
	return &QuantityExecutor{logger: logger}
}

func (e *QuantityExecutor) Stage() models.Stage {
	return models.StageQuantityCalculation
}

func (e *QuantityExecutor) Execute(ctx context.Context, task *models.TaskRecord, input *models.StageResult) (*models.StageResult, error) {
	if err := requireKind(input, models.ResultKindAnalysis); err != nil {
		return nil, err
	}

	components := make([]models.Component, len(input.Analysis.Components))
	copy(components, input.Analysis.Components)

	for i := range components {
		if components[i].Quantity <= 0 {
			components[i].Quantity = 1
		}
		if components[i].Confidence < 0 {
			components[i].Confidence = 0
		}
		if components[i].Confidence > 1 {
			components[i].Confidence = 1
		}
		if components[i].ComponentID == "" {
			components[i].ComponentID = fmt.Sprintf("%s-s%d-c%d", task.DocumentID, task.SliceIndex, i)
		}
		components[i].SourceSlice = task.SliceIndex
	}

	result := &models.QuantityResult{
		Components: components,
		Summary:    models.NewSummary(components),
	}

	e.logger.Debug().
		Str("task_id", task.TaskID).
		Int("components", len(components)).
		Str("total_quantity", fmt.Sprintf("%.1f", result.Summary.TotalQuantity)).
		Msg("Quantity calculation completed")

	return &models.StageResult{Kind: models.ResultKindQuantity, Quantity: result}, nil
}
