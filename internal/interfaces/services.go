package interfaces

import (
	"context"

	"github.com/ternarybob/takeoff/internal/models"
)

// ObjectStore stores and fetches drawing artifacts. Failures are classified
// as transient by callers.
type ObjectStore interface {
	Store(ctx context.Context, documentID, name string, data []byte) (string, error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Delete(ctx context.Context, documentID string) error
}

// PageSplitter splits a submitted document into per-page slices
type PageSplitter interface {
	Split(ctx context.Context, data []byte, format string) ([][]byte, error)
}

// OCRService extracts text and identifying labels from one drawing page.
// Treated as a black box with a timeout contract.
type OCRService interface {
	RecognizeText(ctx context.Context, page []byte) (*models.OCRResult, error)
}

// DetectionService derives candidate components from OCR output
type DetectionService interface {
	DetectComponents(ctx context.Context, ocr *models.OCRResult, sliceIndex int) ([]models.Component, error)
}

// AnalysisService refines detected components using the AI collaborator
type AnalysisService interface {
	AnalyzeComponents(ctx context.Context, page []byte, detected []models.Component) (*models.AnalysisResult, error)
}
