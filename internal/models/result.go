// -----------------------------------------------------------------------
// Stage results - tagged variants with explicit schemas per stage
// -----------------------------------------------------------------------

package models

import (
	"fmt"
)

// ResultKind tags the variant carried by a StageResult
type ResultKind string

const (
	ResultKindUpload    ResultKind = "upload"
	ResultKindOCR       ResultKind = "ocr"
	ResultKindDetection ResultKind = "detection"
	ResultKindAnalysis  ResultKind = "analysis"
	ResultKindQuantity  ResultKind = "quantity"
)

// StageResult is a tagged union: exactly one payload field is populated and
// it must match Kind. Validated at stage boundaries instead of trusting
// ad hoc payload shapes.
type StageResult struct {
	Kind      ResultKind       `json:"kind"`
	Upload    *UploadResult    `json:"upload,omitempty"`
	OCR       *OCRResult       `json:"ocr,omitempty"`
	Detection *DetectionResult `json:"detection,omitempty"`
	Analysis  *AnalysisResult  `json:"analysis,omitempty"`
	Quantity  *QuantityResult  `json:"quantity,omitempty"`
}

// UploadResult records the stored artifact location
type UploadResult struct {
	URI   string `json:"uri"`
	Bytes int    `json:"bytes"`
}

// OCRResult carries extracted text and identifying labels from one page
type OCRResult struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels,omitempty"`
}

// DetectionResult carries components detected on one page
type DetectionResult struct {
	Components []Component `json:"components"`
}

// AnalysisResult carries AI-refined components plus analysis notes
type AnalysisResult struct {
	Components []Component `json:"components"`
	Notes      string      `json:"notes,omitempty"`
}

// QuantityResult is the final per-slice output: components with computed
// quantities and the slice-level summary.
type QuantityResult struct {
	Components []Component `json:"components"`
	Summary    Summary     `json:"summary"`
}

// Validate checks that exactly the payload matching Kind is populated
func (r *StageResult) Validate() error {
	populated := 0
	if r.Upload != nil {
		populated++
	}
	if r.OCR != nil {
		populated++
	}
	if r.Detection != nil {
		populated++
	}
	if r.Analysis != nil {
		populated++
	}
	if r.Quantity != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("stage result must carry exactly one payload, got %d", populated)
	}

	var match bool
	switch r.Kind {
	case ResultKindUpload:
		match = r.Upload != nil
	case ResultKindOCR:
		match = r.OCR != nil
	case ResultKindDetection:
		match = r.Detection != nil
	case ResultKindAnalysis:
		match = r.Analysis != nil
	case ResultKindQuantity:
		match = r.Quantity != nil
	default:
		return fmt.Errorf("unknown result kind: %s", r.Kind)
	}
	if !match {
		return fmt.Errorf("result payload does not match kind %s", r.Kind)
	}
	return nil
}

// Dimensions holds component measurements in millimetres. Zero values mean
// the dimension was not present on the drawing.
type Dimensions struct {
	WidthMM  float64 `json:"width_mm,omitempty"`
	HeightMM float64 `json:"height_mm,omitempty"`
	DepthMM  float64 `json:"depth_mm,omitempty"`
}

// Component is the output primitive the result merger deduplicates
type Component struct {
	ComponentID string     `json:"component_id"`
	Type        string     `json:"component_type"`
	Label       string     `json:"label"`
	Dimensions  Dimensions `json:"dimensions"`
	Material    string     `json:"material,omitempty"`
	Quantity    float64    `json:"quantity"`
	Confidence  float64    `json:"confidence"`
	SourceSlice int        `json:"source_slice"`
}

// Summary holds statistics recomputed from a deduplicated component set
type Summary struct {
	TotalComponents int            `json:"total_components"`
	CountsByType    map[string]int `json:"counts_by_type"`
	TotalQuantity   float64        `json:"total_quantity"`
}

// SliceResult pairs a slice index with its terminal quantity output.
// The merger consumes only terminal, immutable slice results.
type SliceResult struct {
	SliceIndex int         `json:"slice_index"`
	Components []Component `json:"components"`
}

// CanonicalResult is the deduplicated, merged output for a whole document.
// Incomplete is set when some slices failed or were revoked; it is the single
// surfaced signal of partial failure at the document level.
type CanonicalResult struct {
	DocumentID    string      `json:"document_id"`
	Components    []Component `json:"components"`
	Summary       Summary     `json:"summary"`
	Incomplete    bool        `json:"incomplete"`
	MissingSlices []int       `json:"missing_slices,omitempty"`
}

// NewSummary computes summary statistics from a component set
func NewSummary(components []Component) Summary {
	summary := Summary{
		TotalComponents: len(components),
		CountsByType:    make(map[string]int),
	}
	for _, c := range components {
		summary.CountsByType[c.Type]++
		summary.TotalQuantity += c.Quantity
	}
	return summary
}
