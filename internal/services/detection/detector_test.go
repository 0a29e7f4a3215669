package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/models"
)

func detect(t *testing.T, ocr *models.OCRResult) []models.Component {
	d := NewDetector(arbor.NewLogger())
	components, err := d.DetectComponents(context.Background(), ocr, 0)
	require.NoError(t, err)
	return components
}

func TestDetect_TagWithContext(t *testing.T) {
	components := detect(t, &models.OCRResult{
		Text: "Gate valve V-101 DN50 2 off\nSteel beam B-7 200x100",
	})

	require.Len(t, components, 2)

	beam := components[0]
	assert.Equal(t, "B-7", beam.Label)
	assert.Equal(t, "beam", beam.Type)
	assert.Equal(t, 200.0, beam.Dimensions.WidthMM)
	assert.Equal(t, 100.0, beam.Dimensions.HeightMM)

	valve := components[1]
	assert.Equal(t, "V-101", valve.Label)
	assert.Equal(t, "valve", valve.Type)
	assert.Equal(t, 2.0, valve.Quantity)
	assert.Greater(t, valve.Confidence, 0.5, "keyword context raises confidence")
}

func TestDetect_ThreeAxisDimensions(t *testing.T) {
	components := detect(t, &models.OCRResult{Text: "Tank T-3 1200x800x600"})

	require.Len(t, components, 1)
	assert.Equal(t, 1200.0, components[0].Dimensions.WidthMM)
	assert.Equal(t, 800.0, components[0].Dimensions.HeightMM)
	assert.Equal(t, 600.0, components[0].Dimensions.DepthMM)
}

func TestDetect_DuplicateTagKeepsBestCandidate(t *testing.T) {
	components := detect(t, &models.OCRResult{
		Text: "V-101\nGate valve V-101 DN50",
	})

	require.Len(t, components, 1)
	assert.Equal(t, "valve", components[0].Type, "context-bearing line wins")
}

func TestDetect_OCRLabelsWithoutTextContext(t *testing.T) {
	components := detect(t, &models.OCRResult{
		Text:   "no tags in the body",
		Labels: []string{"P-23", "p23", "not a tag"},
	})

	require.Len(t, components, 1)
	assert.Equal(t, "P-23", components[0].Label)
	assert.Equal(t, "pump", components[0].Type)
	assert.Equal(t, 0.4, components[0].Confidence)
}

func TestDetect_EmptyTextNoComponents(t *testing.T) {
	components := detect(t, &models.OCRResult{Text: ""})
	assert.Empty(t, components)
}

func TestDetect_Deterministic(t *testing.T) {
	ocr := &models.OCRResult{Text: "V-1 valve\nP-2 pump\nB-3 beam"}
	first := detect(t, ocr)
	second := detect(t, ocr)
	assert.Equal(t, first, second)
}

func TestDetect_NilInput(t *testing.T) {
	d := NewDetector(arbor.NewLogger())
	_, err := d.DetectComponents(context.Background(), nil, 0)
	assert.Error(t, err)
}
