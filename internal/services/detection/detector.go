// -----------------------------------------------------------------------
// Rule-based component detector - derives candidate components from OCR
// text using tag, keyword, and dimension patterns. Candidates are cheap
// and noisy; the analysis stage refines them.
// -----------------------------------------------------------------------

package detection

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// tagPattern matches component identification tags like V-101, P23, HX-4
var tagPattern = regexp.MustCompile(`\b([A-Z]{1,3})-?(\d{1,4})\b`)

// dimensionPattern matches "120x60", "120 X 60", "120x60x40"
var dimensionPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[xX]\s*(\d+(?:\.\d+)?)(?:\s*[xX]\s*(\d+(?:\.\d+)?))?`)

// quantityPattern matches quantity callouts like "4 off", "2 ea", "3 pcs"
var quantityPattern = regexp.MustCompile(`(?i)\b(\d+)\s*(?:off|ea|pcs|no\.?)\b`)

// typeByPrefix maps common tag prefixes to component types
var typeByPrefix = map[string]string{
	"V":  "valve",
	"P":  "pump",
	"B":  "beam",
	"C":  "column",
	"D":  "duct",
	"F":  "fitting",
	"T":  "tank",
	"E":  "equipment",
	"HX": "heat_exchanger",
	"FD": "fire_damper",
}

// excludedPrefixes are tag-shaped size and standard designations, not
// component tags
var excludedPrefixes = map[string]bool{
	"DN": true, "PN": true, "NB": true, "ISO": true, "EN": true,
	"BS": true, "AS": true, "M": true, "R": true,
}

// typeKeywords recognizes types spelled out in the surrounding text
var typeKeywords = []string{
	"valve", "pump", "beam", "column", "duct", "fitting", "tank",
	"pipe", "flange", "damper", "diffuser", "grille", "bracket",
}

// Detector implements DetectionService with deterministic text rules
type Detector struct {
	logger arbor.ILogger
}

var _ interfaces.DetectionService = (*Detector)(nil)

func NewDetector(logger arbor.ILogger) *Detector {
	return &Detector{logger: logger}
}

// DetectComponents scans the OCR output line by line. A tag anchors a
// candidate; the line around it supplies type, dimensions, and quantity.
// Labels reported by the OCR service count as tags even without line context.
func (d *Detector) DetectComponents(ctx context.Context, ocr *models.OCRResult, sliceIndex int) ([]models.Component, error) {
	if ocr == nil {
		return nil, interfaces.NewValidationError("missing OCR input", nil)
	}

	byLabel := make(map[string]models.Component)

	for _, line := range strings.Split(ocr.Text, "\n") {
		for _, match := range tagPattern.FindAllStringSubmatch(line, -1) {
			if excludedPrefixes[match[1]] {
				continue
			}
			label := match[1] + "-" + match[2]
			component := d.candidate(label, match[1], line, sliceIndex)
			if existing, ok := byLabel[label]; !ok || component.Confidence > existing.Confidence {
				byLabel[label] = component
			}
		}
	}

	// OCR-reported labels not seen in the text body become low-confidence
	// candidates with no context
	for _, label := range ocr.Labels {
		normalized := normalizeLabel(label)
		if normalized == "" {
			continue
		}
		if _, ok := byLabel[normalized]; ok {
			continue
		}
		prefix := strings.Split(normalized, "-")[0]
		if excludedPrefixes[prefix] {
			continue
		}
		byLabel[normalized] = models.Component{
			Type:        typeForPrefix(prefix),
			Label:       normalized,
			Quantity:    1,
			Confidence:  0.4,
			SourceSlice: sliceIndex,
		}
	}

	components := make([]models.Component, 0, len(byLabel))
	for _, c := range byLabel {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Label < components[j].Label })

	for i := range components {
		components[i].ComponentID = fmt.Sprintf("det-s%d-%d", sliceIndex, i)
	}

	d.logger.Debug().
		Int("slice_index", sliceIndex).
		Int("components", len(components)).
		Msg("Detected components")

	return components, nil
}

// candidate builds one component from a tag and its surrounding line
func (d *Detector) candidate(label, prefix, line string, sliceIndex int) models.Component {
	component := models.Component{
		Type:        typeForPrefix(prefix),
		Label:       label,
		Quantity:    1,
		Confidence:  0.5,
		SourceSlice: sliceIndex,
	}

	lower := strings.ToLower(line)
	for _, keyword := range typeKeywords {
		if strings.Contains(lower, keyword) {
			component.Type = keyword
			component.Confidence += 0.2
			break
		}
	}

	if dims := dimensionPattern.FindStringSubmatch(line); dims != nil {
		component.Dimensions.WidthMM, _ = strconv.ParseFloat(dims[1], 64)
		component.Dimensions.HeightMM, _ = strconv.ParseFloat(dims[2], 64)
		if dims[3] != "" {
			component.Dimensions.DepthMM, _ = strconv.ParseFloat(dims[3], 64)
		}
		component.Confidence += 0.1
	}

	if qty := quantityPattern.FindStringSubmatch(line); qty != nil {
		if n, err := strconv.Atoi(qty[1]); err == nil && n > 0 {
			component.Quantity = float64(n)
		}
	}

	return component
}

func typeForPrefix(prefix string) string {
	if t, ok := typeByPrefix[strings.ToUpper(prefix)]; ok {
		return t
	}
	return "component"
}

// normalizeLabel coerces OCR label variants into the PREFIX-NUMBER form
func normalizeLabel(label string) string {
	match := tagPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(label)))
	if match == nil {
		return ""
	}
	return match[1] + "-" + match[2]
}
