// -----------------------------------------------------------------------
// Result merger - deduplicates components across page slices into a
// canonical document result. Merging is deterministic for a given input
// set regardless of slice arrival order, and re-merging a merged result
// leaves it unchanged.
// -----------------------------------------------------------------------

package merger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/models"
)

// Merger pools components from terminal slice results and collapses
// duplicates using fuzzy similarity thresholds.
type Merger struct {
	labelDistance      int
	dimensionTolerance float64
	confidenceEpsilon  float64
	logger             arbor.ILogger
}

// New creates a merger with the configured similarity thresholds
func New(config *common.MergerConfig, logger arbor.ILogger) *Merger {
	return &Merger{
		labelDistance:      config.LabelDistance,
		dimensionTolerance: config.DimensionTolerance,
		confidenceEpsilon:  config.ConfidenceEpsilon,
		logger:             logger,
	}
}

// Merge collapses the pooled slice components into one canonical result.
// missingSlices lists slice indexes that never produced a terminal success;
// a non-empty list marks the result incomplete.
func (m *Merger) Merge(documentID string, slices []models.SliceResult, missingSlices []int) *models.CanonicalResult {
	pool := make([]models.Component, 0)
	for _, slice := range slices {
		pool = append(pool, slice.Components...)
	}

	// Canonical pool order makes grouping independent of slice arrival order
	sort.Slice(pool, func(i, j int) bool {
		return componentKey(pool[i]) < componentKey(pool[j])
	})

	var groups [][]models.Component
	for _, c := range pool {
		placed := false
		for gi := range groups {
			// Compare against the group seed only; chained membership would
			// make grouping depend on encounter order. A group holds at most
			// one member per slice: duplicates are cross-slice sightings of
			// the same part, never neighbours on the same page.
			if m.sameComponent(groups[gi][0], c) && !groupHasSlice(groups[gi], c.SourceSlice) {
				groups[gi] = append(groups[gi], c)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []models.Component{c})
		}
	}

	merged := make([]models.Component, 0, len(groups))
	for _, group := range groups {
		merged = append(merged, m.resolve(group))
	}
	sort.Slice(merged, func(i, j int) bool {
		return componentKey(merged[i]) < componentKey(merged[j])
	})

	missing := append([]int(nil), missingSlices...)
	sort.Ints(missing)

	result := &models.CanonicalResult{
		DocumentID:    documentID,
		Components:    merged,
		Summary:       models.NewSummary(merged),
		Incomplete:    len(missing) > 0,
		MissingSlices: missing,
	}

	m.logger.Debug().
		Str("document_id", documentID).
		Int("pooled", len(pool)).
		Int("merged", len(merged)).
		Int("missing_slices", len(missing)).
		Msg("Merged slice results")

	return result
}

// sameComponent reports whether two components describe the same physical
// part: identical normalized type, labels within the edit distance threshold,
// and pairwise dimensions within the relative tolerance.
func (m *Merger) sameComponent(a, b models.Component) bool {
	if normalize(a.Type) != normalize(b.Type) {
		return false
	}
	if levenshtein.Distance(normalize(a.Label), normalize(b.Label), nil) > m.labelDistance {
		return false
	}
	return m.dimensionsMatch(a.Dimensions, b.Dimensions)
}

// dimensionsMatch compares each axis within relative tolerance. A zero value
// means the dimension was absent from the drawing and matches anything.
func (m *Merger) dimensionsMatch(a, b models.Dimensions) bool {
	return m.axisMatch(a.WidthMM, b.WidthMM) &&
		m.axisMatch(a.HeightMM, b.HeightMM) &&
		m.axisMatch(a.DepthMM, b.DepthMM)
}

func (m *Merger) axisMatch(a, b float64) bool {
	if a == 0 || b == 0 {
		return true
	}
	larger := a
	if b > larger {
		larger = b
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= m.dimensionTolerance*larger
}

// resolve picks the group representative. The highest-confidence member wins
// outright; members within the confidence epsilon of the leader contribute a
// confidence-weighted average of the numeric fields instead.
func (m *Merger) resolve(group []models.Component) models.Component {
	best := group[0]
	for _, c := range group[1:] {
		if c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && componentKey(c) < componentKey(best)) {
			best = c
		}
	}

	var band []models.Component
	for _, c := range group {
		if best.Confidence-c.Confidence <= m.confidenceEpsilon {
			band = append(band, c)
		}
	}
	if len(band) <= 1 {
		return best
	}

	// Identity fields come from the leader; numeric fields are blended across
	// the band weighted by confidence
	resolved := best
	var weight, width, height, depth, quantity, confidence float64
	for _, c := range band {
		w := c.Confidence
		if w <= 0 {
			w = 1e-9
		}
		weight += w
		width += w * c.Dimensions.WidthMM
		height += w * c.Dimensions.HeightMM
		depth += w * c.Dimensions.DepthMM
		quantity += w * c.Quantity
		confidence += w * c.Confidence
	}
	resolved.Dimensions = models.Dimensions{
		WidthMM:  width / weight,
		HeightMM: height / weight,
		DepthMM:  depth / weight,
	}
	resolved.Quantity = quantity / weight
	resolved.Confidence = confidence / weight
	resolved.Material = fillTextual(resolved.Material, band, func(c models.Component) string { return c.Material })
	resolved.Label = fillTextual(resolved.Label, band, func(c models.Component) string { return c.Label })
	resolved.Type = fillTextual(resolved.Type, band, func(c models.Component) string { return c.Type })
	return resolved
}

// fillTextual backfills a textual field the leader left empty when the band
// members agree on a single non-empty value. Conflicting values leave the
// field empty rather than guessing.
func fillTextual(current string, band []models.Component, field func(models.Component) string) string {
	if current != "" {
		return current
	}
	for _, c := range band {
		v := field(c)
		if v == "" {
			continue
		}
		if current == "" {
			current = v
		} else if normalize(v) != normalize(current) {
			return ""
		}
	}
	return current
}

// groupHasSlice reports whether a group already holds a member from the slice
func groupHasSlice(group []models.Component, slice int) bool {
	for _, member := range group {
		if member.SourceSlice == slice {
			return true
		}
	}
	return false
}

// componentKey is the canonical sort key used for pool ordering, leader
// tie-breaking, and output ordering
func componentKey(c models.Component) string {
	return fmt.Sprintf("%s|%s|%08d|%s", normalize(c.Type), normalize(c.Label), c.SourceSlice+1, c.ComponentID)
}

// normalize lowercases and collapses separator runs so "Steel-Beam" and
// "steel_beam" compare equal
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	lastSep := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '_' || r == '\t' {
			if !lastSep && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			lastSep = true
			continue
		}
		lastSep = false
		sb.WriteRune(r)
	}
	return strings.TrimRight(sb.String(), " ")
}
