// -----------------------------------------------------------------------
// Claude vision service - OCR and component analysis backed by the
// Anthropic API. Image pages go to the model directly; PDF pages have
// their embedded text extracted first.
// -----------------------------------------------------------------------

package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
	"github.com/ternarybob/takeoff/internal/models"
)

// TextExtractor pulls embedded text out of a PDF page
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}

// ClaudeService implements OCRService and AnalysisService using the
// Anthropic Claude API
type ClaudeService struct {
	config    *common.ClaudeConfig
	client    anthropic.Client
	extractor TextExtractor
	timeout   time.Duration
	maxTokens int
	logger    arbor.ILogger
}

// Compile-time interface assertions
var (
	_ interfaces.OCRService      = (*ClaudeService)(nil)
	_ interfaces.AnalysisService = (*ClaudeService)(nil)
)

// NewClaudeService creates the Claude-backed vision service
func NewClaudeService(config *common.ClaudeConfig, extractor TextExtractor, logger arbor.ILogger) (*ClaudeService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set via ANTHROPIC_API_KEY, TAKEOFF_CLAUDE_API_KEY, or claude.api_key in config)")
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout duration '%s': %w", config.Timeout, err)
	}

	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Int("max_tokens", maxTokens).
		Msg("Claude vision service initialized")

	return &ClaudeService{
		config:    config,
		client:    client,
		extractor: extractor,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

const ocrSystemPrompt = `You read technical engineering drawings. Extract all visible text and the
component identification labels (tags like V-101, P-23, B-7). Respond with
strict JSON only, no markdown: {"text": "<all text>", "labels": ["<tag>", ...]}`

const analysisSystemPrompt = `You review components detected on a technical engineering drawing. Correct
types and labels, fill in dimensions in millimetres, material, and per-item
quantity, and assign a confidence between 0 and 1 for each component.
Respond with strict JSON only, no markdown:
{"components": [{"component_type": "", "label": "", "dimensions": {"width_mm": 0, "height_mm": 0, "depth_mm": 0}, "material": "", "quantity": 0, "confidence": 0}], "notes": ""}`

// RecognizeText extracts text and identifying labels from one drawing page
func (s *ClaudeService) RecognizeText(ctx context.Context, page []byte) (*models.OCRResult, error) {
	blocks, err := s.pageBlocks(ctx, page, "Extract the text and component labels from this drawing page.")
	if err != nil {
		return nil, err
	}

	response, err := s.complete(ctx, ocrSystemPrompt, blocks)
	if err != nil {
		return nil, err
	}

	var result models.OCRResult
	if err := json.Unmarshal([]byte(stripFences(response)), &result); err != nil {
		return nil, interfaces.NewTransientError("unparseable OCR response", err)
	}
	if strings.TrimSpace(result.Text) == "" && len(result.Labels) == 0 {
		return nil, interfaces.NewValidationError("page contains no readable content", nil)
	}
	return &result, nil
}

// AnalyzeComponents refines detected components against the drawing itself
func (s *ClaudeService) AnalyzeComponents(ctx context.Context, page []byte, detected []models.Component) (*models.AnalysisResult, error) {
	detectedJSON, err := json.Marshal(detected)
	if err != nil {
		return nil, interfaces.NewFatalError("failed to encode detected components", err)
	}

	prompt := fmt.Sprintf("Detected components:\n%s\n\nReview them against the drawing page.", detectedJSON)
	blocks, err := s.pageBlocks(ctx, page, prompt)
	if err != nil {
		return nil, err
	}

	response, err := s.complete(ctx, analysisSystemPrompt, blocks)
	if err != nil {
		return nil, err
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(stripFences(response)), &result); err != nil {
		return nil, interfaces.NewTransientError("unparseable analysis response", err)
	}
	return &result, nil
}

// pageBlocks builds the message content for a page. Images go to the model
// as vision input; PDF pages contribute their extracted text instead.
func (s *ClaudeService) pageBlocks(ctx context.Context, page []byte, prompt string) ([]anthropic.ContentBlockParamUnion, error) {
	mediaType := detectMediaType(page)

	switch mediaType {
	case "image/png", "image/jpeg":
		encoded := base64.StdEncoding.EncodeToString(page)
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewImageBlockBase64(mediaType, encoded),
			anthropic.NewTextBlock(prompt),
		}, nil
	case "application/pdf":
		text, err := s.extractor.ExtractText(ctx, page)
		if err != nil {
			return nil, interfaces.NewTransientError("failed to extract PDF text", err)
		}
		if strings.TrimSpace(text) == "" {
			return nil, interfaces.NewValidationError("page contains no extractable text", nil)
		}
		return []anthropic.ContentBlockParamUnion{
			anthropic.NewTextBlock(fmt.Sprintf("%s\n\nPage content:\n%s", prompt, text)),
		}, nil
	default:
		return nil, interfaces.NewValidationError("unsupported page format", nil)
	}
}

// complete runs one Claude completion under the service timeout
func (s *ClaudeService) complete(ctx context.Context, system string, blocks []anthropic.ContentBlockParamUnion) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startTime := time.Now()

	resp, err := s.client.Messages.New(timeoutCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: int64(s.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return "", interfaces.NewTransientError("Claude API call failed", err)
	}

	var response strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}
	if response.Len() == 0 {
		return "", interfaces.NewTransientError("empty Claude response", nil)
	}

	s.logger.Debug().
		Int("response_length", response.Len()).
		Dur("duration", time.Since(startTime)).
		Msg("Claude completion finished")

	return response.String(), nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one despite instructions
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func detectMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	default:
		return ""
	}
}
