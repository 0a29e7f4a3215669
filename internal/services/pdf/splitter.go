// -----------------------------------------------------------------------
// Page splitter - splits a submitted drawing into per-page slices.
// Uses pdfcpu for Go-native PDF processing; pdfcpu works on files, so
// processing goes through a temp directory.
// -----------------------------------------------------------------------

package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/interfaces"
)

// Splitter implements the PageSplitter interface using pdfcpu
type Splitter struct {
	logger  arbor.ILogger
	tempDir string
	seq     atomic.Int64
}

// Compile-time interface assertion
var _ interfaces.PageSplitter = (*Splitter)(nil)

// NewSplitter creates a new page splitter service
func NewSplitter(logger arbor.ILogger) *Splitter {
	tempDir := filepath.Join(os.TempDir(), "takeoff-pdf")
	os.MkdirAll(tempDir, 0755)

	return &Splitter{
		logger:  logger,
		tempDir: tempDir,
	}
}

// Split returns one byte slice per page. Images are a single page already;
// PDFs are split into single-page PDF documents in page order.
func (s *Splitter) Split(ctx context.Context, data []byte, format string) ([][]byte, error) {
	if len(data) == 0 {
		return nil, interfaces.NewValidationError("document is empty", nil)
	}

	switch strings.ToLower(format) {
	case "png", "jpg", "jpeg":
		return [][]byte{data}, nil
	case "pdf":
		return s.splitPDF(ctx, data)
	default:
		return nil, interfaces.NewValidationError(fmt.Sprintf("unsupported format: %s", format), nil)
	}
}

func (s *Splitter) splitPDF(ctx context.Context, data []byte) ([][]byte, error) {
	id := s.seq.Add(1)

	tempFile := filepath.Join(s.tempDir, fmt.Sprintf("split_%d_%d.pdf", os.Getpid(), id))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, interfaces.NewValidationError("failed to parse PDF", err)
	}
	if pdfCtx.PageCount == 0 {
		return nil, interfaces.NewValidationError("PDF contains no pages", nil)
	}

	outDir := filepath.Join(s.tempDir, fmt.Sprintf("pages_%d_%d", os.Getpid(), id))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create split directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.SplitFile(tempFile, outDir, 1, conf); err != nil {
		return nil, interfaces.NewValidationError("failed to split PDF into pages", err)
	}

	pages, err := readSplitPages(outDir, pdfCtx.PageCount)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Int("pages", len(pages)).Msg("Split PDF into pages")
	return pages, nil
}

// readSplitPages loads pdfcpu's per-page output files in page order. File
// names end with the 1-based page number before the extension.
func readSplitPages(outDir string, pageCount int) ([][]byte, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read split directory: %w", err)
	}

	type pageFile struct {
		number int
		name   string
	}
	var files []pageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		idx := strings.LastIndex(base, "_")
		if idx < 0 {
			continue
		}
		var number int
		if _, err := fmt.Sscanf(base[idx+1:], "%d", &number); err != nil {
			continue
		}
		files = append(files, pageFile{number: number, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].number < files[j].number })

	if len(files) != pageCount {
		return nil, fmt.Errorf("expected %d page files, found %d", pageCount, len(files))
	}

	pages := make([][]byte, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(outDir, f.name))
		if err != nil {
			return nil, fmt.Errorf("failed to read page file %s: %w", f.name, err)
		}
		pages = append(pages, content)
	}
	return pages, nil
}

// ExtractText pulls the embedded text content out of a PDF page. Drawings
// exported from CAD tools usually carry their annotations as real text, which
// reads far more reliably than rasterized OCR.
func (s *Splitter) ExtractText(ctx context.Context, data []byte) (string, error) {
	id := s.seq.Add(1)

	tempFile := filepath.Join(s.tempDir, fmt.Sprintf("extract_%d_%d.pdf", os.Getpid(), id))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	defer os.Remove(tempFile)

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF context: %w", err)
	}

	outDir := filepath.Join(s.tempDir, fmt.Sprintf("content_%d_%d", os.Getpid(), id))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create content directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("failed to extract PDF content: %w", err)
	}

	var builder strings.Builder
	entries, _ := os.ReadDir(outDir)
	pageTexts := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(entry.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	for pageNum := 1; pageNum <= pdfCtx.PageCount; pageNum++ {
		if text, ok := pageTexts[pageNum]; ok {
			if builder.Len() > 0 {
				builder.WriteString("\n\n")
			}
			builder.WriteString(text)
		}
	}

	return builder.String(), nil
}
