// Package pdf implements the per-file unit of work: reading an uploaded PDF,
// counting pages, and extracting its text into an output artifact.
package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Result summarizes one processed file.
type Result struct {
	Pages      int
	TextBytes  int64
	OutputPath string
}

// Extractor turns stored PDF bytes into text artifacts under outputDir.
type Extractor struct {
	outputDir string
}

// NewExtractor creates an Extractor writing artifacts below outputDir.
func NewExtractor(outputDir string) *Extractor {
	return &Extractor{outputDir: outputDir}
}

// Process reads the PDF at sourcePath and writes the extracted text to
// <outputDir>/<jobID>/<name>.txt. The context is checked between pages so a
// cancelled job stops mid-document.
func (e *Extractor) Process(ctx context.Context, jobID, sourcePath string) (*Result, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("source file unavailable: %w", err)
	}

	f, r, err := pdf.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	totalPages := r.NumPage()
	if totalPages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	var text strings.Builder
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract text from page %d: %w", pageIndex, err)
		}
		text.WriteString(content)
		text.WriteByte('\n')
	}

	outDir := filepath.Join(e.outputDir, jobID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	outPath := filepath.Join(outDir, base+".txt")
	if err := os.WriteFile(outPath, []byte(text.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	return &Result{
		Pages:      totalPages,
		TextBytes:  int64(text.Len()),
		OutputPath: outPath,
	}, nil
}
