package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"

	"docrag/internal/models"
)

// Loader extracts the pages of a stored document
type Loader interface {
	Load(ctx context.Context, doc models.Document) ([]schema.Document, error)
}

// PDFLoader reads the uploaded PDF of a document, one schema.Document per page.
// Page numbers in the metadata are 1-based.
type PDFLoader struct{}

// Load implements Loader
func (PDFLoader) Load(ctx context.Context, doc models.Document) ([]schema.Document, error) {
	if doc.FilePath == "" {
		return nil, fmt.Errorf("document %d has no stored file", doc.ID)
	}

	f, err := os.Open(doc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", doc.FilePath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", doc.FilePath, err)
	}

	pages, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}
	return pages, nil
}
