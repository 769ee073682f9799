// Package ocr composes text-extraction engines.
package ocr

import (
	"context"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

// Fallback sends media the primary engine cannot read to the secondary engine.
type Fallback struct {
	Primary   ports.OCREngine
	Secondary ports.OCREngine
}

func (f Fallback) Parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error) {
	res, err := f.Primary.Parse(ctx, data, mimeType)
	if err == nil && res.Markdown != "" {
		return res, nil
	}
	if f.Secondary == nil {
		return res, err
	}
	// Text-less PDFs are scans; let the secondary engine OCR them.
	if err != nil && !domain.IsKind(err, domain.ErrUnsupportedMedia) {
		return res, err
	}
	return f.Secondary.Parse(ctx, data, mimeType)
}
