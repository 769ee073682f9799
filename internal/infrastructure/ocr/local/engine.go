// Package local converts documents with an embedded text layer into markdown without an OCR service.
package local

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const (
	mimePDF      = "application/pdf"
	mimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeCSV      = "text/csv"
	mimeText     = "text/plain"
	mimeMarkdown = "text/markdown"
	mimeJSON     = "application/json"
)

type Engine struct{}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Parse(ctx context.Context, data []byte, mimeType string) (domain.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OCRResult{}, err
	}
	switch resolveMime(mimeType, data) {
	case mimePDF:
		return parsePDF(data)
	case mimeXLSX:
		return parseSpreadsheet(data)
	case mimeCSV:
		return parseCSV(data)
	case mimeText, mimeMarkdown, mimeJSON:
		return parseText(data)
	default:
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnsupportedMedia, "ocr.local", fmt.Errorf("mime type %q", mimeType))
	}
}

func resolveMime(mimeType string, data []byte) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return mimePDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return mimeXLSX
	case utf8.Valid(data):
		return mimeText
	}
	return mimeType
}

func parsePDF(data []byte) (res domain.OCRResult, err error) {
	// The pdf reader panics on some malformed object streams.
	defer func() {
		if r := recover(); r != nil {
			res, err = domain.OCRResult{}, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("open pdf: %w", err)
	}
	pages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return domain.OCRResult{}, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## Page %d\n\n%s", i, text)
	}
	return domain.OCRResult{Markdown: sb.String(), PageCount: pages}, nil
}

func parseSpreadsheet(data []byte) (domain.OCRResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	var sb strings.Builder
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return domain.OCRResult{}, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		table := markdownTable(rows)
		if table == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", sheet, table)
	}
	return domain.OCRResult{Markdown: sb.String(), PageCount: len(sheets)}, nil
}

func parseCSV(data []byte) (domain.OCRResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("read csv: %w", err)
	}
	return domain.OCRResult{Markdown: markdownTable(rows), PageCount: 1}, nil
}

func parseText(data []byte) (domain.OCRResult, error) {
	if !utf8.Valid(data) {
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnsupportedMedia, "ocr.local", fmt.Errorf("binary content declared as text"))
	}
	return domain.OCRResult{Markdown: strings.TrimSpace(string(data)), PageCount: 1}, nil
}

// markdownTable renders rows with the first row as header; ragged rows are padded.
func markdownTable(rows [][]string) string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return ""
	}

	var sb strings.Builder
	writeRow := func(row []string) {
		sb.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(row) {
				cell = strings.ReplaceAll(strings.TrimSpace(row[i]), "|", `\|`)
				cell = strings.ReplaceAll(cell, "\n", " ")
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteString("\n")
	}
	writeRow(rows[0])
	sb.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(sb.String(), "\n")
}
