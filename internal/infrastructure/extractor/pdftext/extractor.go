// Package pdftext recovers plain text from downloaded source files when the
// document store returns a record without OCR content.
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const pdfMagic = "%PDF-"

type Extractor struct {
	maxChars int
}

func New(maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &Extractor{maxChars: maxChars}
}

// Extract sniffs the payload and pulls text out of PDFs; anything else is
// accepted as-is when it is valid UTF-8 text.
func (e *Extractor) Extract(ctx context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if bytes.HasPrefix(content, []byte(pdfMagic)) {
		return e.extractPDF(content)
	}

	if !utf8.Valid(content) {
		return "", fmt.Errorf("unsupported binary format")
	}
	return clampText(string(content), e.maxChars), nil
}

func (e *Extractor) extractPDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip unreadable pages; partial text still grounds the prompt.
			continue
		}
		builder.WriteString(text)
		builder.WriteString("\n")
		if builder.Len() >= e.maxChars {
			break
		}
	}

	return clampText(builder.String(), e.maxChars), nil
}

func clampText(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}
