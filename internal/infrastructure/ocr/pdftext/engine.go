package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr"
)

// Engine reads the embedded text layer of digitally produced PDFs. Scanned
// PDFs without a text layer yield an extraction error.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "pdftext" }

func (e *Engine) Recognize(ctx context.Context, in ocr.Input) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ct := strings.TrimSpace(strings.SplitN(in.ContentType, ";", 2)[0]); ct != "" && ct != "application/pdf" {
		return nil, domain.WrapError(domain.ErrValidation, "pdftext", fmt.Errorf("unsupported content type %s", ct))
	}

	reader, err := pdf.NewReader(bytes.NewReader(in.Content), int64(len(in.Content)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtraction, "pdftext", fmt.Errorf("open pdf: %w", err))
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtraction, "pdftext", fmt.Errorf("read text layer: %w", err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return nil, fmt.Errorf("copy text layer: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, domain.WrapError(domain.ErrExtraction, "pdftext", fmt.Errorf("pdf has no text layer"))
	}
	return lines, nil
}

var _ ocr.Engine = (*Engine)(nil)
