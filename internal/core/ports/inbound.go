package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// DocumentLifecycle is the core pipeline over one in-memory document.
type DocumentLifecycle interface {
	StoreDocument(ctx context.Context, doc *domain.Document, plaintext io.Reader) error
	RetrieveDocument(ctx context.Context, doc *domain.Document) (io.Reader, error)
	ExtractText(ctx context.Context, doc *domain.Document, content io.Reader) error
	QueueExtraction(ctx context.Context, doc *domain.Document) error
	// ExtractionEnabled reports whether ExtractText has an extractor to run.
	ExtractionEnabled() bool
}

type UploadRequest struct {
	EnrollmentID string
	DocumentType string
	Filename     string
	ContentType  string
	Size         int64
	Body         io.Reader
}

// DocumentIngestor is the inbound contract for upload and download.
type DocumentIngestor interface {
	Upload(ctx context.Context, req UploadRequest) (*domain.Document, error)
	Download(ctx context.Context, documentID string) (*domain.Document, io.Reader, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentExtractor runs text extraction for a stored document.
type DocumentExtractor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// ExtractionRequester queues text extraction for an already stored document.
type ExtractionRequester interface {
	RequestExtraction(ctx context.Context, documentID string) (*domain.Document, error)
}
