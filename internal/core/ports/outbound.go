package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// ObjectMetadata travels with every stored object.
type ObjectMetadata struct {
	ContentType string
	Size        int64
	Attributes  map[string]string
}

// ObjectStore is a namespace-scoped blob backend.
type ObjectStore interface {
	Put(ctx context.Context, bucket, path string, body io.Reader, meta ObjectMetadata) error
	Get(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket string) (bool, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// Executor guards calls to a named dependency with bounded retries and a
// circuit breaker shared by every caller of that dependency.
type Executor interface {
	Run(ctx context.Context, dependency string, fn func(context.Context) error) error
}

// KeySource supplies versioned master key material. Returned slices are
// copies owned by the caller, who is expected to zero them after use.
type KeySource interface {
	ActiveKey(ctx context.Context) (version string, key []byte, err error)
	Key(ctx context.Context, version string) ([]byte, error)
}

// DocumentCodec seals and opens document bytes.
type DocumentCodec interface {
	Encrypt(ctx context.Context, doc *domain.Document, plaintext io.Reader) (domain.Sealed, error)
	Decrypt(ctx context.Context, doc *domain.Document, ciphertext io.Reader) (io.Reader, error)
}

// TextExtractor recognizes text in a stored document's plaintext.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document, content io.Reader) (string, error)
}

// DocumentRepository persists document state and its audit trail.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Save(ctx context.Context, doc *domain.Document) error
}

// PendingExtractionLister finds stored documents whose extraction was queued
// but has not moved since cutoff.
type PendingExtractionLister interface {
	ListPendingExtractions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// MessageQueue publishes/consumes storage-completed events.
type MessageQueue interface {
	PublishDocumentStored(ctx context.Context, documentID string) error
	SubscribeDocumentStored(ctx context.Context, handler func(context.Context, string) error) error
}
