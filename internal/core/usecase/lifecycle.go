package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const (
	DependencyObjectStore = "object-store"

	envelopeContentType = "application/octet-stream"
	defaultCallTimeout  = 30 * time.Second
)

type LifecycleConfig struct {
	Bucket string
	Layout domain.StorageLayout
	// StoreTimeout and RetrieveTimeout bound each object store attempt.
	StoreTimeout    time.Duration
	RetrieveTimeout time.Duration
}

// LifecycleController owns a document's status machine: it encrypts, stores,
// retrieves and extracts, and records every transition in the audit log.
// Callers serialize operations per document.
type LifecycleController struct {
	codec     ports.DocumentCodec
	store     ports.ObjectStore
	exec      ports.Executor
	extractor ports.TextExtractor
	cfg       LifecycleConfig
	now       func() time.Time
	logger    *slog.Logger
}

type LifecycleOption func(*LifecycleController)

func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(c *LifecycleController) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(c *LifecycleController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTextExtractor enables ExtractText. Without it extraction requests fail
// validation.
func WithTextExtractor(extractor ports.TextExtractor) LifecycleOption {
	return func(c *LifecycleController) {
		c.extractor = extractor
	}
}

func NewLifecycleController(
	codec ports.DocumentCodec,
	store ports.ObjectStore,
	exec ports.Executor,
	cfg LifecycleConfig,
	opts ...LifecycleOption,
) *LifecycleController {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultCallTimeout
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = defaultCallTimeout
	}
	c := &LifecycleController{
		codec:  codec,
		store:  store,
		exec:   exec,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LifecycleController) StoreDocument(ctx context.Context, doc *domain.Document, plaintext io.Reader) error {
	if doc == nil || plaintext == nil {
		return domain.WrapError(domain.ErrValidation, "store document", errors.New("document and content are required"))
	}
	if err := doc.Transition(domain.StatusProcessing, "Starting document storage", domain.ActorSystem, c.now()); err != nil {
		return err
	}

	sealed, err := c.codec.Encrypt(ctx, doc, plaintext)
	if err != nil {
		return c.failStorage(doc, domain.StageEncryption, fmt.Sprintf("Encryption failed: %v", err), &domain.StageError{
			Stage:    domain.StageEncryption,
			Attempts: 1,
			Err:      err,
		})
	}

	path := c.cfg.Layout.PathFor(doc)
	meta := ports.ObjectMetadata{
		ContentType: envelopeContentType,
		Size:        sealed.Size(),
		Attributes: map[string]string{
			"document-id":           doc.ID,
			"document-type":         string(doc.DocumentType),
			"original-content-type": doc.ContentType,
			"key-version":           sealed.Info.KeyVersion,
			"algorithm":             sealed.Info.Algorithm,
		},
	}

	err = c.exec.Run(ctx, DependencyObjectStore, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		return attemptTimeout(ctx, callCtx, "object put", c.cfg.StoreTimeout,
			c.store.Put(callCtx, c.cfg.Bucket, path, sealed.Reader(), meta))
	})
	if err != nil {
		attempts := domain.Attempts(err)
		return c.failStorage(doc, domain.StageStorage, fmt.Sprintf("Upload failed after %d attempt(s): %v", attempts, err), &domain.StageError{
			Stage:    domain.StageStorage,
			Attempts: attempts,
			Err:      err,
		})
	}

	doc.StoragePath = path
	doc.ContentHash = sealed.ContentHash
	info := sealed.Info
	doc.Encryption = &info
	if err := doc.Transition(domain.StatusCompleted, "Document stored successfully", domain.ActorSystem, c.now()); err != nil {
		return err
	}
	c.logger.Info("document_stored",
		"document_id", doc.ID,
		"document_type", string(doc.DocumentType),
		"bytes", sealed.Size(),
		"key_version", sealed.Info.KeyVersion,
	)
	return nil
}

func (c *LifecycleController) failStorage(doc *domain.Document, stage domain.Stage, message string, stageErr *domain.StageError) error {
	if err := doc.Transition(domain.StatusFailed, message, domain.ActorSystem, c.now()); err != nil {
		return fmt.Errorf("%w; record failure: %v", stageErr, err)
	}
	c.logger.Warn("document_store_failed",
		"document_id", doc.ID,
		"stage", string(stage),
		"attempts", stageErr.Attempts,
		"error", stageErr.Err,
	)
	return stageErr
}

func (c *LifecycleController) RetrieveDocument(ctx context.Context, doc *domain.Document) (io.Reader, error) {
	if doc == nil {
		return nil, domain.WrapError(domain.ErrValidation, "retrieve document", errors.New("document is required"))
	}
	if doc.StoragePath == "" {
		return nil, domain.WrapError(domain.ErrInvalidState, "retrieve document", fmt.Errorf("document %s has not been stored", doc.ID))
	}

	var envelope []byte
	err := c.exec.Run(ctx, DependencyObjectStore, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RetrieveTimeout)
		defer cancel()

		rc, err := c.store.Get(callCtx, c.cfg.Bucket, doc.StoragePath)
		if err != nil {
			return attemptTimeout(ctx, callCtx, "object get", c.cfg.RetrieveTimeout, err)
		}
		defer rc.Close()

		// The body must be drained before callCtx is cancelled.
		raw, err := io.ReadAll(rc)
		if err != nil {
			return attemptTimeout(ctx, callCtx, "object read", c.cfg.RetrieveTimeout,
				domain.WrapError(domain.ErrTemporary, "object read", err))
		}
		envelope = raw
		return nil
	})
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageRetrieval, Attempts: domain.Attempts(err), Err: err}
	}

	plain, err := c.codec.Decrypt(ctx, doc, bytes.NewReader(envelope))
	if err != nil {
		if !domain.IsKind(err, domain.ErrIntegrity) {
			err = domain.WrapError(domain.ErrIntegrity, "decrypt document", err)
		}
		c.logger.Error("document_decrypt_failed", "document_id", doc.ID, "error", err)
		return nil, &domain.StageError{Stage: domain.StageDecryption, Attempts: 1, Err: err}
	}

	doc.RecordRetrieval("Document retrieved successfully", domain.ActorSystem, c.now())
	return plain, nil
}

// QueueExtraction marks a stored document as waiting for text extraction.
func (c *LifecycleController) QueueExtraction(_ context.Context, doc *domain.Document) error {
	if doc == nil {
		return domain.WrapError(domain.ErrValidation, "queue extraction", errors.New("document is required"))
	}
	if doc.Status != domain.StatusCompleted {
		return domain.WrapError(domain.ErrInvalidState, "queue extraction", fmt.Errorf("document %s: storage status is %s", doc.ID, doc.Status))
	}
	if doc.ExtractionStatus == domain.ExtractionPending {
		return nil
	}
	return doc.TransitionExtraction(domain.ExtractionPending, "Text extraction queued", domain.ActorSystem, c.now())
}

func (c *LifecycleController) ExtractionEnabled() bool {
	return c.extractor != nil
}

// ExtractText runs OCR over the document plaintext. Its outcome is recorded
// in the extraction sub-status only; storage status is never changed.
func (c *LifecycleController) ExtractText(ctx context.Context, doc *domain.Document, content io.Reader) error {
	if doc == nil || content == nil {
		return domain.WrapError(domain.ErrValidation, "extract text", errors.New("document and content are required"))
	}
	if c.extractor == nil {
		return domain.WrapError(domain.ErrValidation, "extract text", errors.New("text extraction is not configured"))
	}
	if doc.Status != domain.StatusCompleted {
		return domain.WrapError(domain.ErrInvalidState, "extract text", fmt.Errorf("document %s: storage status is %s", doc.ID, doc.Status))
	}
	if err := doc.TransitionExtraction(domain.ExtractionProcessing, "Starting text extraction", domain.ActorSystem, c.now()); err != nil {
		return err
	}

	text, err := c.extractor.Extract(ctx, doc, content)
	if err != nil {
		stageErr := &domain.StageError{Stage: domain.StageExtraction, Attempts: domain.Attempts(err), Err: err}
		to, message := domain.ExtractionFailed, fmt.Sprintf("Text extraction failed: %v", err)
		if domain.IsKind(err, domain.ErrTimeout) {
			to, message = domain.ExtractionTimedOut, fmt.Sprintf("Text extraction timed out: %v", err)
		}
		if tErr := doc.TransitionExtraction(to, message, domain.ActorSystem, c.now()); tErr != nil {
			return fmt.Errorf("%w; record extraction failure: %v", stageErr, tErr)
		}
		c.logger.Warn("document_extraction_failed",
			"document_id", doc.ID,
			"extraction_status", string(to),
			"attempts", stageErr.Attempts,
			"error", err,
		)
		return stageErr
	}

	if err := doc.AttachExtractedText(text); err != nil {
		return err
	}
	return doc.TransitionExtraction(domain.ExtractionCompleted,
		fmt.Sprintf("Text extracted successfully (%d characters)", len([]rune(text))),
		domain.ActorSystem, c.now())
}

// attemptTimeout reports an expired per-attempt deadline as a retryable
// ErrTimeout. Cancellation of the parent context passes through unchanged.
func attemptTimeout(parent, call context.Context, operation string, limit time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, operation, fmt.Errorf("no response within %s", limit))
	}
	return err
}

var _ ports.DocumentLifecycle = (*LifecycleController)(nil)
