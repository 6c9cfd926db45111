package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const defaultPipelineTimeout = 2 * time.Minute

type IngestConfig struct {
	// MaxUploadBytes caps the plaintext read from an upload body.
	MaxUploadBytes int64
	// PipelineTimeout bounds one StoreDocument run including its retries.
	PipelineTimeout time.Duration
	// ExtractionTypes are the document types queued for OCR after storage.
	ExtractionTypes []domain.DocumentType
}

type IngestService struct {
	repo      ports.DocumentRepository
	lifecycle ports.DocumentLifecycle
	queue     ports.MessageQueue
	locks     *KeyedMutex
	cfg       IngestConfig
	eligible  map[domain.DocumentType]struct{}
	newID     func() string
	now       func() time.Time
	logger    *slog.Logger
}

type IngestOption func(*IngestService)

func WithIngestClock(now func() time.Time) IngestOption {
	return func(s *IngestService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) IngestOption {
	return func(s *IngestService) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDocumentLocks shares per-document locks with other services in the
// same process.
func WithDocumentLocks(locks *KeyedMutex) IngestOption {
	return func(s *IngestService) {
		if locks != nil {
			s.locks = locks
		}
	}
}

func NewIngestService(
	repo ports.DocumentRepository,
	lifecycle ports.DocumentLifecycle,
	queue ports.MessageQueue,
	cfg IngestConfig,
	opts ...IngestOption,
) *IngestService {
	if cfg.MaxUploadBytes <= 0 || cfg.MaxUploadBytes > domain.MaxDocumentSize {
		cfg.MaxUploadBytes = domain.MaxDocumentSize
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = defaultPipelineTimeout
	}
	eligible := make(map[domain.DocumentType]struct{}, len(cfg.ExtractionTypes))
	for _, t := range cfg.ExtractionTypes {
		eligible[t] = struct{}{}
	}
	s := &IngestService{
		repo:      repo,
		lifecycle: lifecycle,
		queue:     queue,
		locks:     NewKeyedMutex(),
		cfg:       cfg,
		eligible:  eligible,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IngestService) Upload(ctx context.Context, req ports.UploadRequest) (*domain.Document, error) {
	documentType, err := domain.ParseDocumentType(req.DocumentType)
	if err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, domain.WrapError(domain.ErrValidation, "upload", errors.New("file content is required"))
	}
	if req.Size > s.cfg.MaxUploadBytes {
		return nil, domain.WrapError(domain.ErrValidation, "upload", fmt.Errorf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
	}

	content, err := readUpload(req.Body, s.cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	doc, err := domain.NewDocument(
		s.newID(),
		strings.TrimSpace(req.EnrollmentID),
		documentType,
		sanitizeFilename(req.Filename),
		req.ContentType,
		int64(len(content)),
		s.now(),
	)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	storeErr := s.lifecycle.StoreDocument(storeCtx, doc, bytes.NewReader(content))
	cancel()
	if storeErr != nil {
		// FAILED and its audit entry are persisted even when the caller has gone.
		if saveErr := s.repo.Save(context.WithoutCancel(ctx), doc); saveErr != nil {
			return doc, fmt.Errorf("%w; persist failed status: %v", storeErr, saveErr)
		}
		return doc, storeErr
	}

	if _, ok := s.eligible[doc.DocumentType]; ok {
		if err := s.lifecycle.QueueExtraction(ctx, doc); err != nil {
			return doc, fmt.Errorf("queue extraction: %w", err)
		}
	}
	if err := s.repo.Save(ctx, doc); err != nil {
		return doc, fmt.Errorf("save document: %w", err)
	}

	if doc.ExtractionStatus == domain.ExtractionPending {
		s.publish(ctx, doc.ID)
	}
	return doc, nil
}

// publish announces a stored document to the extraction worker. A lost event
// leaves extraction PENDING; POST /extract republishes it.
func (s *IngestService) publish(ctx context.Context, documentID string) {
	if err := s.queue.PublishDocumentStored(ctx, documentID); err != nil {
		s.logger.Warn("document_stored_publish_failed", "document_id", documentID, "error", err)
	}
}

func (s *IngestService) Download(ctx context.Context, documentID string) (*domain.Document, io.Reader, error) {
	unlock, err := s.locks.Lock(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	doc, err := s.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch document by id: %w", err)
	}

	plain, err := s.lifecycle.RetrieveDocument(ctx, doc)
	if err != nil {
		return doc, nil, err
	}
	if err := s.repo.Save(ctx, doc); err != nil {
		return doc, nil, fmt.Errorf("record retrieval: %w", err)
	}
	return doc, plain, nil
}

func (s *IngestService) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

func (s *IngestService) RequestExtraction(ctx context.Context, documentID string) (*domain.Document, error) {
	unlock, err := s.locks.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.ExtractionStatus != domain.ExtractionPending {
		if err := s.lifecycle.QueueExtraction(ctx, doc); err != nil {
			return doc, err
		}
		if err := s.repo.Save(ctx, doc); err != nil {
			return doc, fmt.Errorf("save document: %w", err)
		}
	}
	if err := s.queue.PublishDocumentStored(ctx, doc.ID); err != nil {
		return doc, fmt.Errorf("publish extraction request: %w", err)
	}
	return doc, nil
}

func readUpload(body io.Reader, limit int64) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "read upload", err)
	}
	if int64(len(content)) > limit {
		return nil, domain.WrapError(domain.ErrValidation, "read upload", fmt.Errorf("file exceeds %d bytes", limit))
	}
	if len(content) == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "read upload", errors.New("file is empty"))
	}
	return content, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "document.bin"
	}
	return base
}

var (
	_ ports.DocumentIngestor    = (*IngestService)(nil)
	_ ports.DocumentReader      = (*IngestService)(nil)
	_ ports.ExtractionRequester = (*IngestService)(nil)
)
