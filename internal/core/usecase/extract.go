package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

// ExtractionService is the worker side of text extraction: it reloads a
// stored document, decrypts it and records the OCR outcome.
type ExtractionService struct {
	repo      ports.DocumentRepository
	lifecycle ports.DocumentLifecycle
	locks     *KeyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

func NewExtractionService(
	repo ports.DocumentRepository,
	lifecycle ports.DocumentLifecycle,
	locks *KeyedMutex,
	logger *slog.Logger,
) *ExtractionService {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionService{
		repo:      repo,
		lifecycle: lifecycle,
		locks:     locks,
		now:       time.Now,
		logger:    logger,
	}
}

func (uc *ExtractionService) ProcessByID(ctx context.Context, documentID string) error {
	unlock, err := uc.locks.Lock(ctx, documentID)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if doc.ExtractionStatus.IsTerminal() {
		uc.logger.Info("extraction_skipped",
			"document_id", doc.ID,
			"extraction_status", string(doc.ExtractionStatus),
		)
		return nil
	}

	if !uc.lifecycle.ExtractionEnabled() {
		return uc.decline(ctx, doc)
	}

	plain, err := uc.lifecycle.RetrieveDocument(ctx, doc)
	if err != nil {
		return fmt.Errorf("retrieve document for extraction: %w", err)
	}

	extractErr := uc.lifecycle.ExtractText(ctx, doc, plain)
	// The outcome is persisted whatever the extraction result.
	if saveErr := uc.repo.Save(context.WithoutCancel(ctx), doc); saveErr != nil {
		if extractErr != nil {
			return fmt.Errorf("%w; persist extraction status: %v", extractErr, saveErr)
		}
		return fmt.Errorf("save extraction result: %w", saveErr)
	}
	if extractErr != nil {
		return extractErr
	}

	uc.logger.Info("document_text_extracted",
		"document_id", doc.ID,
		"extraction_status", string(doc.ExtractionStatus),
	)
	return nil
}

// decline closes a queued extraction when this process has no extractor, so
// the document is neither decrypted nor requeued again.
func (uc *ExtractionService) decline(ctx context.Context, doc *domain.Document) error {
	if doc.ExtractionStatus != domain.ExtractionPending {
		return nil
	}
	if err := doc.TransitionExtraction(domain.ExtractionFailed, "Text extraction is not configured", domain.ActorSystem, uc.now()); err != nil {
		return err
	}
	if err := uc.repo.Save(context.WithoutCancel(ctx), doc); err != nil {
		return fmt.Errorf("save declined extraction: %w", err)
	}
	uc.logger.Warn("extraction_not_configured", "document_id", doc.ID)
	return nil
}

var _ ports.DocumentExtractor = (*ExtractionService)(nil)
