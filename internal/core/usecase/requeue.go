package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/document-vault/internal/core/ports"
)

const (
	defaultStaleAfter   = 10 * time.Minute
	defaultRequeueBatch = 100
)

type RequeueConfig struct {
	// StaleAfter is how long a document may sit in extraction PENDING before
	// its document.stored event is published again.
	StaleAfter time.Duration
	BatchSize  int
}

// ExtractionRequeuer republishes extraction requests whose events were lost,
// for example when the broker was down right after storage.
type ExtractionRequeuer struct {
	lister ports.PendingExtractionLister
	queue  ports.MessageQueue
	cfg    RequeueConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewExtractionRequeuer(lister ports.PendingExtractionLister, queue ports.MessageQueue, cfg RequeueConfig, logger *slog.Logger) *ExtractionRequeuer {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRequeueBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionRequeuer{
		lister: lister,
		queue:  queue,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// RequeueStale publishes one event per stale document and reports how many
// were sent. It stops at the first publish failure.
func (r *ExtractionRequeuer) RequeueStale(ctx context.Context) (int, error) {
	ids, err := r.lister.ListPendingExtractions(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, id := range ids {
		if err := r.queue.PublishDocumentStored(ctx, id); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		r.logger.Info("stale_extractions_requeued", "count", sent)
	}
	return sent, nil
}

// Run sweeps every interval until ctx is done.
func (r *ExtractionRequeuer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RequeueStale(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("stale_extraction_requeue_failed", "error", err)
			}
		}
	}
}
