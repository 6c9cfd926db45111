package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/core/usecase"
	"github.com/kirillkom/document-vault/internal/infrastructure/crypto/envelope"
	"github.com/kirillkom/document-vault/internal/infrastructure/crypto/keysource"
	"github.com/kirillkom/document-vault/internal/infrastructure/objectstore"
	jsstore "github.com/kirillkom/document-vault/internal/infrastructure/objectstore/jetstream"
	"github.com/kirillkom/document-vault/internal/infrastructure/objectstore/localfs"
	s3store "github.com/kirillkom/document-vault/internal/infrastructure/objectstore/s3"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr/azure"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr/pdftext"
	"github.com/kirillkom/document-vault/internal/infrastructure/ocr/tesseract"
	"github.com/kirillkom/document-vault/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-vault/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
	"github.com/kirillkom/document-vault/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue      ports.MessageQueue
	Repo       ports.DocumentRepository
	Ingest     *usecase.IngestService
	Extraction *usecase.ExtractionService
	Requeuer   *usecase.ExtractionRequeuer
	Executor   *resilience.Executor
	Pipeline   *metrics.PipelineMetrics

	closeFn func()
}

// New wires the application for one process. Metrics are registered on
// pipeline's registry; pass nil to get a private one.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, pipeline *metrics.PipelineMetrics) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pipeline == nil {
		pipeline = metrics.NewPipelineMetrics("document-vault", nil)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	executor := resilience.NewExecutor(ResilienceConfig(cfg), resilience.WithObserver(pipeline))

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		HandlerTimeout:     cfg.PipelineTimeout,
		LagObserver:        pipeline.ObserveQueueLag,
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	closeAll := func() {
		queue.Close()
		_ = db.Close()
	}

	backend, err := newObjectBackend(ctx, cfg, queue)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	store := objectstore.NewClient(backend, logger)
	if err := store.EnsureBucket(ctx, cfg.ObjectStoreBucket); err != nil {
		closeAll()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.ObjectStoreBucket, err)
	}

	codec, err := newCodec(cfg)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init envelope codec: %w", err)
	}

	lifecycleOpts := []usecase.LifecycleOption{usecase.WithLifecycleLogger(logger)}
	extractor, err := newTextExtractor(cfg, executor, logger)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init text extractor: %w", err)
	}
	if extractor != nil {
		lifecycleOpts = append(lifecycleOpts, usecase.WithTextExtractor(extractor))
	}

	lifecycle := usecase.NewLifecycleController(codec, store, executor, usecase.LifecycleConfig{
		Bucket: cfg.ObjectStoreBucket,
		Layout: domain.StorageLayout{
			Prefix:          cfg.StoragePrefix,
			ShardingEnabled: cfg.StorageSharding,
			ShardWidth:      cfg.StorageShardWidth,
		},
		StoreTimeout:    cfg.StoreTimeout,
		RetrieveTimeout: cfg.RetrieveTimeout,
	}, lifecycleOpts...)

	extractionTypes, err := parseDocumentTypes(cfg.OCRDocumentTypes)
	if err != nil {
		closeAll()
		return nil, err
	}
	if extractor == nil {
		// Nothing would ever complete a queued extraction.
		extractionTypes = nil
	}

	locks := usecase.NewKeyedMutex()
	ingest := usecase.NewIngestService(repo, lifecycle, queue, usecase.IngestConfig{
		MaxUploadBytes:  cfg.UploadMaxBytes,
		PipelineTimeout: cfg.PipelineTimeout,
		ExtractionTypes: extractionTypes,
	}, usecase.WithIngestLogger(logger), usecase.WithDocumentLocks(locks))
	extraction := usecase.NewExtractionService(repo, lifecycle, locks, logger)
	requeuer := usecase.NewExtractionRequeuer(repo, queue, usecase.RequeueConfig{
		StaleAfter: cfg.ExtractionStaleAfter,
	}, logger)

	return &App{
		Config:     cfg,
		Queue:      queue,
		Repo:       repo,
		Ingest:     ingest,
		Extraction: extraction,
		Requeuer:   requeuer,
		Executor:   executor,
		Pipeline:   pipeline,
		closeFn:    closeAll,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// BreakerStates reports the circuit breaker state of each external dependency.
func (a *App) BreakerStates() map[string]string {
	deps := []string{usecase.DependencyObjectStore, nats.DependencyName, ocr.DependencyName}
	out := make(map[string]string, len(deps))
	for _, dep := range deps {
		out[dep] = a.Executor.State(dep)
	}
	return out
}

func ResilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialBackoff:     cfg.RetryInitialBackoff,
		RetryMaxBackoff:         cfg.RetryMaxBackoff,
		RetryMultiplier:         cfg.RetryMultiplier,
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.BreakerHalfOpenMaxCalls, 0)),
		BreakerInterval:         cfg.BreakerInterval,
	}
}

func newObjectBackend(ctx context.Context, cfg config.Config, queue *nats.Queue) (ports.ObjectStore, error) {
	switch cfg.ObjectStoreBackend {
	case config.BackendS3:
		return s3store.New(ctx, s3store.Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	case config.BackendJetStream:
		js, err := jetstream.New(queue.Conn())
		if err != nil {
			return nil, fmt.Errorf("init jetstream: %w", err)
		}
		return jsstore.New(js, jsstore.Options{
			Replicas:    cfg.JetStreamReplicas,
			Description: "encrypted document envelopes",
		}), nil
	case config.BackendLocalFS:
		return localfs.New(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unsupported object store backend %q", cfg.ObjectStoreBackend)
	}
}

func newCodec(cfg config.Config) (*envelope.Codec, error) {
	keys, err := keysource.ParseKeyList(cfg.MasterKeys)
	if err != nil {
		return nil, err
	}
	source, err := keysource.NewStatic(cfg.ActiveKeyVersion, keys)
	if err != nil {
		return nil, err
	}
	return envelope.New(source, cfg.CipherAlgorithm)
}

// newTextExtractor returns nil when OCR is disabled.
func newTextExtractor(cfg config.Config, exec ports.Executor, logger *slog.Logger) (ports.TextExtractor, error) {
	var provider ocr.Provider
	switch cfg.OCRProvider {
	case config.OCRProviderAzure:
		client, err := azure.New(cfg.OCREndpoint, cfg.OCRAPIKey, &http.Client{Timeout: cfg.OCRSubmitTimeout + 5*time.Second})
		if err != nil {
			return nil, err
		}
		provider = client
	case config.OCRProviderTesseract:
		provider = ocr.NewLocalProvider(tesseract.New(cfg.OCRLanguages), cfg.OCRProcessingTimeout, ocr.WithResultTTL(cfg.OCRProcessingTimeout))
	case config.OCRProviderPDFText:
		provider = ocr.NewLocalProvider(pdftext.New(), cfg.OCRProcessingTimeout, ocr.WithResultTTL(cfg.OCRProcessingTimeout))
	case config.OCRProviderNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported OCR provider %q", cfg.OCRProvider)
	}

	return ocr.NewAdapter(provider, exec, ocr.Config{
		MaxDocumentSize:   cfg.OCRMaxDocumentBytes,
		SubmitTimeout:     cfg.OCRSubmitTimeout,
		ProcessingTimeout: cfg.OCRProcessingTimeout,
		PollInterval:      cfg.OCRPollInterval,
		Languages:         cfg.OCRLanguages,
	}, ocr.WithLogger(logger)), nil
}

func parseDocumentTypes(raw []string) ([]domain.DocumentType, error) {
	out := make([]domain.DocumentType, 0, len(raw))
	for _, item := range raw {
		documentType, err := domain.ParseDocumentType(item)
		if err != nil {
			return nil, fmt.Errorf("OCR_DOCUMENT_TYPES: %w", err)
		}
		out = append(out, documentType)
	}
	return out, nil
}
