package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

type ingestFixture struct {
	*lifecycleFixture
	repo    *repoFake
	queue   *queueFake
	service *IngestService
}

func newIngestFixture(cfg IngestConfig) *ingestFixture {
	lf := newLifecycleFixture(resilience.Config{})
	f := &ingestFixture{lifecycleFixture: lf, repo: newRepoFake(), queue: &queueFake{}}
	if cfg.ExtractionTypes == nil {
		cfg.ExtractionTypes = []domain.DocumentType{domain.DocumentTypeIdentity, domain.DocumentTypeMedicalRecord}
	}
	f.service = NewIngestService(f.repo, lf.controller, f.queue, cfg,
		WithIDGenerator(func() string { return "doc-1" }),
		WithIngestClock(lf.clock.Now),
	)
	return f
}

func uploadRequest(documentType, body string) ports.UploadRequest {
	return ports.UploadRequest{
		EnrollmentID: "enr-42",
		DocumentType: documentType,
		Filename:     "my passport.pdf",
		ContentType:  "application/pdf",
		Size:         int64(len(body)),
		Body:         strings.NewReader(body),
	}
}

func TestIngestUploadStoresAndQueuesEligibleDocument(t *testing.T) {
	f := newIngestFixture(IngestConfig{})

	doc, err := f.service.Upload(context.Background(), uploadRequest("identity", "%PDF-1.7"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if doc.Status != domain.StatusCompleted || doc.ExtractionStatus != domain.ExtractionPending {
		t.Fatalf("unexpected statuses %s / %s", doc.Status, doc.ExtractionStatus)
	}
	if doc.Filename != "my_passport.pdf" || doc.Size != 8 {
		t.Fatalf("unexpected metadata %+v", doc)
	}
	if len(f.queue.published) != 1 || f.queue.published[0] != "doc-1" {
		t.Fatalf("expected one document.stored event, got %v", f.queue.published)
	}

	persisted := f.repo.get("doc-1")
	if persisted == nil || persisted.Status != domain.StatusCompleted || len(persisted.AuditLog) != len(doc.AuditLog) {
		t.Fatalf("final state was not persisted: %+v", persisted)
	}
	if f.repo.creates != 1 {
		t.Fatalf("expected the PENDING document to be created first")
	}
}

func TestIngestUploadSkipsExtractionForIneligibleType(t *testing.T) {
	f := newIngestFixture(IngestConfig{})

	doc, err := f.service.Upload(context.Background(), uploadRequest("proof_of_address", "%PDF"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if doc.ExtractionStatus != domain.ExtractionNotRequested {
		t.Fatalf("expected NOT_REQUESTED, got %s", doc.ExtractionStatus)
	}
	if len(f.queue.published) != 0 {
		t.Fatalf("no event expected, got %v", f.queue.published)
	}
}

func TestIngestUploadValidation(t *testing.T) {
	tests := []struct {
		name string
		req  ports.UploadRequest
	}{
		{name: "unknown type", req: uploadRequest("passport", "x")},
		{name: "empty body", req: uploadRequest("identity", "")},
		{name: "missing enrollment", req: func() ports.UploadRequest {
			r := uploadRequest("identity", "x")
			r.EnrollmentID = " "
			return r
		}()},
		{name: "bad content type", req: func() ports.UploadRequest {
			r := uploadRequest("identity", "x")
			r.ContentType = "text/html"
			return r
		}()},
		{name: "declared too large", req: func() ports.UploadRequest {
			r := uploadRequest("identity", "x")
			r.Size = 1 << 20
			return r
		}()},
		{name: "body too large", req: func() ports.UploadRequest {
			r := uploadRequest("identity", "")
			r.Body = bytes.NewReader(make([]byte, 17))
			r.Size = 0
			return r
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newIngestFixture(IngestConfig{MaxUploadBytes: 16})
			if _, err := f.service.Upload(context.Background(), tc.req); !domain.IsKind(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if f.repo.creates != 0 || f.store.puts != 0 {
				t.Fatalf("invalid uploads must not reach storage")
			}
		})
	}
}

func TestIngestUploadPersistsFailedDocument(t *testing.T) {
	f := newIngestFixture(IngestConfig{})
	f.store.putErrs = []error{transient("down"), transient("down"), transient("down")}

	doc, err := f.service.Upload(context.Background(), uploadRequest("identity", "%PDF"))
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) || stageErr.Attempts != 3 {
		t.Fatalf("expected storage stage error after 3 attempts, got %v", err)
	}
	if doc == nil || doc.Status != domain.StatusFailed {
		t.Fatalf("caller must see the FAILED document, got %+v", doc)
	}
	persisted := f.repo.get("doc-1")
	if persisted.Status != domain.StatusFailed || !hasAudit(persisted, domain.ActionStatusUpdate, "FAILED", "Upload failed") {
		t.Fatalf("failure was not persisted: %v", auditMessages(persisted))
	}
	if len(f.queue.published) != 0 {
		t.Fatalf("failed documents must not be queued for extraction")
	}
}

func TestIngestUploadSurvivesPublishFailure(t *testing.T) {
	f := newIngestFixture(IngestConfig{})
	f.queue.err = errors.New("nats: no servers available")

	doc, err := f.service.Upload(context.Background(), uploadRequest("identity", "%PDF"))
	if err != nil {
		t.Fatalf("a stored document must not be reported as failed: %v", err)
	}
	if doc.ExtractionStatus != domain.ExtractionPending {
		t.Fatalf("expected PENDING extraction, got %s", doc.ExtractionStatus)
	}
}

func TestIngestDownloadRecordsRetrieval(t *testing.T) {
	f := newIngestFixture(IngestConfig{})
	if _, err := f.service.Upload(context.Background(), uploadRequest("other", "%PDF-body")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	doc, plain, err := f.service.Download(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	body, _ := io.ReadAll(plain)
	if string(body) != "%PDF-body" {
		t.Fatalf("unexpected plaintext %q", body)
	}
	persisted := f.repo.get(doc.ID)
	if !hasAudit(persisted, domain.ActionRetrieve, "COMPLETED", "Document retrieved successfully") {
		t.Fatalf("retrieval audit entry not persisted: %v", auditMessages(persisted))
	}
}

func TestIngestDownloadUnknownDocument(t *testing.T) {
	f := newIngestFixture(IngestConfig{})

	if _, _, err := f.service.Download(context.Background(), "missing"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestIngestRequestExtraction(t *testing.T) {
	f := newIngestFixture(IngestConfig{ExtractionTypes: []domain.DocumentType{}})
	if _, err := f.service.Upload(context.Background(), uploadRequest("income_proof", "%PDF")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	doc, err := f.service.RequestExtraction(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("RequestExtraction() error = %v", err)
	}
	if doc.ExtractionStatus != domain.ExtractionPending || len(f.queue.published) != 1 {
		t.Fatalf("expected queued extraction, got %s / %v", doc.ExtractionStatus, f.queue.published)
	}

	// A repeated request republishes without another transition.
	entries := len(f.repo.get("doc-1").AuditLog)
	if _, err := f.service.RequestExtraction(context.Background(), "doc-1"); err != nil {
		t.Fatalf("second RequestExtraction() error = %v", err)
	}
	if len(f.repo.get("doc-1").AuditLog) != entries || len(f.queue.published) != 2 {
		t.Fatalf("unexpected state after republish")
	}
}

func TestIngestUploadWaitsForDocumentLock(t *testing.T) {
	f := newIngestFixture(IngestConfig{})
	locks := NewKeyedMutex()
	f.service.locks = locks

	unlock, err := locks.Lock(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.service.Upload(ctx, uploadRequest("identity", "%PDF")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the upload to wait for the lock, got %v", err)
	}
	if f.store.puts != 0 {
		t.Fatalf("no store call may happen without the lock")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"my passport.pdf":      "my_passport.pdf",
		"../../etc/passwd":     "passwd",
		`C:\scans\id card.png`: "id_card.png",
		"":                     "document.bin",
		"relatório-médico.pdf": "relat_rio-m_dico.pdf",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
