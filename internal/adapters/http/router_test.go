package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type ingestorFake struct {
	uploaded ports.UploadRequest
	body     []byte
	doc      *domain.Document
	content  string
	err      error
}

func (f *ingestorFake) Upload(_ context.Context, req ports.UploadRequest) (*domain.Document, error) {
	f.uploaded = req
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.body = raw
	if f.err != nil {
		return f.doc, f.err
	}
	return f.doc, nil
}

func (f *ingestorFake) Download(_ context.Context, id string) (*domain.Document, io.Reader, error) {
	if f.err != nil {
		return f.doc, nil, f.err
	}
	if f.doc == nil || f.doc.ID != id {
		return nil, nil, domain.WrapError(domain.ErrDocumentNotFound, "get", fmt.Errorf("id=%s", id))
	}
	return f.doc, strings.NewReader(f.content), nil
}

type readerFake struct {
	doc *domain.Document
	err error
}

func (f readerFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.doc == nil || f.doc.ID != id {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get", fmt.Errorf("id=%s", id))
	}
	return f.doc, nil
}

type extractionFake struct {
	doc   *domain.Document
	err   error
	calls int
}

func (f *extractionFake) RequestExtraction(_ context.Context, _ string) (*domain.Document, error) {
	f.calls++
	return f.doc, f.err
}

func storedDocument(t *testing.T) *domain.Document {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	doc, err := domain.NewDocument("doc-1", "enr-42", domain.DocumentTypeIdentity, "passport.pdf", "application/pdf", 8, now)
	if err != nil {
		t.Fatalf("NewDocument() error = %v", err)
	}
	if err := doc.Transition(domain.StatusProcessing, "Starting document storage", domain.ActorSystem, now); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := doc.Transition(domain.StatusCompleted, "Document stored successfully", domain.ActorSystem, now); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	doc.StoragePath = "documents/identity/do/doc-1"
	doc.ContentHash = "abc123"
	doc.Encryption = &domain.EncryptionInfo{Algorithm: "AES-256-GCM", KeyVersion: "1", EncryptedAt: now}
	text := "JANE DOE"
	doc.ExtractedText = &text
	return doc
}

func newTestHandler(cfg config.Config) http.Handler {
	return NewRouter(cfg, &ingestorFake{}, readerFake{}, &extractionFake{}).Handler()
}

func multipartUpload(t *testing.T, fields map[string]string, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if filename != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("CreatePart() error = %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestHealthzEndpoint(t *testing.T) {
	handler := newTestHandler(config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
	if res.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on every response")
	}
}

func TestUploadDocumentSuccess(t *testing.T) {
	ingestor := &ingestorFake{doc: storedDocument(t)}
	var observed []string
	handler := NewRouter(config.Config{UploadMaxBytes: 1 << 20}, ingestor, readerFake{}, &extractionFake{},
		WithUploadObserver(func(documentType, status string, size int64) {
			observed = append(observed, fmt.Sprintf("%s/%s/%d", documentType, status, size))
		}),
	).Handler()

	body, contentType := multipartUpload(t,
		map[string]string{"enrollment_id": "enr-42", "document_type": "identity"},
		"passport.pdf", "application/pdf; name=passport.pdf", "%PDF-1.7",
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if res.Header().Get("Location") != "/v1/documents/doc-1" {
		t.Fatalf("unexpected Location %q", res.Header().Get("Location"))
	}
	if ingestor.uploaded.EnrollmentID != "enr-42" || ingestor.uploaded.DocumentType != "identity" {
		t.Fatalf("form fields not forwarded: %+v", ingestor.uploaded)
	}
	if ingestor.uploaded.ContentType != "application/pdf" || ingestor.uploaded.Filename != "passport.pdf" {
		t.Fatalf("file part not forwarded: %+v", ingestor.uploaded)
	}
	if string(ingestor.body) != "%PDF-1.7" {
		t.Fatalf("unexpected body %q", ingestor.body)
	}

	var resp map[string]any
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != "doc-1" || resp["status"] != "COMPLETED" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, leaked := resp["extracted_text"]; leaked {
		t.Fatalf("extracted text must not be returned in document metadata")
	}
	if _, leaked := resp["storage_path"]; leaked {
		t.Fatalf("storage path must not be returned in document metadata")
	}
	if len(observed) != 1 || observed[0] != "identity/completed/8" {
		t.Fatalf("unexpected upload observations %v", observed)
	}
}

func TestUploadDocumentMissingMultipartField(t *testing.T) {
	handler := newTestHandler(config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewBufferString("plain-text"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestUploadDocumentRejectsOversizedBody(t *testing.T) {
	handler := newTestHandler(config.Config{UploadMaxBytes: 16})

	body, contentType := multipartUpload(t, nil, "scan.png", "image/png", strings.Repeat("x", 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestUploadDocumentMapsFailures(t *testing.T) {
	failed := storedDocument(t)
	failed.Status = domain.StatusFailed

	tests := []struct {
		name       string
		doc        *domain.Document
		err        error
		wantStatus int
		wantStage  string
	}{
		{
			name:       "validation",
			err:        domain.WrapError(domain.ErrValidation, "parse document type", errors.New("unknown document type")),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "storage exhausted",
			doc:        failed,
			err:        &domain.StageError{Stage: domain.StageStorage, Attempts: 3, Err: domain.WrapError(domain.ErrTemporary, "object put", errors.New("503"))},
			wantStatus: http.StatusServiceUnavailable,
			wantStage:  "storage",
		},
		{
			name:       "encryption",
			doc:        failed,
			err:        &domain.StageError{Stage: domain.StageEncryption, Attempts: 1, Err: domain.WrapError(domain.ErrEncryption, "seal", errors.New("no key"))},
			wantStatus: http.StatusInternalServerError,
			wantStage:  "encryption",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ingestor := &ingestorFake{doc: tc.doc, err: tc.err}
			handler := NewRouter(config.Config{}, ingestor, readerFake{}, &extractionFake{}).Handler()

			body, contentType := multipartUpload(t, map[string]string{"document_type": "identity"}, "a.pdf", "application/pdf", "%PDF")
			req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
			req.Header.Set("Content-Type", contentType)
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)

			if res.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, res.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Stage != tc.wantStage {
				t.Fatalf("expected stage %q, got %q", tc.wantStage, resp.Stage)
			}
			if tc.doc != nil && (resp.DocumentID != "doc-1" || resp.Status != "FAILED") {
				t.Fatalf("failed document not reported: %+v", resp)
			}
			if tc.wantStatus >= 500 && strings.Contains(resp.Error, "no key") {
				t.Fatalf("server-side cause leaked: %q", resp.Error)
			}
		})
	}
}

func TestGetDocumentByIDReturns404ForNotFound(t *testing.T) {
	handler := newTestHandler(config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestGetDocumentByID(t *testing.T) {
	doc := storedDocument(t)
	handler := NewRouter(config.Config{}, &ingestorFake{}, readerFake{doc: doc}, &extractionFake{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var resp documentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Encryption == nil || resp.Encryption.KeyVersion != "1" || len(resp.AuditLog) != 3 {
		t.Fatalf("unexpected document view %+v", resp)
	}
}

func TestDownloadDocumentStreamsPlaintext(t *testing.T) {
	ingestor := &ingestorFake{doc: storedDocument(t), content: "%PDF-1.7"}
	handler := NewRouter(config.Config{}, ingestor, readerFake{}, &extractionFake{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/content", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Body.String() != "%PDF-1.7" {
		t.Fatalf("unexpected body %q", res.Body.String())
	}
	if res.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected content type %q", res.Header().Get("Content-Type"))
	}
	if res.Header().Get("Content-Disposition") != `attachment; filename=passport.pdf` {
		t.Fatalf("unexpected disposition %q", res.Header().Get("Content-Disposition"))
	}
	if res.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("plaintext responses must not be cached")
	}
}

func TestDownloadDocumentIntegrityFailure(t *testing.T) {
	ingestor := &ingestorFake{
		doc: storedDocument(t),
		err: &domain.StageError{Stage: domain.StageDecryption, Attempts: 1, Err: domain.WrapError(domain.ErrIntegrity, "open", errors.New("tag mismatch"))},
	}
	handler := NewRouter(config.Config{}, ingestor, readerFake{}, &extractionFake{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/content", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
}

func TestGetExtractedText(t *testing.T) {
	doc := storedDocument(t)
	handler := NewRouter(config.Config{}, &ingestorFake{}, readerFake{doc: doc}, &extractionFake{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/text", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 before extraction completes, got %d", res.Code)
	}

	doc.ExtractionStatus = domain.ExtractionCompleted
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/text", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["text"] != "JANE DOE" {
		t.Fatalf("unexpected text %+v", resp)
	}
}

func TestRequestExtraction(t *testing.T) {
	doc := storedDocument(t)
	doc.ExtractionStatus = domain.ExtractionPending
	extraction := &extractionFake{doc: doc}
	handler := NewRouter(config.Config{}, &ingestorFake{}, readerFake{}, extraction).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/extract", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted || extraction.calls != 1 {
		t.Fatalf("expected 202 after one request, got %d (%d calls)", res.Code, extraction.calls)
	}
}

func TestRequestExtractionConflict(t *testing.T) {
	extraction := &extractionFake{err: domain.WrapError(domain.ErrInvalidState, "queue extraction", errors.New("document is FAILED"))}
	handler := NewRouter(config.Config{}, &ingestorFake{}, readerFake{}, extraction).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/extract", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}

func TestMetricsEndpointIsOptional(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "docvault_up 1\n")
	})
	handler := NewRouter(config.Config{}, &ingestorFake{}, readerFake{}, &extractionFake{}, WithMetricsHandler(metrics)).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "docvault_up") {
		t.Fatalf("expected metrics exposition, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a metrics handler, got %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrValidation, "op", errors.New("x")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrUnauthorized, "op", errors.New("x")), http.StatusUnauthorized},
		{domain.WrapError(domain.ErrDocumentNotFound, "op", errors.New("x")), http.StatusNotFound},
		{domain.WrapError(domain.ErrInvalidState, "op", errors.New("x")), http.StatusConflict},
		{domain.WrapError(domain.ErrTemporary, "op", errors.New("x")), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrCircuitOpen, "op", errors.New("x")), http.StatusServiceUnavailable},
		{domain.ErrOCRTimeout, http.StatusGatewayTimeout},
		{domain.WrapError(domain.ErrIntegrity, "op", errors.New("x")), http.StatusInternalServerError},
		{domain.WrapError(domain.ErrValidation, "read upload", &http.MaxBytesError{Limit: 1}), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
