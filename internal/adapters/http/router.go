package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

// multipartOverhead is the allowance for form fields and part headers on top
// of the file itself.
const multipartOverhead = 1 << 20

const multipartMemory = 8 << 20

type UploadObserver func(documentType, status string, size int64)

type Router struct {
	cfg        config.Config
	ingestor   ports.DocumentIngestor
	reader     ports.DocumentReader
	extraction ports.ExtractionRequester

	metrics  http.Handler
	onUpload UploadObserver
}

type RouterOption func(*Router)

// WithMetricsHandler exposes h on /metrics.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(rt *Router) {
		rt.metrics = h
	}
}

func WithUploadObserver(observer UploadObserver) RouterOption {
	return func(rt *Router) {
		if observer != nil {
			rt.onUpload = observer
		}
	}
}

func NewRouter(
	cfg config.Config,
	ingestor ports.DocumentIngestor,
	reader ports.DocumentReader,
	extraction ports.ExtractionRequester,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:        cfg,
		ingestor:   ingestor,
		reader:     reader,
		extraction: extraction,
		onUpload:   func(string, string, int64) {},
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics)
	}
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("GET /v1/documents/{id}/content", rt.downloadDocument)
	mux.HandleFunc("GET /v1/documents/{id}/text", rt.getExtractedText)
	mux.HandleFunc("POST /v1/documents/{id}/extract", rt.requestExtraction)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIQueueWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = securityHeadersMiddleware(handler)
	handler = recoverMiddleware(handler)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.UploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form with field 'file' is required"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	documentType := strings.TrimSpace(r.FormValue("document_type"))
	doc, err := rt.ingestor.Upload(r.Context(), ports.UploadRequest{
		EnrollmentID: r.FormValue("enrollment_id"),
		DocumentType: documentType,
		Filename:     fileHeader.Filename,
		ContentType:  mediaType(fileHeader.Header.Get("Content-Type")),
		Size:         fileHeader.Size,
		Body:         file,
	})
	if err != nil {
		status := "rejected"
		if doc != nil {
			status = strings.ToLower(string(doc.Status))
		}
		rt.onUpload(documentType, status, 0)
		writeError(w, r, err, doc)
		return
	}

	rt.onUpload(documentType, strings.ToLower(string(doc.Status)), doc.Size)
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, newDocumentResponse(doc))
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.reader.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (rt *Router) downloadDocument(w http.ResponseWriter, r *http.Request) {
	doc, content, err := rt.ingestor.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, doc)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	if doc.ContentHash != "" {
		w.Header().Set("X-Content-Sha256", doc.ContentHash)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		slog.Warn("document_stream_interrupted",
			"request_id", requestIDFromContext(r.Context()),
			"document_id", doc.ID,
			"error", err,
		)
	}
}

func (rt *Router) getExtractedText(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.reader.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if doc.ExtractionStatus != domain.ExtractionCompleted || doc.ExtractedText == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":             "extracted text is not available",
			"extraction_status": string(doc.ExtractionStatus),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"document_id":       doc.ID,
		"extraction_status": string(doc.ExtractionStatus),
		"text":              *doc.ExtractedText,
	})
}

func (rt *Router) requestExtraction(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.extraction.RequestExtraction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, doc)
		return
	}
	writeJSON(w, http.StatusAccepted, newDocumentResponse(doc))
}

type encryptionResponse struct {
	Algorithm   string    `json:"algorithm"`
	KeyVersion  string    `json:"key_version"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// documentResponse is the public view of a document. Storage location and
// extracted text stay server-side.
type documentResponse struct {
	ID               string              `json:"id"`
	EnrollmentID     string              `json:"enrollment_id"`
	DocumentType     string              `json:"document_type"`
	Filename         string              `json:"filename"`
	ContentType      string              `json:"content_type"`
	Size             int64               `json:"size"`
	Status           string              `json:"status"`
	ContentHash      string              `json:"content_hash,omitempty"`
	Encryption       *encryptionResponse `json:"encryption,omitempty"`
	ExtractionStatus string              `json:"extraction_status"`
	RetentionDate    time.Time           `json:"retention_date"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	AuditLog         []domain.AuditEntry `json:"audit_log"`
}

func newDocumentResponse(doc *domain.Document) documentResponse {
	resp := documentResponse{
		ID:               doc.ID,
		EnrollmentID:     doc.EnrollmentID,
		DocumentType:     string(doc.DocumentType),
		Filename:         doc.Filename,
		ContentType:      doc.ContentType,
		Size:             doc.Size,
		Status:           string(doc.Status),
		ContentHash:      doc.ContentHash,
		ExtractionStatus: string(doc.ExtractionStatus),
		RetentionDate:    doc.RetentionDate,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		AuditLog:         doc.AuditLog,
	}
	if doc.Encryption != nil {
		resp.Encryption = &encryptionResponse{
			Algorithm:   doc.Encryption.Algorithm,
			KeyVersion:  doc.Encryption.KeyVersion,
			EncryptedAt: doc.Encryption.EncryptedAt,
		}
	}
	if resp.AuditLog == nil {
		resp.AuditLog = []domain.AuditEntry{}
	}
	return resp
}

func mediaType(header string) string {
	parsed, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.TrimSpace(header)
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
