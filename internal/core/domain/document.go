package domain

import (
	"fmt"
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

// IsTerminal reports whether no further storage transition is permitted.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ExtractionStatus string

const (
	ExtractionNotRequested ExtractionStatus = "NOT_REQUESTED"
	ExtractionPending      ExtractionStatus = "PENDING"
	ExtractionProcessing   ExtractionStatus = "PROCESSING"
	ExtractionCompleted    ExtractionStatus = "COMPLETED"
	ExtractionFailed       ExtractionStatus = "FAILED"
	ExtractionTimedOut     ExtractionStatus = "TIMED_OUT"
)

func (s ExtractionStatus) IsTerminal() bool {
	return s == ExtractionCompleted || s == ExtractionFailed || s == ExtractionTimedOut
}

type DocumentType string

const (
	DocumentTypeIdentity       DocumentType = "identity"
	DocumentTypeProofOfAddress DocumentType = "proof_of_address"
	DocumentTypeMedicalRecord  DocumentType = "medical_record"
	DocumentTypeIncomeProof    DocumentType = "income_proof"
	DocumentTypeOther          DocumentType = "other"
)

func ParseDocumentType(raw string) (DocumentType, error) {
	switch t := DocumentType(strings.ToLower(strings.TrimSpace(raw))); t {
	case DocumentTypeIdentity, DocumentTypeProofOfAddress, DocumentTypeMedicalRecord, DocumentTypeIncomeProof, DocumentTypeOther:
		return t, nil
	default:
		return "", WrapError(ErrValidation, "parse document type", fmt.Errorf("unknown document type %q", raw))
	}
}

const (
	ActionCreate           = "CREATE"
	ActionStatusUpdate     = "STATUS_UPDATE"
	ActionRetrieve         = "RETRIEVE"
	ActionExtractionStatus = "EXTRACTION_STATUS"

	ActorSystem = "SYSTEM"
)

const (
	MaxDocumentSize = 100 * 1024 * 1024
	RetentionYears  = 5
)

var AllowedContentTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
}

// AuditEntry is one immutable line of a document's audit trail.
type AuditEntry struct {
	Action          string    `json:"action"`
	ResultingStatus string    `json:"resulting_status"`
	Message         string    `json:"message"`
	Actor           string    `json:"actor"`
	Timestamp       time.Time `json:"timestamp"`
}

// EncryptionInfo is the sidecar describing how the stored envelope was sealed.
type EncryptionInfo struct {
	Algorithm   string    `json:"algorithm"`
	KeyVersion  string    `json:"key_version"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

type Document struct {
	ID               string           `json:"id"`
	EnrollmentID     string           `json:"enrollment_id"`
	DocumentType     DocumentType     `json:"document_type"`
	Filename         string           `json:"filename"`
	ContentType      string           `json:"content_type"`
	Size             int64            `json:"size"`
	Status           DocumentStatus   `json:"status"`
	StoragePath      string           `json:"storage_path,omitempty"`
	ContentHash      string           `json:"content_hash,omitempty"`
	Encryption       *EncryptionInfo  `json:"encryption,omitempty"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	ExtractedText    *string          `json:"extracted_text,omitempty"`
	RetentionDate    time.Time        `json:"retention_date"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	AuditLog         []AuditEntry     `json:"audit_log"`
}

// NewDocument validates upload metadata and returns a PENDING document with
// its CREATE audit entry. The caller assigns the identifier.
func NewDocument(id, enrollmentID string, documentType DocumentType, filename, contentType string, size int64, now time.Time) (*Document, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(enrollmentID) == "" || documentType == "" || strings.TrimSpace(filename) == "" {
		return nil, WrapError(ErrValidation, "new document", fmt.Errorf("id, enrollment id, document type and filename are required"))
	}
	if !IsAllowedContentType(contentType) {
		return nil, WrapError(ErrValidation, "new document", fmt.Errorf("unsupported content type %q", contentType))
	}
	if size < 0 || size > MaxDocumentSize {
		return nil, WrapError(ErrValidation, "new document", fmt.Errorf("size %d outside 0..%d", size, MaxDocumentSize))
	}

	now = now.UTC()
	doc := &Document{
		ID:               id,
		EnrollmentID:     enrollmentID,
		DocumentType:     documentType,
		Filename:         filename,
		ContentType:      contentType,
		Size:             size,
		Status:           StatusPending,
		ExtractionStatus: ExtractionNotRequested,
		RetentionDate:    now.AddDate(RetentionYears, 0, 0),
		CreatedAt:        now,
		UpdatedAt:        now,
		AuditLog:         make([]AuditEntry, 0, 4),
	}
	doc.appendAudit(ActionCreate, string(StatusPending), "Document created", ActorSystem, now)
	return doc, nil
}

func IsAllowedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, allowed := range AllowedContentTypes {
		if ct == allowed {
			return true
		}
	}
	return false
}

// Transition moves the storage status and appends its audit entry in one step.
// Terminal statuses are final; PROCESSING may be re-entered by a resumed pipeline.
func (d *Document) Transition(to DocumentStatus, message, actor string, now time.Time) error {
	if !d.canTransition(to) {
		return WrapError(ErrInvalidState, "transition", fmt.Errorf("document %s: %s -> %s not permitted", d.ID, d.Status, to))
	}
	d.Status = to
	d.UpdatedAt = now.UTC()
	d.appendAudit(ActionStatusUpdate, string(to), message, actor, now)
	return nil
}

func (d *Document) canTransition(to DocumentStatus) bool {
	switch d.Status {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// TransitionExtraction moves the text-extraction sub-status. It never touches
// the storage status.
func (d *Document) TransitionExtraction(to ExtractionStatus, message, actor string, now time.Time) error {
	from := d.ExtractionStatus
	if from == "" {
		from = ExtractionNotRequested
	}
	if from.IsTerminal() || to == ExtractionNotRequested || (from == ExtractionProcessing && to == ExtractionPending) {
		return WrapError(ErrInvalidState, "extraction transition", fmt.Errorf("document %s: extraction %s -> %s not permitted", d.ID, from, to))
	}
	if to != ExtractionPending && to != ExtractionProcessing && d.Status != StatusCompleted {
		return WrapError(ErrInvalidState, "extraction transition", fmt.Errorf("document %s: storage status is %s", d.ID, d.Status))
	}
	d.ExtractionStatus = to
	d.UpdatedAt = now.UTC()
	d.appendAudit(ActionExtractionStatus, string(to), message, actor, now)
	return nil
}

// RecordRetrieval appends a retrieval entry without changing any status.
func (d *Document) RecordRetrieval(message, actor string, now time.Time) {
	d.appendAudit(ActionRetrieve, string(d.Status), message, actor, now)
}

// AttachExtractedText sets the OCR result. Only stored documents may carry text.
func (d *Document) AttachExtractedText(text string) error {
	if d.Status != StatusCompleted {
		return WrapError(ErrInvalidState, "attach extracted text", fmt.Errorf("document %s: storage status is %s", d.ID, d.Status))
	}
	d.ExtractedText = &text
	return nil
}

func (d *Document) appendAudit(action, status, message, actor string, now time.Time) {
	if actor == "" {
		actor = ActorSystem
	}
	d.AuditLog = append(d.AuditLog, AuditEntry{
		Action:          action,
		ResultingStatus: status,
		Message:         message,
		Actor:           actor,
		Timestamp:       now.UTC(),
	})
}
