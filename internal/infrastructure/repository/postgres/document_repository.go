package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// DocumentRepository stores document state in documents and its audit trail
// in document_audit_entries. Audit rows are insert-only, keyed by position.
type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101601)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	enrollment_id TEXT NOT NULL,
	document_type TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	status TEXT NOT NULL,
	storage_path TEXT,
	content_hash TEXT,
	encryption JSONB,
	extraction_status TEXT NOT NULL,
	extracted_text TEXT,
	retention_date TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_enrollment ON documents(enrollment_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_retention ON documents(retention_date);
CREATE INDEX IF NOT EXISTS idx_documents_extraction ON documents(extraction_status, updated_at);

CREATE TABLE IF NOT EXISTS document_audit_entries (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	action TEXT NOT NULL,
	resulting_status TEXT NOT NULL,
	message TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, seq)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	encryption, err := marshalEncryption(doc.Encryption)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (
	id, enrollment_id, document_type, filename, content_type, size_bytes, status, storage_path, content_hash,
	encryption, extraction_status, extracted_text, retention_date, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		doc.ID, doc.EnrollmentID, string(doc.DocumentType), doc.Filename, doc.ContentType, doc.Size,
		string(doc.Status), nullString(doc.StoragePath), nullString(doc.ContentHash), encryption,
		string(doc.ExtractionStatus), doc.ExtractedText, doc.RetentionDate, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err := insertAuditEntries(ctx, tx, doc.ID, doc.AuditLog, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, enrollment_id, document_type, filename, content_type, size_bytes, status, storage_path, content_hash,
	encryption, extraction_status, extracted_text, retention_date, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT action, resulting_status, message, actor, created_at
FROM document_audit_entries
WHERE document_id = $1
ORDER BY seq
`, id)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	doc.AuditLog = make([]domain.AuditEntry, 0, 8)
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(&entry.Action, &entry.ResultingStatus, &entry.Message, &entry.Actor, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Timestamp = entry.Timestamp.UTC()
		doc.AuditLog = append(doc.AuditLog, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return doc, nil
}

// Save writes the mutable document columns and appends audit entries not yet
// persisted. Earlier entries are never rewritten.
func (r *DocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	encryption, err := marshalEncryption(doc.Encryption)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE documents
SET status = $2, storage_path = $3, content_hash = $4, encryption = $5, extraction_status = $6,
	extracted_text = $7, updated_at = $8
WHERE id = $1
`,
		doc.ID, string(doc.Status), nullString(doc.StoragePath), nullString(doc.ContentHash), encryption,
		string(doc.ExtractionStatus), doc.ExtractedText, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "save document", fmt.Errorf("id=%s", doc.ID))
	}

	var persisted int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM document_audit_entries WHERE document_id = $1
`, doc.ID).Scan(&persisted); err != nil {
		return fmt.Errorf("count audit entries: %w", err)
	}
	if persisted > len(doc.AuditLog) {
		return domain.WrapError(domain.ErrInvalidState, "save document",
			fmt.Errorf("id=%s: audit log has %d entries, %d already persisted", doc.ID, len(doc.AuditLog), persisted))
	}

	if err := insertAuditEntries(ctx, tx, doc.ID, doc.AuditLog[persisted:], persisted); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// ListPendingExtractions returns stored documents still waiting for text
// extraction since before cutoff, oldest first.
func (r *DocumentRepository) ListPendingExtractions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id
FROM documents
WHERE status = $1 AND extraction_status = $2 AND updated_at < $3
ORDER BY updated_at
LIMIT $4
`, string(domain.StatusCompleted), string(domain.ExtractionPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending extractions: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending extraction: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending extractions: %w", err)
	}
	return out, nil
}

func insertAuditEntries(ctx context.Context, tx *sql.Tx, documentID string, entries []domain.AuditEntry, offset int) error {
	for i, entry := range entries {
		_, err := tx.ExecContext(ctx, `
INSERT INTO document_audit_entries (document_id, seq, action, resulting_status, message, actor, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (document_id, seq) DO NOTHING
`, documentID, offset+i, entry.Action, entry.ResultingStatus, entry.Message, entry.Actor, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("insert audit entry %d: %w", offset+i, err)
		}
	}
	return nil
}

type documentScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row documentScanner) (*domain.Document, error) {
	var doc domain.Document
	var documentType, status, extractionStatus string
	var storagePath, contentHash, extractedText sql.NullString
	var encryption []byte

	err := row.Scan(
		&doc.ID,
		&doc.EnrollmentID,
		&documentType,
		&doc.Filename,
		&doc.ContentType,
		&doc.Size,
		&status,
		&storagePath,
		&contentHash,
		&encryption,
		&extractionStatus,
		&extractedText,
		&doc.RetentionDate,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.DocumentType = domain.DocumentType(documentType)
	doc.Status = domain.DocumentStatus(status)
	doc.ExtractionStatus = domain.ExtractionStatus(extractionStatus)
	doc.StoragePath = storagePath.String
	doc.ContentHash = contentHash.String
	if extractedText.Valid {
		text := extractedText.String
		doc.ExtractedText = &text
	}
	if len(encryption) > 0 {
		var info domain.EncryptionInfo
		if err := json.Unmarshal(encryption, &info); err != nil {
			return nil, fmt.Errorf("unmarshal encryption info: %w", err)
		}
		doc.Encryption = &info
	}
	doc.RetentionDate = doc.RetentionDate.UTC()
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

// marshalEncryption returns an untyped nil for a missing sidecar so the
// column is written as SQL NULL.
func marshalEncryption(info *domain.EncryptionInfo) (any, error) {
	if info == nil {
		return nil, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal encryption info: %w", err)
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
