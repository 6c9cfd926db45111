package httpadapter

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrInvalidState):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrCircuitOpen), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// writeError maps err to a status and a JSON body. Server-side causes are
// logged but only their stage summary is returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error, doc *domain.Document) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: requestIDFromContext(r.Context()),
	}
	if doc != nil {
		resp.DocumentID = doc.ID
		resp.Status = string(doc.Status)
	}

	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		resp.Stage = string(stageErr.Stage)
		resp.Attempts = stageErr.Attempts
	}

	if status >= http.StatusInternalServerError {
		resp.Error = http.StatusText(status)
		if resp.Stage != "" && status != http.StatusInternalServerError {
			resp.Error = resp.Stage + " unavailable"
		}
		slog.Error("request_failed",
			"request_id", resp.RequestID,
			"path", r.URL.Path,
			"status", status,
			"document_id", resp.DocumentID,
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}
