package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// RetryError reports the attempts spent on a dependency and the last cause.
type RetryError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryError) Error() string {
	if e == nil {
		return "retry error"
	}
	return fmt.Sprintf("%s: gave up after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *RetryError) AttemptCount() int {
	if e == nil {
		return 0
	}
	return e.Attempts
}

// DefaultClassifier retries transient failures (ErrTemporary, ErrTimeout,
// open breakers, network errors) and keeps caller mistakes out of the
// breaker's failure counts.
func DefaultClassifier(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: false,
		}
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrTimeout) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if domain.IsKind(err, domain.ErrValidation) ||
		domain.IsKind(err, domain.ErrUnauthorized) ||
		domain.IsKind(err, domain.ErrInvalidState) ||
		domain.IsKind(err, domain.ErrIntegrity) ||
		domain.IsKind(err, domain.ErrEncryption) ||
		domain.IsKind(err, domain.ErrDocumentNotFound) {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
