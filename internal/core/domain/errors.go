package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrEncryption       = errors.New("encryption failure")
	ErrIntegrity        = errors.New("integrity check failed")
	ErrTemporary        = errors.New("temporary failure")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrInvalidState     = errors.New("invalid document state")
	ErrExtraction       = errors.New("text extraction failed")
)

// ErrOCRTimeout is returned when the provider does not reach a terminal state
// within the processing budget.
var ErrOCRTimeout = fmt.Errorf("OCR timed out: %w", ErrTimeout)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

type Stage string

const (
	StageEncryption Stage = "encryption"
	StageStorage    Stage = "storage"
	StageRetrieval  Stage = "retrieval"
	StageDecryption Stage = "decryption"
	StageExtraction Stage = "extraction"
)

// StageError is what callers of the lifecycle operations receive: the stage
// that failed, how many attempts were made and the last cause.
type StageError struct {
	Stage    Stage
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return "stage error"
	}
	noun := "attempts"
	if e.Attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("%s failed after %d %s: %v", e.Stage, e.Attempts, noun, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StageError) AttemptCount() int {
	if e == nil {
		return 0
	}
	return e.Attempts
}

// Attempts returns how many calls produced err: the count carried by a retry
// or stage error, 1 for a plain failure and 0 for nil.
func Attempts(err error) int {
	if err == nil {
		return 0
	}
	var counted interface{ AttemptCount() int }
	if errors.As(err, &counted) && counted.AttemptCount() > 0 {
		return counted.AttemptCount()
	}
	return 1
}
