package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const (
	DependencyName = "ocr-provider"

	DefaultMaxDocumentSize   = 4 << 20
	DefaultSubmitTimeout     = 10 * time.Second
	DefaultProcessingTimeout = 8 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
)

type Config struct {
	MaxDocumentSize   int64
	SubmitTimeout     time.Duration
	ProcessingTimeout time.Duration
	PollInterval      time.Duration
	Languages         []string
}

func (c Config) normalize() Config {
	out := c
	if out.MaxDocumentSize <= 0 {
		out.MaxDocumentSize = DefaultMaxDocumentSize
	}
	if out.SubmitTimeout <= 0 {
		out.SubmitTimeout = DefaultSubmitTimeout
	}
	if out.ProcessingTimeout <= 0 {
		out.ProcessingTimeout = DefaultProcessingTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	return out
}

type Option func(*Adapter)

// WithClock replaces time.Now and the poll sleep, mostly for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter turns an asynchronous Provider into a ports.TextExtractor. Every
// submit and poll goes through the executor under the "ocr-provider"
// dependency, and the poll loop is bounded by ProcessingTimeout.
type Adapter struct {
	provider Provider
	exec     ports.Executor
	cfg      Config
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

func NewAdapter(provider Provider, exec ports.Executor, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		provider: provider,
		exec:     exec,
		cfg:      cfg.normalize(),
		now:      time.Now,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Extract(ctx context.Context, doc *domain.Document, content io.Reader) (string, error) {
	if doc == nil || content == nil {
		return "", domain.WrapError(domain.ErrValidation, "ocr", errors.New("document and content are required"))
	}
	data, err := readLimited(content, a.cfg.MaxDocumentSize)
	if err != nil {
		return "", err
	}

	handle, err := a.submit(ctx, data, doc.ContentType)
	if err != nil {
		return "", err
	}
	return a.await(ctx, doc.ID, handle)
}

func (a *Adapter) submit(ctx context.Context, data []byte, contentType string) (string, error) {
	var handle string
	err := a.exec.Run(ctx, DependencyName, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		defer cancel()

		h, err := a.provider.Submit(callCtx, Input{
			Content:     data,
			ContentType: contentType,
			Languages:   a.cfg.Languages,
		})
		if err != nil {
			return stageTimeout(ctx, callCtx, "ocr submit", a.cfg.SubmitTimeout, err)
		}
		if strings.TrimSpace(h) == "" {
			return domain.WrapError(domain.ErrExtraction, "ocr submit", errors.New("provider returned no operation handle"))
		}
		handle = h
		return nil
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

func (a *Adapter) await(ctx context.Context, documentID, handle string) (string, error) {
	deadline := a.now().Add(a.cfg.ProcessingTimeout)
	// pollCtx bounds in-flight polls and their retries, not just the gaps between them.
	pollCtx, cancel := context.WithTimeout(ctx, a.cfg.ProcessingTimeout)
	defer cancel()
	budgetSpent := func(err error) bool {
		if ctx.Err() == nil {
			return pollCtx.Err() != nil
		}
		return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	}

	for polls := 1; ; polls++ {
		if err := pollCtx.Err(); err != nil {
			if budgetSpent(err) {
				return "", a.timedOut(documentID, handle, polls-1)
			}
			return "", ctx.Err()
		}

		var op Operation
		err := a.exec.Run(pollCtx, DependencyName, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
			defer cancel()

			result, err := a.provider.Poll(callCtx, handle)
			if err != nil {
				return stageTimeout(ctx, callCtx, "ocr poll", a.cfg.SubmitTimeout, err)
			}
			op = result
			return nil
		})
		if err != nil {
			if budgetSpent(err) {
				return "", a.timedOut(documentID, handle, polls)
			}
			return "", err
		}
		a.logger.Debug("ocr_poll", "document_id", documentID, "provider", a.provider.Name(), "poll", polls, "state", string(op.State))

		switch op.State {
		case StateSucceeded:
			return strings.Join(op.Lines, "\n"), nil
		case StateFailed:
			msg := strings.TrimSpace(op.Message)
			if msg == "" {
				msg = "provider reported failure"
			}
			return "", domain.WrapError(domain.ErrExtraction, "ocr", errors.New(msg))
		}

		if !a.now().Add(a.cfg.PollInterval).Before(deadline) {
			return "", a.timedOut(documentID, handle, polls)
		}
		if err := a.sleep(pollCtx, a.cfg.PollInterval); err != nil {
			if budgetSpent(err) {
				return "", a.timedOut(documentID, handle, polls)
			}
			return "", err
		}
	}
}

func (a *Adapter) timedOut(documentID, handle string, polls int) error {
	a.logger.Warn("ocr_timeout",
		"document_id", documentID,
		"provider", a.provider.Name(),
		"polls", polls,
		"timeout_ms", a.cfg.ProcessingTimeout.Milliseconds(),
	)
	return fmt.Errorf("%w: no result after %s (%d polls, operation %s)", domain.ErrOCRTimeout, a.cfg.ProcessingTimeout, polls, handle)
}

// stageTimeout turns an expired per-call deadline into a retryable ErrTimeout
// while leaving the caller's own cancellation untouched.
func stageTimeout(parent, call context.Context, operation string, limit time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, operation, fmt.Errorf("no response within %s", limit))
	}
	return err
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if n > limit {
		return nil, domain.WrapError(domain.ErrValidation, "ocr", fmt.Errorf("document exceeds OCR size limit of %d bytes", limit))
	}
	if n == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "ocr", errors.New("document is empty"))
	}
	return buf.Bytes(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ ports.TextExtractor = (*Adapter)(nil)
