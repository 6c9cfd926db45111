package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

// Client validates object addresses and attaches bucket/path context to
// backend errors. It performs no retries; callers wrap it with the
// resilience executor.
type Client struct {
	backend ports.ObjectStore
	logger  *slog.Logger
}

func NewClient(backend ports.ObjectStore, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, logger: logger}
}

func (c *Client) Put(ctx context.Context, bucket, path string, body io.Reader, meta ports.ObjectMetadata) error {
	if err := validateAddress(bucket, path); err != nil {
		return err
	}
	if body == nil {
		return domain.WrapError(domain.ErrValidation, "object put", errors.New("body is required"))
	}
	// Backends may need to seek the body (S3 payload signing), so it is
	// passed through untouched.
	if err := c.backend.Put(ctx, bucket, path, body, meta); err != nil {
		return fmt.Errorf("object put bucket=%s path=%s: %w", bucket, path, err)
	}
	c.logger.Debug("object_put", "bucket", bucket, "path", path, "bytes", meta.Size, "content_type", meta.ContentType)
	return nil
}

func (c *Client) Get(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	if err := validateAddress(bucket, path); err != nil {
		return nil, err
	}
	rc, err := c.backend.Get(ctx, bucket, path)
	if err != nil {
		return nil, fmt.Errorf("object get bucket=%s path=%s: %w", bucket, path, err)
	}
	c.logger.Debug("object_get", "bucket", bucket, "path", path)
	return rc, nil
}

func (c *Client) Exists(ctx context.Context, bucket string) (bool, error) {
	if err := validateBucket(bucket); err != nil {
		return false, err
	}
	ok, err := c.backend.Exists(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("bucket exists bucket=%s: %w", bucket, err)
	}
	return ok, nil
}

func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	if err := c.backend.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket=%s: %w", bucket, err)
	}
	c.logger.Info("bucket_ready", "bucket", bucket)
	return nil
}

func validateBucket(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return domain.WrapError(domain.ErrValidation, "object store", errors.New("bucket is required"))
	}
	if strings.ContainsAny(bucket, "/\\") {
		return domain.WrapError(domain.ErrValidation, "object store", fmt.Errorf("invalid bucket %q", bucket))
	}
	return nil
}

func validateAddress(bucket, path string) error {
	if err := validateBucket(bucket); err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return domain.WrapError(domain.ErrValidation, "object store", errors.New("path is required"))
	}
	if strings.HasPrefix(path, "/") {
		return domain.WrapError(domain.ErrValidation, "object store", fmt.Errorf("path %q must be relative", path))
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return domain.WrapError(domain.ErrValidation, "object store", fmt.Errorf("invalid path %q", path))
		}
	}
	return nil
}
