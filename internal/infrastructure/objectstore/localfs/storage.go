package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const metaSuffix = ".meta.json"

// Storage keeps each bucket as a directory under basePath. Object metadata is
// written next to the object as a JSON sidecar.
type Storage struct {
	basePath string
}

type objectMeta struct {
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Put(ctx context.Context, bucket, key string, data io.Reader, meta ports.ObjectMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.bucketPath(bucket)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.WrapError(domain.ErrValidation, "localfs put", fmt.Errorf("bucket %s does not exist", bucket))
		}
		return domain.WrapError(domain.ErrTemporary, "localfs put", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return domain.WrapError(domain.ErrTemporary, "create object dir", err)
	}

	if err := writeAtomic(target, data); err != nil {
		return domain.WrapError(domain.ErrTemporary, "write object", err)
	}
	raw, err := json.Marshal(objectMeta{
		ContentType: meta.ContentType,
		Size:        meta.Size,
		Attributes:  meta.Attributes,
	})
	if err != nil {
		return fmt.Errorf("marshal object metadata: %w", err)
	}
	if err := writeAtomic(target+metaSuffix, strings.NewReader(string(raw))); err != nil {
		return domain.WrapError(domain.ErrTemporary, "write object metadata", err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "localfs get", err)
		}
		return nil, domain.WrapError(domain.ErrTemporary, "open file", err)
	}
	return f, nil
}

// Metadata returns the sidecar stored with an object.
func (s *Storage) Metadata(bucket, key string) (ports.ObjectMetadata, error) {
	target, err := s.objectPath(bucket, key)
	if err != nil {
		return ports.ObjectMetadata{}, err
	}
	raw, err := os.ReadFile(target + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ports.ObjectMetadata{}, domain.WrapError(domain.ErrDocumentNotFound, "localfs metadata", err)
		}
		return ports.ObjectMetadata{}, err
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ports.ObjectMetadata{}, fmt.Errorf("decode object metadata: %w", err)
	}
	return ports.ObjectMetadata{ContentType: meta.ContentType, Size: meta.Size, Attributes: meta.Attributes}, nil
}

func (s *Storage) Exists(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.bucketPath(bucket))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, domain.WrapError(domain.ErrTemporary, "stat bucket", err)
	}
	return info.IsDir(), nil
}

func (s *Storage) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.bucketPath(bucket), 0o750); err != nil {
		return domain.WrapError(domain.ErrTemporary, "create bucket dir", err)
	}
	return nil
}

func (s *Storage) bucketPath(bucket string) string {
	return filepath.Join(s.basePath, filepath.Base(bucket))
}

func (s *Storage) objectPath(bucket, key string) (string, error) {
	root := s.bucketPath(bucket)
	target := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", domain.WrapError(domain.ErrValidation, "localfs", fmt.Errorf("key %q escapes bucket", key))
	}
	return target, nil
}

func writeAtomic(path string, data io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmpName, path)
}

var _ ports.ObjectStore = (*Storage)(nil)
